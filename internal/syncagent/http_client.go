package syncagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	apierrors "github.com/prudhvinik1/fieldsync/internal/api/errors"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

// HTTPClient is a Remote that talks to the sync server's REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient returns a client for the server at baseURL authenticating
// with token. A nil httpClient gets a client with a 15 second timeout.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

func (c *HTTPClient) CreateOverlay(ctx context.Context, sessionID uuid.UUID, draft Draft) (*models.Overlay, error) {
	var overlay models.Overlay
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID.String()+"/overlays", 0, draft, &overlay); err != nil {
		return nil, err
	}
	return &overlay, nil
}

func (c *HTTPClient) UpdateOverlay(ctx context.Context, id uuid.UUID, patch models.OverlayPatch, expectedVersion int64) (*models.Overlay, error) {
	var overlay models.Overlay
	if err := c.do(ctx, http.MethodPatch, "/api/v1/overlays/"+id.String(), expectedVersion, patch, &overlay); err != nil {
		return nil, err
	}
	return &overlay, nil
}

func (c *HTTPClient) DeleteOverlay(ctx context.Context, id uuid.UUID, expectedVersion int64) (*models.Overlay, error) {
	var overlay models.Overlay
	if err := c.do(ctx, http.MethodDelete, "/api/v1/overlays/"+id.String(), expectedVersion, nil, &overlay); err != nil {
		return nil, err
	}
	return &overlay, nil
}

func (c *HTTPClient) Changes(ctx context.Context, sessionID uuid.UUID, cursor string) (*Page, error) {
	path := "/api/v1/sessions/" + sessionID.String() + "/changes"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	var page Page
	if err := c.do(ctx, http.MethodGet, path, 0, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// do sends one request. Transport failures and 5xx answers become
// NetworkError; 4xx answers are mapped back onto the error taxonomy.
func (c *HTTPClient) do(ctx context.Context, method, path string, version int64, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if version > 0 {
		req.Header.Set("If-Match", strconv.Quote(strconv.FormatInt(version, 10)))
	}

	op := method + " " + path
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &syncerr.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &syncerr.NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode >= 500 {
		return &syncerr.NetworkError{Op: op, Err: fmt.Errorf("server returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

type errorBody struct {
	Error struct {
		Code           string          `json:"code"`
		Message        string          `json:"message"`
		Field          string          `json:"field"`
		CurrentVersion int64           `json:"current_version"`
		Current        json.RawMessage `json:"current"`
		Holder         string          `json:"holder"`
		ExpiresAt      *time.Time      `json:"expires_at"`
	} `json:"error"`
}

func decodeError(status int, raw []byte) error {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("server returned %d: %s", status, bytes.TrimSpace(raw))
	}
	detail := body.Error

	switch detail.Code {
	case apierrors.CodeValidationError:
		return &syncerr.ValidationError{Field: detail.Field, Message: detail.Message}
	case apierrors.CodeConflict:
		conflict := &syncerr.ConflictError{CurrentVersion: detail.CurrentVersion}
		if len(detail.Current) > 0 {
			var current models.Overlay
			if err := json.Unmarshal(detail.Current, &current); err == nil {
				conflict.Current = &current
			}
		}
		return conflict
	case apierrors.CodeLockHeld:
		held := &syncerr.LockHeldError{Holder: detail.Holder}
		if detail.ExpiresAt != nil {
			held.ExpiresAt = *detail.ExpiresAt
		}
		return held
	case apierrors.CodeInvalidTransition:
		return fmt.Errorf("%s: %w", detail.Message, syncerr.ErrInvalidTransition)
	case apierrors.CodePreconditionRequired:
		return fmt.Errorf("%s: %w", detail.Message, syncerr.ErrPrecondition)
	case apierrors.CodeNotFound:
		return fmt.Errorf("%s: %w", detail.Message, syncerr.ErrNotFound)
	case apierrors.CodeForbidden, apierrors.CodeUnauthorized:
		return fmt.Errorf("%s: %w", detail.Message, syncerr.ErrForbidden)
	default:
		return fmt.Errorf("server returned %d: %s", status, detail.Message)
	}
}
