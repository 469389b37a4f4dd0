// Package handlers implements the REST and live websocket endpoints of the
// sync server.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	apierrors "github.com/prudhvinik1/fieldsync/internal/api/errors"
	"github.com/prudhvinik1/fieldsync/internal/api/middleware"
	"github.com/prudhvinik1/fieldsync/internal/feed"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/services"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

const maxBodyBytes = 1 << 20

// Services groups the collaborators the handlers call into.
type Services struct {
	Overlays  *services.OverlayService
	Reports   *services.ReportService
	Sos       *services.SosService
	Locations *services.LocationService
	Presence  *services.PresenceService
	Feed      *feed.Broadcaster
}

type Handler struct {
	Services
	logger *slog.Logger
}

func New(svc Services, logger *slog.Logger) *Handler {
	return &Handler{
		Services: svc,
		logger:   logger.With(slog.String("component", "api")),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeVersioned writes a versioned record with its ETag.
func writeVersioned(w http.ResponseWriter, status int, version int64, data any) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(version, 10)))
	writeJSON(w, status, data)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	apierrors.ServiceError(w, r, h.logger, err)
}

// decodeJSON reads a single JSON document into dst, rejecting unknown fields
// and oversized bodies.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return syncerr.Invalid("", "request body is required")
		case errors.As(err, &maxErr):
			return syncerr.Invalid("", "request body exceeds %d bytes", maxErr.Limit)
		default:
			return syncerr.Invalid("", "malformed JSON: %v", err)
		}
	}
	if dec.More() {
		return syncerr.Invalid("", "request body must contain a single JSON document")
	}
	return nil
}

// expectedVersion reads the If-Match header. A missing header yields 0, which
// the services reject as a missing precondition. Accepted forms are "3", 3
// and W/"3".
func expectedVersion(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" {
		return 0, nil
	}
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version < 1 {
		return 0, syncerr.Invalid("If-Match", "must be a positive version number")
	}
	return version, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, syncerr.Invalid(name, "must be a UUID")
	}
	return id, nil
}

// actor returns the authenticated caller. The auth middleware guarantees it
// is present on every route served here.
func actor(r *http.Request) models.Actor {
	a, _ := middleware.ActorFromContext(r.Context())
	return a
}

func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, syncerr.Invalid(name, "must be a boolean")
	}
	return v, nil
}
