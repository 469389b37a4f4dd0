// Package errors writes API error responses. Every error body has the shape
// {"error": {"code": "...", "message": "..."}}; conflict and lock errors add
// the fields a client needs to reconcile.
package errors

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeForbidden            = "FORBIDDEN"
	CodeNotFound             = "NOT_FOUND"
	CodeConflict             = "CONFLICT"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeLockHeld             = "LOCK_HELD"
	CodePreconditionRequired = "PRECONDITION_REQUIRED"
	CodeInternalError        = "INTERNAL_ERROR"
)

type Body struct {
	Error Detail `json:"error"`
}

type Detail struct {
	Code           string     `json:"code"`
	Message        string     `json:"message"`
	Field          string     `json:"field,omitempty"`
	CurrentVersion int64      `json:"current_version,omitempty"`
	Current        any        `json:"current,omitempty"`
	Holder         string     `json:"holder,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

func WriteError(w http.ResponseWriter, statusCode int, detail Detail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(Body{Error: detail})
}

func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, Detail{Code: CodeValidationError, Message: message})
}

func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, Detail{Code: CodeUnauthorized, Message: message})
}

func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, Detail{Code: CodeInternalError, Message: message})
}

// Describe maps a service error onto its HTTP status and error detail.
func Describe(err error) (int, Detail) {
	var (
		validation *syncerr.ValidationError
		conflict   *syncerr.ConflictError
		held       *syncerr.LockHeldError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, Detail{Code: CodeValidationError, Message: validation.Error(), Field: validation.Field}
	case errors.As(err, &conflict):
		return http.StatusConflict, Detail{
			Code:           CodeConflict,
			Message:        conflict.Error(),
			CurrentVersion: conflict.CurrentVersion,
			Current:        conflict.Current,
		}
	case errors.As(err, &held):
		expiresAt := held.ExpiresAt
		return http.StatusLocked, Detail{Code: CodeLockHeld, Message: held.Error(), Holder: held.Holder, ExpiresAt: &expiresAt}
	case errors.Is(err, syncerr.ErrInvalidTransition):
		return http.StatusUnprocessableEntity, Detail{Code: CodeInvalidTransition, Message: err.Error()}
	case errors.Is(err, syncerr.ErrPrecondition):
		return http.StatusPreconditionRequired, Detail{Code: CodePreconditionRequired, Message: "If-Match header with the expected version is required"}
	case errors.Is(err, syncerr.ErrNotFound):
		return http.StatusNotFound, Detail{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, syncerr.ErrForbidden):
		return http.StatusForbidden, Detail{Code: CodeForbidden, Message: err.Error()}
	case errors.Is(err, syncerr.ErrValidation):
		return http.StatusBadRequest, Detail{Code: CodeValidationError, Message: err.Error()}
	default:
		return http.StatusInternalServerError, Detail{Code: CodeInternalError, Message: "internal error"}
	}
}

// ServiceError writes err using the taxonomy mapping. Unexpected errors are
// logged; their text never reaches the client.
func ServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, detail := Describe(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	WriteError(w, status, detail)
}
