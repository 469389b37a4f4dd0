package handlers

import (
	"net/http"
	"time"

	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/services"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

// ListOverlays handles GET /sessions/{sessionID}/overlays.
func (h *Handler) ListOverlays(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	includeRemoved, err := queryBool(r, "include_removed")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := models.OverlayFilter{
		Type:           models.OverlayType(q.Get("type")),
		State:          models.OverlayState(q.Get("state")),
		IncludeRemoved: includeRemoved,
	}
	overlays, err := h.Overlays.List(r.Context(), sessionID, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"overlays": overlays})
}

// CreateOverlay handles POST /sessions/{sessionID}/overlays.
func (h *Handler) CreateOverlay(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var input services.CreateOverlayInput
	if err := decodeJSON(w, r, &input); err != nil {
		h.fail(w, r, err)
		return
	}

	overlay, err := h.Overlays.Create(r.Context(), actor(r), sessionID, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeVersioned(w, http.StatusCreated, overlay.Version, overlay)
}

func (h *Handler) GetOverlay(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "overlayID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	overlay, err := h.Overlays.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeVersioned(w, http.StatusOK, overlay.Version, overlay)
}

// UpdateOverlay handles PATCH /overlays/{overlayID}. The expected version
// comes from If-Match.
func (h *Handler) UpdateOverlay(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "overlayID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	expected, err := expectedVersion(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var patch models.OverlayPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		h.fail(w, r, err)
		return
	}

	overlay, err := h.Overlays.Update(r.Context(), actor(r), id, patch, expected)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeVersioned(w, http.StatusOK, overlay.Version, overlay)
}

func (h *Handler) PublishOverlay(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "overlayID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	expected, err := expectedVersion(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	overlay, err := h.Overlays.Publish(r.Context(), actor(r), id, expected)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeVersioned(w, http.StatusOK, overlay.Version, overlay)
}

// DeleteOverlay soft-deletes the overlay and returns the removed record.
func (h *Handler) DeleteOverlay(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "overlayID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	expected, err := expectedVersion(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	overlay, err := h.Overlays.Delete(r.Context(), actor(r), id, expected)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeVersioned(w, http.StatusOK, overlay.Version, overlay)
}

type lockRequest struct {
	TTLSeconds int  `json:"ttl_seconds,omitempty"`
	Force      bool `json:"force,omitempty"`
}

type lockResponse struct {
	Success   bool         `json:"success"`
	Lock      *models.Lock `json:"lock,omitempty"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
}

// AcquireLock handles POST /overlays/{overlayID}/lock. An empty body asks for
// the default TTL; calling again while holding the lock renews it.
func (h *Handler) AcquireLock(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "overlayID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req lockRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if req.TTLSeconds < 0 {
		h.fail(w, r, syncerr.Invalid("ttl_seconds", "must not be negative"))
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	var lock *models.Lock
	if req.Force {
		lock, err = h.Overlays.ForceLock(r.Context(), actor(r), id, ttl)
	} else {
		lock, err = h.Overlays.AcquireLock(r.Context(), actor(r), id, ttl)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lockResponse{Success: true, Lock: lock, ExpiresAt: &lock.ExpiresAt})
}

func (h *Handler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "overlayID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Overlays.ReleaseLock(r.Context(), actor(r), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lockResponse{Success: true})
}
