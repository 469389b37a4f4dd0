package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/services"
)

// TriggerSos handles POST /sessions/{sessionID}/sos.
func (h *Handler) TriggerSos(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var input services.TriggerSosInput
	if err := decodeJSON(w, r, &input); err != nil {
		h.fail(w, r, err)
		return
	}

	signal, err := h.Sos.Trigger(r.Context(), actor(r), sessionID, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeVersioned(w, http.StatusCreated, signal.Version, signal)
}

func (h *Handler) ListActiveSos(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	signals, err := h.Sos.ListActive(r.Context(), sessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": signals})
}

func (h *Handler) GetSos(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "sosID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	signal, err := h.Sos.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeVersioned(w, http.StatusOK, signal.Version, signal)
}

type sosNoteRequest struct {
	Note string `json:"note,omitempty"`
}

func (h *Handler) AcknowledgeSos(w http.ResponseWriter, r *http.Request) {
	h.sosTransition(w, r, h.Sos.Acknowledge)
}

func (h *Handler) ResolveSos(w http.ResponseWriter, r *http.Request) {
	h.sosTransition(w, r, h.Sos.Resolve)
}

func (h *Handler) CancelSos(w http.ResponseWriter, r *http.Request) {
	h.sosTransition(w, r, func(ctx context.Context, a models.Actor, id uuid.UUID, _ string) (*models.SosSignal, error) {
		return h.Sos.Cancel(ctx, a, id)
	})
}

// sosTransition runs an SOS lifecycle step. SOS transitions always apply to
// the current version, so no If-Match is required; the body is optional.
func (h *Handler) sosTransition(
	w http.ResponseWriter,
	r *http.Request,
	apply func(ctx context.Context, a models.Actor, id uuid.UUID, note string) (*models.SosSignal, error),
) {
	id, err := pathUUID(r, "sosID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req sosNoteRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	signal, err := apply(r.Context(), actor(r), id, req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeVersioned(w, http.StatusOK, signal.Version, signal)
}
