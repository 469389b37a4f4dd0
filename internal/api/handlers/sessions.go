package handlers

import (
	"net/http"

	"github.com/prudhvinik1/fieldsync/internal/services"
)

func (h *Handler) ListLocations(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	locations, err := h.Locations.List(r.Context(), sessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": locations})
}

// UpdateMyLocation handles PUT /sessions/{sessionID}/locations/me.
func (h *Handler) UpdateMyLocation(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var input services.UpdateLocationInput
	if err := decodeJSON(w, r, &input); err != nil {
		h.fail(w, r, err)
		return
	}

	sample, err := h.Locations.Update(r.Context(), actor(r), sessionID, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (h *Handler) StopSharingLocation(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Locations.StopSharing(r.Context(), actor(r), sessionID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListPresence(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	presence, err := h.Presence.List(r.Context(), sessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presence": presence})
}

// ListChanges handles GET /sessions/{sessionID}/changes?cursor=. It returns
// one page; clients keep calling with next_cursor while has_more is set.
func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	batch, err := h.Feed.ChangesSince(r.Context(), sessionID, r.URL.Query().Get("cursor"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":      batch.Events,
		"next_cursor": batch.NextCursor,
		"has_more":    batch.HasMore,
	})
}
