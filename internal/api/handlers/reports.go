package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/services"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter, err := reportFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	reports, err := h.Reports.List(r.Context(), sessionID, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func reportFilter(r *http.Request) (models.FieldReportFilter, error) {
	q := r.URL.Query()
	filter := models.FieldReportFilter{
		Status: models.ReportStatus(q.Get("status")),
		Type:   models.ReportType(q.Get("type")),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, syncerr.Invalid("since", "must be an RFC 3339 timestamp")
		}
		filter.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return filter, syncerr.Invalid("limit", "must be a positive integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (h *Handler) CreateReport(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var input services.CreateReportInput
	if err := decodeJSON(w, r, &input); err != nil {
		h.fail(w, r, err)
		return
	}

	report, err := h.Reports.Create(r.Context(), actor(r), sessionID, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeVersioned(w, http.StatusCreated, report.Version, report)
}

func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "reportID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	report, err := h.Reports.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeVersioned(w, http.StatusOK, report.Version, report)
}

func (h *Handler) UpdateReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "reportID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	expected, err := expectedVersion(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var patch models.FieldReportPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		h.fail(w, r, err)
		return
	}

	report, err := h.Reports.Update(r.Context(), actor(r), id, patch, expected)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeVersioned(w, http.StatusOK, report.Version, report)
}

type reportStatusRequest struct {
	Status models.ReportStatus `json:"status"`
}

// TransitionReport handles POST /reports/{reportID}/status.
func (h *Handler) TransitionReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "reportID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	expected, err := expectedVersion(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req reportStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Status == "" {
		h.fail(w, r, syncerr.Invalid("status", "is required"))
		return
	}

	report, err := h.Reports.Transition(r.Context(), actor(r), id, req.Status, expected)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeVersioned(w, http.StatusOK, report.Version, report)
}
