package models

import (
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

type ReportType string

const (
	ReportIncident ReportType = "incident"
	ReportResource ReportType = "resource"
	ReportMedical  ReportType = "medical"
	ReportTraffic  ReportType = "traffic"
	ReportSos      ReportType = "sos"
	ReportOther    ReportType = "other"
)

type ReportStatus string

const (
	ReportNew         ReportStatus = "new"
	ReportTriaged     ReportStatus = "triaged"
	ReportTaskCreated ReportStatus = "task_created"
	ReportAssigned    ReportStatus = "assigned"
	ReportInProgress  ReportStatus = "in_progress"
	ReportClosed      ReportStatus = "closed"
	ReportCancelled   ReportStatus = "cancelled"
)

// reportTransitions is the forward-only workflow graph for field reports.
var reportTransitions = map[ReportStatus][]ReportStatus{
	ReportNew:         {ReportTriaged, ReportCancelled},
	ReportTriaged:     {ReportTaskCreated, ReportAssigned, ReportClosed, ReportCancelled},
	ReportTaskCreated: {ReportAssigned, ReportCancelled},
	ReportAssigned:    {ReportInProgress, ReportCancelled},
	ReportInProgress:  {ReportClosed, ReportCancelled},
}

func (s ReportStatus) CanTransitionTo(next ReportStatus) bool {
	for _, allowed := range reportTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s ReportStatus) IsTerminal() bool {
	return s == ReportClosed || s == ReportCancelled
}

type FieldReport struct {
	ID           uuid.UUID      `json:"id"`
	SessionID    uuid.UUID      `json:"session_id"`
	ReporterID   string         `json:"reporter_id"`
	ReporterName string         `json:"reporter_name"`
	Type         ReportType     `json:"type"`
	Category     string         `json:"category,omitempty"`
	Severity     int            `json:"severity"`
	Confidence   int            `json:"confidence"`
	Status       ReportStatus   `json:"status"`
	Message      string         `json:"message,omitempty"`
	Location     orb.Point      `json:"location"`
	AccuracyM    *float64       `json:"accuracy_m,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	UpdatedBy    string         `json:"updated_by,omitempty"`
}

type FieldReportPatch struct {
	Category   *string        `json:"category,omitempty"`
	Severity   *int           `json:"severity,omitempty" validate:"omitempty,min=1,max=4"`
	Confidence *int           `json:"confidence,omitempty" validate:"omitempty,min=0,max=100"`
	Message    *string        `json:"message,omitempty" validate:"omitempty,max=4000"`
	Location   *orb.Point     `json:"location,omitempty"`
	AccuracyM  *float64       `json:"accuracy_m,omitempty" validate:"omitempty,min=0"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (r FieldReport) CurrentVersion() int64 { return r.Version }

func (r *FieldReport) Clone() *FieldReport {
	c := *r
	if r.AccuracyM != nil {
		v := *r.AccuracyM
		c.AccuracyM = &v
	}
	if r.Metadata != nil {
		c.Metadata = maps.Clone(r.Metadata)
	}
	return &c
}

func (p FieldReportPatch) Apply(r *FieldReport) {
	if p.Category != nil {
		r.Category = *p.Category
	}
	if p.Severity != nil {
		r.Severity = *p.Severity
	}
	if p.Confidence != nil {
		r.Confidence = *p.Confidence
	}
	if p.Message != nil {
		r.Message = *p.Message
	}
	if p.Location != nil {
		r.Location = *p.Location
	}
	if p.AccuracyM != nil {
		v := *p.AccuracyM
		r.AccuracyM = &v
	}
	if p.Metadata != nil {
		r.Metadata = maps.Clone(p.Metadata)
	}
}

type FieldReportFilter struct {
	Status ReportStatus
	Type   ReportType
	Since  time.Time
	Limit  int
}

func (f FieldReportFilter) Matches(r *FieldReport) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	return f.Since.IsZero() || r.UpdatedAt.After(f.Since)
}
