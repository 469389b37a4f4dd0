package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

type SosStatus string

const (
	SosActive       SosStatus = "active"
	SosAcknowledged SosStatus = "acknowledged"
	SosResolved     SosStatus = "resolved"
	SosCancelled    SosStatus = "cancelled"
)

func (s SosStatus) IsTerminal() bool {
	return s == SosResolved || s == SosCancelled
}

type SosSignal struct {
	ID               uuid.UUID  `json:"id"`
	SessionID        uuid.UUID  `json:"session_id"`
	ReportID         *uuid.UUID `json:"report_id,omitempty"`
	UserID           string     `json:"user_id"`
	UserName         string     `json:"user_name"`
	Status           SosStatus  `json:"status"`
	TriggerLocation  orb.Point  `json:"trigger_location"`
	TriggerAccuracyM *float64   `json:"trigger_accuracy_m,omitempty"`
	Message          string     `json:"message,omitempty"`
	AckedBy          *string    `json:"acked_by,omitempty"`
	AckedAt          *time.Time `json:"acked_at,omitempty"`
	AckNote          string     `json:"ack_note,omitempty"`
	ResolvedBy       *string    `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote   string     `json:"resolution_note,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (s SosSignal) CurrentVersion() int64 { return s.Version }

func (s *SosSignal) Clone() *SosSignal {
	c := *s
	c.ReportID = clonePtr(s.ReportID)
	c.TriggerAccuracyM = clonePtr(s.TriggerAccuracyM)
	c.AckedBy = clonePtr(s.AckedBy)
	c.AckedAt = clonePtr(s.AckedAt)
	c.ResolvedBy = clonePtr(s.ResolvedBy)
	c.ResolvedAt = clonePtr(s.ResolvedAt)
	c.CancelledAt = clonePtr(s.CancelledAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
