package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

type SharingMode string

const (
	SharingMission SharingMode = "mission"
	SharingSos     SharingMode = "sos"
)

// LiveLocationSample is ephemeral and unversioned. Staleness is never stored
// on it; see LocationView.
type LiveLocationSample struct {
	SessionID   uuid.UUID   `json:"session_id"`
	UserID      string      `json:"user_id"`
	DisplayName string      `json:"display_name,omitempty"`
	Location    orb.Point   `json:"location"`
	AccuracyM   *float64    `json:"accuracy_m,omitempty"`
	Heading     *float64    `json:"heading,omitempty"`
	Speed       *float64    `json:"speed,omitempty"`
	Mode        SharingMode `json:"mode"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
}

type LocationView struct {
	LiveLocationSample
	Stale bool `json:"stale"`
}
