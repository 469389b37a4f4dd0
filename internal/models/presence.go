package models

import (
	"time"

	"github.com/google/uuid"
)

// Presence records an actor connected to a session's live room.
type Presence struct {
	SessionID   uuid.UUID `json:"session_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Status      string    `json:"status"`
	LastSeen    time.Time `json:"last_seen"`
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)
