package feed

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

type MessageType string

const (
	MessageChange    MessageType = "change"
	MessagePresence  MessageType = "presence"
	MessageLocations MessageType = "locations"
	MessageLock      MessageType = "lock"
)

// Message is what travels through the hub and between instances. Only
// change messages are versioned and logged; the rest are ephemeral notices.
type Message struct {
	Type      MessageType         `json:"type" cbor:"type"`
	SessionID uuid.UUID           `json:"session_id" cbor:"session_id"`
	Change    *models.ChangeEvent `json:"change,omitempty" cbor:"change,omitempty"`
	Data      json.RawMessage     `json:"data,omitempty" cbor:"data,omitempty"`
	Origin    string              `json:"-" cbor:"origin"`
}

type PresenceNotice struct {
	Event    string          `json:"event"`
	Presence models.Presence `json:"presence"`
}

type LockNotice struct {
	Event      string       `json:"event"`
	ResourceID string       `json:"resource_id"`
	Lock       *models.Lock `json:"lock,omitempty"`
	Actor      string       `json:"actor"`
}

type LocationsNotice struct {
	Locations []models.LocationView `json:"locations"`
}
