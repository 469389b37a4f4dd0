package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ResourceType string

const (
	ResourceOverlay     ResourceType = "overlay"
	ResourceFieldReport ResourceType = "field_report"
	ResourceSosSignal   ResourceType = "sos_signal"
)

type ChangeAction string

const (
	ActionCreated      ChangeAction = "created"
	ActionUpdated      ChangeAction = "updated"
	ActionPublished    ChangeAction = "published"
	ActionRemoved      ChangeAction = "removed"
	ActionTriggered    ChangeAction = "triggered"
	ActionAcknowledged ChangeAction = "acknowledged"
	ActionResolved     ChangeAction = "resolved"
	ActionCancelled    ChangeAction = "cancelled"
)

// ChangeEvent is one committed mutation in a session's change log. Payload is
// the full committed record, so a later version always supersedes an earlier one.
type ChangeEvent struct {
	Sequence     int64           `json:"sequence" cbor:"sequence"`
	SessionID    uuid.UUID       `json:"session_id" cbor:"session_id"`
	ResourceID   uuid.UUID       `json:"resource_id" cbor:"resource_id"`
	ResourceType ResourceType    `json:"resource_type" cbor:"resource_type"`
	Action       ChangeAction    `json:"action" cbor:"action"`
	Version      int64           `json:"version" cbor:"version"`
	Actor        string          `json:"actor" cbor:"actor"`
	Payload      json.RawMessage `json:"payload" cbor:"payload"`
	CommittedAt  time.Time       `json:"committed_at" cbor:"committed_at"`
}
