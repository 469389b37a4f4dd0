package models

import "time"

// Lock is a time-limited exclusive edit token for a resource.
type Lock struct {
	ResourceID string    `json:"resource_id"`
	Holder     string    `json:"holder"`
	Token      string    `json:"token,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (l Lock) ExpiredAt(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
