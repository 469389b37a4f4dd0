package syncerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	conflict := &ConflictError{ExpectedVersion: 1, CurrentVersion: 2}
	held := &LockHeldError{ResourceID: "r1", Holder: "x", ExpiresAt: time.Now()}
	network := &NetworkError{Op: "update overlay", Err: errors.New("connection refused")}
	invalid := Invalid("geometry", "ring is not closed")
	transition := &InvalidTransitionError{From: "published", Action: "publish"}

	tests := []struct {
		name      string
		err       error
		sentinel  error
		retryable bool
		hard      bool
	}{
		{"conflict", conflict, ErrConflict, true, false},
		{"lock held", held, ErrLockHeld, true, true},
		{"network", network, ErrNetwork, true, false},
		{"validation", invalid, ErrValidation, false, true},
		{"transition", transition, ErrInvalidTransition, false, true},
		{"wrapped not found", fmt.Errorf("get overlay: %w", ErrNotFound), ErrNotFound, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.hard, IsHardRejection(tt.err))
		})
	}
}

func TestConflictErrorAs(t *testing.T) {
	err := fmt.Errorf("update: %w", &ConflictError{ExpectedVersion: 1, CurrentVersion: 2, Current: "state"})

	var conflict *ConflictError
	assert.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(2), conflict.CurrentVersion)
	assert.Equal(t, "state", conflict.Current)
}
