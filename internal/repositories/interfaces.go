package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when optimistic locking fails
	ErrVersionConflict = errors.New("version conflict: record was modified by another actor")
)

// Every versioned repository implements compare-and-swap the same way:
// Create stores the record at version 1, and CompareAndSwap persists next only
// if the stored version still equals expectedVersion, bumping it by exactly 1
// and writing the new Version/UpdatedAt back into next.

type OverlayRepository interface {
	Create(ctx context.Context, overlay *models.Overlay) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Overlay, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID, filter models.OverlayFilter) ([]*models.Overlay, error)
	CompareAndSwap(ctx context.Context, next *models.Overlay, expectedVersion int64) error
	// Purge hard-evicts a record; later lookups return ErrNotFound.
	Purge(ctx context.Context, id uuid.UUID) error
}

type FieldReportRepository interface {
	Create(ctx context.Context, report *models.FieldReport) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.FieldReport, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID, filter models.FieldReportFilter) ([]*models.FieldReport, error)
	CompareAndSwap(ctx context.Context, next *models.FieldReport, expectedVersion int64) error
}

type SosRepository interface {
	Create(ctx context.Context, signal *models.SosSignal) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SosSignal, error)
	ListActive(ctx context.Context, sessionID uuid.UUID) ([]*models.SosSignal, error)
	// ActiveByUser returns the user's one open signal in the session, or
	// ErrNotFound. Create returns ErrAlreadyExists while one is open.
	ActiveByUser(ctx context.Context, sessionID uuid.UUID, userID string) (*models.SosSignal, error)
	CompareAndSwap(ctx context.Context, next *models.SosSignal, expectedVersion int64) error
}

type ChangeLogRepository interface {
	// Append assigns the next sequence number to event. Inside a TxRunner
	// unit the event commits or rolls back with the unit.
	Append(ctx context.Context, event *models.ChangeEvent) error
	// GetSinceSequence returns up to limit events with a sequence greater than
	// sequence, ordered by sequence.
	GetSinceSequence(ctx context.Context, sessionID uuid.UUID, sequence int64, limit int) ([]*models.ChangeEvent, error)
}

type LockRepository interface {
	// Acquire grants or renews the lock for holder. When a different holder
	// owns a live lock, acquired is false and the returned lock is theirs.
	Acquire(ctx context.Context, resourceID, holder string, ttl time.Duration) (lock *models.Lock, acquired bool, err error)
	// ForceAcquire grants the lock unconditionally and returns the lock it
	// replaced, if any.
	ForceAcquire(ctx context.Context, resourceID, holder string, ttl time.Duration) (lock *models.Lock, previous *models.Lock, err error)
	// Release deletes the lock if holder owns it. A missing or expired lock is
	// not an error. If another holder owns a live lock, it is returned untouched.
	Release(ctx context.Context, resourceID, holder string) (heldBy *models.Lock, err error)
	Get(ctx context.Context, resourceID string) (*models.Lock, error)
	GetMany(ctx context.Context, resourceIDs []string) (map[string]models.Lock, error)
	Delete(ctx context.Context, resourceID string) error
}

type PresenceRepository interface {
	SetPresence(ctx context.Context, presence *models.Presence) error
	DeletePresence(ctx context.Context, sessionID uuid.UUID, userID string) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Presence, error)
}

type LocationRepository interface {
	Upsert(ctx context.Context, sample *models.LiveLocationSample) error
	Get(ctx context.Context, sessionID uuid.UUID, userID string) (*models.LiveLocationSample, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.LiveLocationSample, error)
	Delete(ctx context.Context, sessionID uuid.UUID, userID string) error
}

type AuditRepository interface {
	Insert(ctx context.Context, entry *models.AuditEntry) error
}
