package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prudhvinik1/fieldsync/internal/metrics"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

type versioned[T any] interface {
	*T
	CurrentVersion() int64
	Clone() *T
}

// casStore is the slice of a versioned repository that mutate needs.
type casStore[T any] interface {
	GetByID(ctx context.Context, id uuid.UUID) (*T, error)
	CompareAndSwap(ctx context.Context, next *T, expectedVersion int64) error
}

// mutate runs one compare-and-swap cycle on record id. change receives the
// current record and a private copy to modify; returning an error aborts
// without writing. A stale expectedVersion yields a ConflictError carrying
// the current record, whether it is caught before or during the write.
func mutate[T any, P versioned[T]](
	ctx context.Context,
	store casStore[T],
	kind models.ResourceType,
	id uuid.UUID,
	expectedVersion int64,
	change func(current, next P) error,
) (before P, after P, err error) {
	if expectedVersion < 1 {
		return nil, nil, fmt.Errorf("%s %s: %w", kind, id, syncerr.ErrPrecondition)
	}

	current, err := load[T, P](ctx, store, kind, id)
	if err != nil {
		return nil, nil, err
	}
	if current.CurrentVersion() != expectedVersion {
		return nil, nil, conflict(kind, expectedVersion, current)
	}

	next := P(current.Clone())
	if err := change(current, next); err != nil {
		return nil, nil, err
	}

	err = store.CompareAndSwap(ctx, (*T)(next), expectedVersion)
	switch {
	case errors.Is(err, repositories.ErrVersionConflict):
		// Lost the race between read and write; report what won.
		latest, loadErr := load[T, P](ctx, store, kind, id)
		if loadErr != nil {
			return nil, nil, loadErr
		}
		return nil, nil, conflict(kind, expectedVersion, latest)
	case errors.Is(err, repositories.ErrNotFound):
		return nil, nil, notFound(kind, id)
	case err != nil:
		return nil, nil, fmt.Errorf("failed to commit %s %s: %w", kind, id, err)
	}

	metrics.CASCommits.WithLabelValues(string(kind)).Inc()
	return current, next, nil
}

func load[T any, P versioned[T]](ctx context.Context, store casStore[T], kind models.ResourceType, id uuid.UUID) (P, error) {
	record, err := store.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, notFound(kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}
	return P(record), nil
}

func conflict[P interface{ CurrentVersion() int64 }](kind models.ResourceType, expected int64, current P) error {
	metrics.CASConflicts.WithLabelValues(string(kind)).Inc()
	return &syncerr.ConflictError{
		ExpectedVersion: expected,
		CurrentVersion:  current.CurrentVersion(),
		Current:         current,
	}
}

func notFound(kind models.ResourceType, id uuid.UUID) error {
	return fmt.Errorf("%s %s: %w", kind, id, syncerr.ErrNotFound)
}
