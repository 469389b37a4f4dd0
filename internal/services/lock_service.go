package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prudhvinik1/fieldsync/internal/metrics"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

// LockService grants time-limited exclusive edit tokens. Locks only
// discourage concurrent editing; every write still goes through the version
// check whether or not a lock is held.
type LockService struct {
	repo       repositories.LockRepository
	authorizer Authorizer
	defaultTTL time.Duration
	maxTTL     time.Duration
	logger     *slog.Logger
}

func NewLockService(repo repositories.LockRepository, authorizer Authorizer, defaultTTL, maxTTL time.Duration, logger *slog.Logger) *LockService {
	if maxTTL < defaultTTL {
		maxTTL = defaultTTL
	}
	return &LockService{
		repo:       repo,
		authorizer: authorizer,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		logger:     logger,
	}
}

// ttl falls back to the configured default and never exceeds the maximum.
func (s *LockService) ttl(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return s.defaultTTL
	case requested > s.maxTTL:
		return s.maxTTL
	default:
		return requested
	}
}

// Acquire grants or renews the lock on resourceID for actor. A live lock held
// by someone else yields a LockHeldError naming the holder.
func (s *LockService) Acquire(ctx context.Context, actor models.Actor, resourceID string, ttl time.Duration) (*models.Lock, error) {
	lock, acquired, err := s.repo.Acquire(ctx, resourceID, actor.ID, s.ttl(ttl))
	if err != nil {
		metrics.LockOutcomes.WithLabelValues("acquire", "error").Inc()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		metrics.LockOutcomes.WithLabelValues("acquire", "held").Inc()
		return nil, lockHeld(lock)
	}

	metrics.LockOutcomes.WithLabelValues("acquire", "granted").Inc()
	return lock, nil
}

// ForceAcquire breaks any existing lock. It requires the lock:force
// capability and returns the lock it replaced, if any.
func (s *LockService) ForceAcquire(ctx context.Context, actor models.Actor, resourceID string, ttl time.Duration) (*models.Lock, *models.Lock, error) {
	if !s.authorizer.Can(ctx, actor, models.CapForceUnlock) {
		metrics.LockOutcomes.WithLabelValues("force", "forbidden").Inc()
		return nil, nil, fmt.Errorf("force acquire %s: %w", resourceID, syncerr.ErrForbidden)
	}

	lock, previous, err := s.repo.ForceAcquire(ctx, resourceID, actor.ID, s.ttl(ttl))
	if err != nil {
		metrics.LockOutcomes.WithLabelValues("force", "error").Inc()
		return nil, nil, fmt.Errorf("failed to force lock: %w", err)
	}

	metrics.LockOutcomes.WithLabelValues("force", "granted").Inc()
	if previous != nil && previous.Holder != actor.ID {
		s.logger.Warn("lock forcibly taken",
			slog.String("resource_id", resourceID),
			slog.String("previous_holder", previous.Holder),
			slog.String("new_holder", actor.ID),
		)
	}
	return lock, previous, nil
}

// Release is idempotent: a missing or expired lock releases silently. A live
// lock held by another actor is left alone and reported as LockHeld.
func (s *LockService) Release(ctx context.Context, actor models.Actor, resourceID string) error {
	heldBy, err := s.repo.Release(ctx, resourceID, actor.ID)
	if err != nil {
		metrics.LockOutcomes.WithLabelValues("release", "error").Inc()
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if heldBy != nil {
		metrics.LockOutcomes.WithLabelValues("release", "held").Inc()
		return lockHeld(heldBy)
	}

	metrics.LockOutcomes.WithLabelValues("release", "released").Inc()
	return nil
}

// CheckWritable fails with LockHeld when someone other than actor holds a live
// lock on resourceID.
func (s *LockService) CheckWritable(ctx context.Context, actor models.Actor, resourceID string) (*models.Lock, error) {
	lock, err := s.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if lock != nil && lock.Holder != actor.ID {
		return lock, lockHeld(lock)
	}
	return lock, nil
}

// Get returns the live lock on resourceID, or nil when there is none.
func (s *LockService) Get(ctx context.Context, resourceID string) (*models.Lock, error) {
	lock, err := s.repo.Get(ctx, resourceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}
	return lock, nil
}

func (s *LockService) Locks(ctx context.Context, resourceIDs []string) (map[string]models.Lock, error) {
	if len(resourceIDs) == 0 {
		return map[string]models.Lock{}, nil
	}
	locks, err := s.repo.GetMany(ctx, resourceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to read locks: %w", err)
	}
	return locks, nil
}

// Drop removes the lock regardless of holder. Used when the resource itself
// goes away.
func (s *LockService) Drop(ctx context.Context, resourceID string) error {
	if err := s.repo.Delete(ctx, resourceID); err != nil {
		return fmt.Errorf("failed to drop lock: %w", err)
	}
	return nil
}

func lockHeld(lock *models.Lock) error {
	return &syncerr.LockHeldError{
		ResourceID: lock.ResourceID,
		Holder:     lock.Holder,
		ExpiresAt:  lock.ExpiresAt,
	}
}
