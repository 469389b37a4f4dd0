package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb/geojson"
	"github.com/prudhvinik1/fieldsync/internal/feed"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

type CreateOverlayInput struct {
	Type       models.OverlayType       `json:"type" validate:"required,oneof=area_of_interest hazard point_of_interest line polygon"`
	Code       string                   `json:"code,omitempty" validate:"max=64"`
	Name       string                   `json:"name,omitempty" validate:"max=200"`
	Geometry   *geojson.Geometry        `json:"geometry" validate:"required"`
	Properties models.OverlayProperties `json:"properties"`
}

// OverlayService owns the overlay lifecycle: draft on create, published once
// approved, removed on soft delete. Every transition is a single
// compare-and-swap on the overlay version.
type OverlayService struct {
	repo       repositories.OverlayRepository
	locks      *LockService
	authorizer Authorizer
	events     recorder
	clock      clockwork.Clock
	logger     *slog.Logger
}

func NewOverlayService(
	repo repositories.OverlayRepository,
	tx repositories.TxRunner,
	locks *LockService,
	authorizer Authorizer,
	emitter ChangeEmitter,
	audit *AuditSink,
	clock clockwork.Clock,
	logger *slog.Logger,
) *OverlayService {
	return &OverlayService{
		repo:       repo,
		locks:      locks,
		authorizer: authorizer,
		events:     recorder{tx: tx, feed: emitter, audit: audit, logger: logger},
		clock:      clock,
		logger:     logger,
	}
}

func (s *OverlayService) Create(ctx context.Context, actor models.Actor, sessionID uuid.UUID, input CreateOverlayInput) (*models.Overlay, error) {
	if err := validateStruct(input); err != nil {
		return nil, err
	}
	if err := validateGeometry(input.Type, input.Geometry); err != nil {
		return nil, err
	}

	overlay := &models.Overlay{
		ID:         uuid.New(),
		SessionID:  sessionID,
		Type:       input.Type,
		Code:       input.Code,
		Name:       input.Name,
		Geometry:   input.Geometry,
		Properties: input.Properties.Clone(),
		State:      models.OverlayDraft,
		CreatedBy:  actor.ID,
		UpdatedBy:  actor.ID,
	}
	err := s.events.apply(ctx, func(ctx context.Context) (commit, error) {
		if err := s.repo.Create(ctx, overlay); err != nil {
			return commit{}, fmt.Errorf("failed to create overlay: %w", err)
		}
		return commit{
			sessionID:  sessionID,
			resourceID: overlay.ID,
			kind:       models.ResourceOverlay,
			action:     models.ActionCreated,
			version:    overlay.Version,
			actor:      actor,
			after:      overlay,
			audited:    true,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("overlay created",
		slog.String("overlay_id", overlay.ID.String()),
		slog.String("session_id", sessionID.String()),
		slog.String("actor", actor.ID),
	)
	return overlay, nil
}

// Get returns the overlay with its live lock, if any.
func (s *OverlayService) Get(ctx context.Context, id uuid.UUID) (*models.Overlay, error) {
	overlay, err := load[models.Overlay, *models.Overlay](ctx, s.repo, models.ResourceOverlay, id)
	if err != nil {
		return nil, err
	}
	lock, err := s.locks.Get(ctx, id.String())
	if err != nil {
		return nil, err
	}
	overlay.Lock = lock
	return overlay, nil
}

// List returns the session's overlays, most recently updated first, each with
// its live lock. Removed overlays are only included when the filter asks.
func (s *OverlayService) List(ctx context.Context, sessionID uuid.UUID, filter models.OverlayFilter) ([]*models.Overlay, error) {
	overlays, err := s.repo.ListBySession(ctx, sessionID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list overlays: %w", err)
	}

	ids := make([]string, len(overlays))
	for i, o := range overlays {
		ids[i] = o.ID.String()
	}
	locks, err := s.locks.Locks(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, o := range overlays {
		if lock, ok := locks[o.ID.String()]; ok {
			o.Lock = &lock
		}
	}
	return overlays, nil
}

// Update applies patch when expectedVersion is current. Removed overlays are
// immutable, and a published overlay only accepts edits that revert it to
// draft. A live lock held by another actor rejects the edit.
func (s *OverlayService) Update(ctx context.Context, actor models.Actor, id uuid.UUID, patch models.OverlayPatch, expectedVersion int64) (*models.Overlay, error) {
	if patch.IsEmpty() {
		return nil, syncerr.Invalid("", "patch is empty")
	}
	if err := validateStruct(patch); err != nil {
		return nil, err
	}

	after, err := s.mutate(ctx, actor, id, expectedVersion, models.ActionUpdated,
		func(current, next *models.Overlay) error {
			switch current.State {
			case models.OverlayRemoved:
				return &syncerr.InvalidTransitionError{From: string(current.State), Action: "update"}
			case models.OverlayPublished:
				if !patch.RevertToDraft {
					return &syncerr.InvalidTransitionError{From: string(current.State), Action: "update"}
				}
			}
			if patch.Geometry != nil {
				if err := validateGeometry(current.Type, patch.Geometry); err != nil {
					return err
				}
			}
			if _, err := s.locks.CheckWritable(ctx, actor, id.String()); err != nil {
				return err
			}

			patch.Apply(next)
			next.UpdatedBy = actor.ID
			return nil
		})
	if err != nil {
		return nil, err
	}

	return s.withLock(ctx, after), nil
}

// Publish moves a draft overlay to published. Any other starting state is an
// invalid transition and leaves the version untouched.
func (s *OverlayService) Publish(ctx context.Context, actor models.Actor, id uuid.UUID, expectedVersion int64) (*models.Overlay, error) {
	if !s.authorizer.Can(ctx, actor, models.CapPublish) {
		return nil, fmt.Errorf("publish overlay %s: %w", id, syncerr.ErrForbidden)
	}

	after, err := s.mutate(ctx, actor, id, expectedVersion, models.ActionPublished,
		func(current, next *models.Overlay) error {
			if current.State != models.OverlayDraft {
				return &syncerr.InvalidTransitionError{From: string(current.State), Action: "publish"}
			}
			next.State = models.OverlayPublished
			next.UpdatedBy = actor.ID
			return nil
		})
	if err != nil {
		return nil, err
	}

	s.logger.Info("overlay published",
		slog.String("overlay_id", id.String()),
		slog.Int64("version", after.Version),
		slog.String("actor", actor.ID),
	)
	return s.withLock(ctx, after), nil
}

// Delete soft-deletes the overlay from any live state and drops its lock.
// Removed overlays stay readable for history and never come back.
func (s *OverlayService) Delete(ctx context.Context, actor models.Actor, id uuid.UUID, expectedVersion int64) (*models.Overlay, error) {
	if !s.authorizer.Can(ctx, actor, models.CapDelete) {
		return nil, fmt.Errorf("delete overlay %s: %w", id, syncerr.ErrForbidden)
	}

	after, err := s.mutate(ctx, actor, id, expectedVersion, models.ActionRemoved,
		func(current, next *models.Overlay) error {
			if current.State == models.OverlayRemoved {
				return &syncerr.InvalidTransitionError{From: string(current.State), Action: "delete"}
			}
			now := s.clock.Now().UTC()
			removedBy := actor.ID
			next.State = models.OverlayRemoved
			next.RemovedAt = &now
			next.RemovedBy = &removedBy
			next.UpdatedBy = actor.ID
			return nil
		})
	if err != nil {
		return nil, err
	}

	if err := s.locks.Drop(ctx, id.String()); err != nil {
		s.logger.Warn("failed to drop lock on removed overlay", slog.String("overlay_id", id.String()), slog.Any("error", err))
	} else {
		s.events.notify(ctx, after.SessionID, feed.MessageLock, feed.LockNotice{Event: "released", ResourceID: id.String(), Actor: actor.ID})
	}

	return after, nil
}

// AcquireLock grants or renews actor's edit lock on a live overlay.
func (s *OverlayService) AcquireLock(ctx context.Context, actor models.Actor, id uuid.UUID, ttl time.Duration) (*models.Lock, error) {
	overlay, err := s.lockable(ctx, id)
	if err != nil {
		return nil, err
	}
	lock, err := s.locks.Acquire(ctx, actor, id.String(), ttl)
	if err != nil {
		return nil, err
	}
	s.events.notify(ctx, overlay.SessionID, feed.MessageLock, feed.LockNotice{Event: "acquired", ResourceID: id.String(), Lock: lock, Actor: actor.ID})
	return lock, nil
}

// ForceLock breaks whatever lock exists and hands it to actor. It is audited.
func (s *OverlayService) ForceLock(ctx context.Context, actor models.Actor, id uuid.UUID, ttl time.Duration) (*models.Lock, error) {
	overlay, err := s.lockable(ctx, id)
	if err != nil {
		return nil, err
	}
	lock, previous, err := s.locks.ForceAcquire(ctx, actor, id.String(), ttl)
	if err != nil {
		return nil, err
	}

	sessionID := overlay.SessionID
	entry := models.AuditEntry{
		SessionID:  &sessionID,
		ActorID:    actor.ID,
		ActorName:  actor.Name,
		Action:     "overlay.force_unlock",
		EntityType: string(models.ResourceOverlay),
		EntityID:   id.String(),
	}
	if previous != nil {
		entry.Before, _ = json.Marshal(previous)
	}
	entry.After, _ = json.Marshal(lock)
	s.events.audit.Record(entry)

	s.events.notify(ctx, overlay.SessionID, feed.MessageLock, feed.LockNotice{Event: "forced", ResourceID: id.String(), Lock: lock, Actor: actor.ID})
	return lock, nil
}

// ReleaseLock is idempotent for the holder and for locks that already expired.
func (s *OverlayService) ReleaseLock(ctx context.Context, actor models.Actor, id uuid.UUID) error {
	overlay, err := load[models.Overlay, *models.Overlay](ctx, s.repo, models.ResourceOverlay, id)
	if err != nil {
		return err
	}
	if err := s.locks.Release(ctx, actor, id.String()); err != nil {
		return err
	}
	s.events.notify(ctx, overlay.SessionID, feed.MessageLock, feed.LockNotice{Event: "released", ResourceID: id.String(), Actor: actor.ID})
	return nil
}

// mutate commits change and its change event in one unit.
func (s *OverlayService) mutate(
	ctx context.Context,
	actor models.Actor,
	id uuid.UUID,
	expectedVersion int64,
	action models.ChangeAction,
	change func(current, next *models.Overlay) error,
) (*models.Overlay, error) {
	var after *models.Overlay
	err := s.events.apply(ctx, func(ctx context.Context) (commit, error) {
		before, next, err := mutate[models.Overlay, *models.Overlay](ctx, s.repo, models.ResourceOverlay, id, expectedVersion, change)
		if err != nil {
			return commit{}, err
		}
		after = next
		return commit{
			sessionID:  next.SessionID,
			resourceID: next.ID,
			kind:       models.ResourceOverlay,
			action:     action,
			version:    next.Version,
			actor:      actor,
			before:     before,
			after:      next,
			audited:    true,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return after, nil
}

func (s *OverlayService) lockable(ctx context.Context, id uuid.UUID) (*models.Overlay, error) {
	overlay, err := load[models.Overlay, *models.Overlay](ctx, s.repo, models.ResourceOverlay, id)
	if err != nil {
		return nil, err
	}
	if overlay.State == models.OverlayRemoved {
		return nil, &syncerr.InvalidTransitionError{From: string(overlay.State), Action: "lock"}
	}
	return overlay, nil
}

func (s *OverlayService) withLock(ctx context.Context, overlay *models.Overlay) *models.Overlay {
	lock, err := s.locks.Get(ctx, overlay.ID.String())
	if err != nil {
		s.logger.Warn("failed to read lock", slog.String("overlay_id", overlay.ID.String()), slog.Any("error", err))
		return overlay
	}
	overlay.Lock = lock
	return overlay
}
