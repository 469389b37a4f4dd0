package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

// sosMaxAttempts bounds how often a transition re-reads after losing a race.
const sosMaxAttempts = 3

type TriggerSosInput struct {
	Location  orb.Point `json:"location"`
	AccuracyM *float64  `json:"accuracy_m,omitempty" validate:"omitempty,min=0"`
	Message   string    `json:"message,omitempty" validate:"max=1000"`
}

// SosService runs the emergency signal lifecycle:
//
//	active -> acknowledged | resolved | cancelled
//	acknowledged -> resolved
//
// Resolved and cancelled are terminal. Repeating the call that produced the
// current state, by the same actor, returns the signal unchanged.
type SosService struct {
	repo       repositories.SosRepository
	reports    *ReportService
	authorizer Authorizer
	events     recorder
	clock      clockwork.Clock
	logger     *slog.Logger
}

func NewSosService(
	repo repositories.SosRepository,
	tx repositories.TxRunner,
	reports *ReportService,
	authorizer Authorizer,
	emitter ChangeEmitter,
	audit *AuditSink,
	clock clockwork.Clock,
	logger *slog.Logger,
) *SosService {
	return &SosService{
		repo:       repo,
		reports:    reports,
		authorizer: authorizer,
		events:     recorder{tx: tx, feed: emitter, audit: audit, logger: logger},
		clock:      clock,
		logger:     logger,
	}
}

// Trigger raises a new active SOS together with a correlated sos field
// report. While the caller already has an open signal in the session, that
// signal is returned and nothing new is recorded.
func (s *SosService) Trigger(ctx context.Context, actor models.Actor, sessionID uuid.UUID, input TriggerSosInput) (*models.SosSignal, error) {
	if err := validateStruct(input); err != nil {
		return nil, err
	}
	if err := validatePoint("location", input.Location); err != nil {
		return nil, err
	}
	if open, err := s.openSignal(ctx, sessionID, actor.ID); err != nil || open != nil {
		return open, err
	}

	confidence := 100
	report := s.reports.newReport(actor, sessionID, CreateReportInput{
		Type:       models.ReportSos,
		Category:   "sos",
		Severity:   4,
		Confidence: &confidence,
		Message:    input.Message,
		Location:   input.Location,
		AccuracyM:  input.AccuracyM,
	})
	reportID := report.ID
	signal := &models.SosSignal{
		ID:               uuid.New(),
		SessionID:        sessionID,
		ReportID:         &reportID,
		UserID:           actor.ID,
		UserName:         actor.Name,
		Status:           models.SosActive,
		TriggerLocation:  input.Location,
		TriggerAccuracyM: input.AccuracyM,
		Message:          input.Message,
	}

	err := s.events.applyAll(ctx, func(ctx context.Context) ([]commit, error) {
		reportCommit, err := s.reports.create(report, actor)(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.repo.Create(ctx, signal); err != nil {
			return nil, fmt.Errorf("failed to create sos signal: %w", err)
		}
		return []commit{reportCommit, {
			sessionID:  sessionID,
			resourceID: signal.ID,
			kind:       models.ResourceSosSignal,
			action:     models.ActionTriggered,
			version:    signal.Version,
			actor:      actor,
			after:      signal,
			audited:    true,
		}}, nil
	})
	if errors.Is(err, repositories.ErrAlreadyExists) {
		// A concurrent trigger by the same user got there first.
		if open, openErr := s.openSignal(ctx, sessionID, actor.ID); openErr != nil || open != nil {
			return open, openErr
		}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Warn("sos triggered",
		slog.String("sos_id", signal.ID.String()),
		slog.String("session_id", sessionID.String()),
		slog.String("user_id", actor.ID),
	)
	return signal, nil
}

// openSignal returns userID's non-terminal signal in the session, or nil.
func (s *SosService) openSignal(ctx context.Context, sessionID uuid.UUID, userID string) (*models.SosSignal, error) {
	signal, err := s.repo.ActiveByUser(ctx, sessionID, userID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up open sos signal: %w", err)
	}
	return signal, nil
}

func (s *SosService) Get(ctx context.Context, id uuid.UUID) (*models.SosSignal, error) {
	return load[models.SosSignal, *models.SosSignal](ctx, s.repo, models.ResourceSosSignal, id)
}

// ListActive returns the session's signals that still need attention.
func (s *SosService) ListActive(ctx context.Context, sessionID uuid.UUID) ([]*models.SosSignal, error) {
	signals, err := s.repo.ListActive(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sos signals: %w", err)
	}
	return signals, nil
}

func (s *SosService) Acknowledge(ctx context.Context, actor models.Actor, id uuid.UUID, note string) (*models.SosSignal, error) {
	if !s.authorizer.Can(ctx, actor, models.CapSosManage) {
		return nil, fmt.Errorf("acknowledge sos %s: %w", id, syncerr.ErrForbidden)
	}
	return s.transition(ctx, actor, id, models.ActionAcknowledged,
		func(current *models.SosSignal) bool {
			return current.Status == models.SosAcknowledged && equalPtr(current.AckedBy, actor.ID)
		},
		func(current, next *models.SosSignal) error {
			if current.Status != models.SosActive {
				return &syncerr.InvalidTransitionError{From: string(current.Status), Action: "acknowledge"}
			}
			now := s.clock.Now().UTC()
			next.Status = models.SosAcknowledged
			next.AckedBy = &actor.ID
			next.AckedAt = &now
			next.AckNote = note
			return nil
		})
}

func (s *SosService) Resolve(ctx context.Context, actor models.Actor, id uuid.UUID, note string) (*models.SosSignal, error) {
	if !s.authorizer.Can(ctx, actor, models.CapSosManage) {
		return nil, fmt.Errorf("resolve sos %s: %w", id, syncerr.ErrForbidden)
	}
	return s.transition(ctx, actor, id, models.ActionResolved,
		func(current *models.SosSignal) bool {
			return current.Status == models.SosResolved && equalPtr(current.ResolvedBy, actor.ID)
		},
		func(current, next *models.SosSignal) error {
			if current.Status != models.SosActive && current.Status != models.SosAcknowledged {
				return &syncerr.InvalidTransitionError{From: string(current.Status), Action: "resolve"}
			}
			now := s.clock.Now().UTC()
			next.Status = models.SosResolved
			next.ResolvedBy = &actor.ID
			next.ResolvedAt = &now
			next.ResolutionNote = note
			return nil
		})
}

// Cancel withdraws an SOS that nobody has acknowledged yet. Only the person
// who raised it may cancel.
func (s *SosService) Cancel(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.SosSignal, error) {
	return s.transition(ctx, actor, id, models.ActionCancelled,
		func(current *models.SosSignal) bool {
			return current.Status == models.SosCancelled && current.UserID == actor.ID
		},
		func(current, next *models.SosSignal) error {
			if current.UserID != actor.ID {
				return fmt.Errorf("cancel sos %s: %w", id, syncerr.ErrForbidden)
			}
			if current.Status != models.SosActive {
				return &syncerr.InvalidTransitionError{From: string(current.Status), Action: "cancel"}
			}
			now := s.clock.Now().UTC()
			next.Status = models.SosCancelled
			next.CancelledAt = &now
			return nil
		})
}

// transition commits change against whatever version is current, retrying
// when a concurrent writer wins the race. repeat recognizes a call that
// already took effect.
func (s *SosService) transition(
	ctx context.Context,
	actor models.Actor,
	id uuid.UUID,
	action models.ChangeAction,
	repeat func(current *models.SosSignal) bool,
	change func(current, next *models.SosSignal) error,
) (*models.SosSignal, error) {
	for attempt := 1; ; attempt++ {
		current, err := load[models.SosSignal, *models.SosSignal](ctx, s.repo, models.ResourceSosSignal, id)
		if err != nil {
			return nil, err
		}
		if repeat(current) {
			return current, nil
		}

		var before, after *models.SosSignal
		err = s.events.apply(ctx, func(ctx context.Context) (commit, error) {
			var err error
			before, after, err = mutate[models.SosSignal, *models.SosSignal](ctx, s.repo, models.ResourceSosSignal, id, current.Version, change)
			if err != nil {
				return commit{}, err
			}
			return commit{
				sessionID:  after.SessionID,
				resourceID: after.ID,
				kind:       models.ResourceSosSignal,
				action:     action,
				version:    after.Version,
				actor:      actor,
				before:     before,
				after:      after,
				audited:    true,
			}, nil
		})
		if errors.Is(err, syncerr.ErrConflict) && attempt < sosMaxAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("sos transitioned",
			slog.String("sos_id", id.String()),
			slog.String("from", string(before.Status)),
			slog.String("to", string(after.Status)),
			slog.String("actor", actor.ID),
		)
		return after, nil
	}
}

func equalPtr(p *string, v string) bool {
	return p != nil && *p == v
}
