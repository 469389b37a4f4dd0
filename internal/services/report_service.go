package services

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

const (
	defaultReportSeverity   = 2
	defaultReportConfidence = 50
)

type CreateReportInput struct {
	Type       models.ReportType `json:"type" validate:"required,oneof=incident resource medical traffic sos other"`
	Category   string            `json:"category,omitempty" validate:"max=100"`
	Severity   int               `json:"severity,omitempty" validate:"omitempty,min=1,max=4"`
	Confidence *int              `json:"confidence,omitempty" validate:"omitempty,min=0,max=100"`
	Message    string            `json:"message,omitempty" validate:"max=4000"`
	Location   orb.Point         `json:"location"`
	AccuracyM  *float64          `json:"accuracy_m,omitempty" validate:"omitempty,min=0"`
	OccurredAt *time.Time        `json:"occurred_at,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// ReportService manages field reports and their forward-only triage workflow.
type ReportService struct {
	repo       repositories.FieldReportRepository
	authorizer Authorizer
	events     recorder
	clock      clockwork.Clock
	logger     *slog.Logger
}

func NewReportService(
	repo repositories.FieldReportRepository,
	tx repositories.TxRunner,
	authorizer Authorizer,
	emitter ChangeEmitter,
	audit *AuditSink,
	clock clockwork.Clock,
	logger *slog.Logger,
) *ReportService {
	return &ReportService{
		repo:       repo,
		authorizer: authorizer,
		events:     recorder{tx: tx, feed: emitter, audit: audit, logger: logger},
		clock:      clock,
		logger:     logger,
	}
}

func (s *ReportService) Create(ctx context.Context, actor models.Actor, sessionID uuid.UUID, input CreateReportInput) (*models.FieldReport, error) {
	if err := validateStruct(input); err != nil {
		return nil, err
	}
	if err := validatePoint("location", input.Location); err != nil {
		return nil, err
	}

	report := s.newReport(actor, sessionID, input)
	if err := s.events.apply(ctx, s.create(report, actor)); err != nil {
		return nil, err
	}
	return report, nil
}

// newReport builds a report from input without storing it.
func (s *ReportService) newReport(actor models.Actor, sessionID uuid.UUID, input CreateReportInput) *models.FieldReport {
	report := &models.FieldReport{
		ID:           uuid.New(),
		SessionID:    sessionID,
		ReporterID:   actor.ID,
		ReporterName: actor.Name,
		Type:         input.Type,
		Category:     input.Category,
		Severity:     input.Severity,
		Confidence:   defaultReportConfidence,
		Status:       models.ReportNew,
		Message:      input.Message,
		Location:     input.Location,
		AccuracyM:    input.AccuracyM,
		OccurredAt:   s.clock.Now().UTC(),
		Metadata:     maps.Clone(input.Metadata),
		UpdatedBy:    actor.ID,
	}
	if report.Severity == 0 {
		report.Severity = defaultReportSeverity
	}
	if input.Confidence != nil {
		report.Confidence = *input.Confidence
	}
	if input.OccurredAt != nil {
		report.OccurredAt = input.OccurredAt.UTC()
	}
	return report
}

// create stores report as part of the caller's unit.
func (s *ReportService) create(report *models.FieldReport, actor models.Actor) func(ctx context.Context) (commit, error) {
	return func(ctx context.Context) (commit, error) {
		if err := s.repo.Create(ctx, report); err != nil {
			return commit{}, fmt.Errorf("failed to create field report: %w", err)
		}
		return commit{
			sessionID:  report.SessionID,
			resourceID: report.ID,
			kind:       models.ResourceFieldReport,
			action:     models.ActionCreated,
			version:    report.Version,
			actor:      actor,
			after:      report,
		}, nil
	}
}

func (s *ReportService) Get(ctx context.Context, id uuid.UUID) (*models.FieldReport, error) {
	return load[models.FieldReport, *models.FieldReport](ctx, s.repo, models.ResourceFieldReport, id)
}

func (s *ReportService) List(ctx context.Context, sessionID uuid.UUID, filter models.FieldReportFilter) ([]*models.FieldReport, error) {
	reports, err := s.repo.ListBySession(ctx, sessionID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list field reports: %w", err)
	}
	return reports, nil
}

// Update edits the report's content. Only the reporter or a triager may edit,
// and closed or cancelled reports are frozen.
func (s *ReportService) Update(ctx context.Context, actor models.Actor, id uuid.UUID, patch models.FieldReportPatch, expectedVersion int64) (*models.FieldReport, error) {
	if err := validateStruct(patch); err != nil {
		return nil, err
	}
	if patch.Location != nil {
		if err := validatePoint("location", *patch.Location); err != nil {
			return nil, err
		}
	}

	_, after, err := s.mutate(ctx, actor, id, expectedVersion,
		func(current, next *models.FieldReport) error {
			if current.ReporterID != actor.ID && !s.authorizer.Can(ctx, actor, models.CapReportTriage) {
				return fmt.Errorf("update report %s: %w", id, syncerr.ErrForbidden)
			}
			if current.Status.IsTerminal() {
				return &syncerr.InvalidTransitionError{From: string(current.Status), Action: "update"}
			}
			patch.Apply(next)
			next.UpdatedBy = actor.ID
			return nil
		})
	if err != nil {
		return nil, err
	}
	return after, nil
}

// Transition moves the report along its workflow. Triagers may take any
// allowed step; the reporter may only cancel their own report.
func (s *ReportService) Transition(ctx context.Context, actor models.Actor, id uuid.UUID, to models.ReportStatus, expectedVersion int64) (*models.FieldReport, error) {
	before, after, err := s.mutate(ctx, actor, id, expectedVersion,
		func(current, next *models.FieldReport) error {
			triager := s.authorizer.Can(ctx, actor, models.CapReportTriage)
			selfCancel := to == models.ReportCancelled && current.ReporterID == actor.ID
			if !triager && !selfCancel {
				return fmt.Errorf("transition report %s: %w", id, syncerr.ErrForbidden)
			}
			if !current.Status.CanTransitionTo(to) {
				return &syncerr.InvalidTransitionError{From: string(current.Status), Action: "move to " + string(to)}
			}
			next.Status = to
			next.UpdatedBy = actor.ID
			return nil
		})
	if err != nil {
		return nil, err
	}

	s.logger.Info("field report transitioned",
		slog.String("report_id", id.String()),
		slog.String("from", string(before.Status)),
		slog.String("to", string(to)),
		slog.String("actor", actor.ID),
	)
	return after, nil
}

// mutate commits change and its change event in one unit.
func (s *ReportService) mutate(
	ctx context.Context,
	actor models.Actor,
	id uuid.UUID,
	expectedVersion int64,
	change func(current, next *models.FieldReport) error,
) (before, after *models.FieldReport, err error) {
	err = s.events.apply(ctx, func(ctx context.Context) (commit, error) {
		var err error
		before, after, err = mutate[models.FieldReport, *models.FieldReport](ctx, s.repo, models.ResourceFieldReport, id, expectedVersion, change)
		if err != nil {
			return commit{}, err
		}
		return commit{
			sessionID:  after.SessionID,
			resourceID: after.ID,
			kind:       models.ResourceFieldReport,
			action:     models.ActionUpdated,
			version:    after.Version,
			actor:      actor,
			before:     before,
			after:      after,
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}
