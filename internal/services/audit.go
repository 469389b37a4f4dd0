package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/prudhvinik1/fieldsync/internal/metrics"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
)

const auditWriteTimeout = 5 * time.Second

// AuditSink writes audit entries in the background. Record never blocks the
// caller: when the queue is full the entry is dropped with a warning.
type AuditSink struct {
	repo   repositories.AuditRepository
	queue  chan models.AuditEntry
	logger *slog.Logger
}

func NewAuditSink(repo repositories.AuditRepository, buffer int, logger *slog.Logger) *AuditSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &AuditSink{
		repo:   repo,
		queue:  make(chan models.AuditEntry, buffer),
		logger: logger,
	}
}

func (a *AuditSink) Record(entry models.AuditEntry) {
	select {
	case a.queue <- entry:
	default:
		metrics.AuditDropped.Inc()
		a.logger.Warn("audit queue full, dropping entry",
			slog.String("action", entry.Action),
			slog.String("entity_id", entry.EntityID),
		)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (a *AuditSink) Run(ctx context.Context) error {
	for {
		select {
		case entry := <-a.queue:
			a.write(ctx, entry)
		case <-ctx.Done():
			a.flush()
			return nil
		}
	}
}

func (a *AuditSink) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	for {
		select {
		case entry := <-a.queue:
			a.write(ctx, entry)
		default:
			return
		}
	}
}

func (a *AuditSink) write(ctx context.Context, entry models.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := a.repo.Insert(ctx, &entry); err != nil {
		metrics.AuditFailures.Inc()
		a.logger.Error("failed to write audit entry",
			slog.String("action", entry.Action),
			slog.String("entity_id", entry.EntityID),
			slog.Any("error", err),
		)
	}
}
