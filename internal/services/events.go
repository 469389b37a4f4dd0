package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prudhvinik1/fieldsync/internal/feed"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
)

// ChangeEmitter publishes committed mutations and ephemeral notices to the
// session's subscribers. *feed.Broadcaster implements it.
type ChangeEmitter interface {
	// Log appends event to the session change log. Inside a TxRunner unit it
	// commits or rolls back with the unit.
	Log(ctx context.Context, event *models.ChangeEvent) error
	// Publish pushes an already logged event to live subscribers.
	Publish(ctx context.Context, event *models.ChangeEvent)
	Notify(ctx context.Context, sessionID uuid.UUID, typ feed.MessageType, data any) error
}

// commit describes one committed mutation for the feed and the audit trail.
type commit struct {
	sessionID  uuid.UUID
	resourceID uuid.UUID
	kind       models.ResourceType
	action     models.ChangeAction
	version    int64
	actor      models.Actor
	before     any
	after      any
	audited    bool
}

// recorder makes every mutation and its change events one unit of work, then
// fans the events out live and to the audit sink.
type recorder struct {
	tx     repositories.TxRunner
	feed   ChangeEmitter
	audit  *AuditSink
	logger *slog.Logger
}

// apply runs write and logs the commit it describes in one unit. If either
// fails nothing persists and the error is returned.
func (r recorder) apply(ctx context.Context, write func(ctx context.Context) (commit, error)) error {
	return r.applyAll(ctx, func(ctx context.Context) ([]commit, error) {
		c, err := write(ctx)
		if err != nil {
			return nil, err
		}
		return []commit{c}, nil
	})
}

func (r recorder) applyAll(ctx context.Context, write func(ctx context.Context) ([]commit, error)) error {
	var commits []commit
	var events []*models.ChangeEvent
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if commits, err = write(ctx); err != nil {
			return err
		}
		events = make([]*models.ChangeEvent, 0, len(commits))
		for _, c := range commits {
			event, err := changeEvent(c)
			if err != nil {
				return err
			}
			if err := r.feed.Log(ctx, event); err != nil {
				return fmt.Errorf("failed to log %s %s: %w", c.kind, c.resourceID, err)
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i, c := range commits {
		r.feed.Publish(ctx, events[i])
		if c.audited {
			r.audit.Record(auditEntry(c))
		}
	}
	return nil
}

func changeEvent(c commit) (*models.ChangeEvent, error) {
	payload, err := json.Marshal(c.after)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change payload: %w", err)
	}
	return &models.ChangeEvent{
		SessionID:    c.sessionID,
		ResourceID:   c.resourceID,
		ResourceType: c.kind,
		Action:       c.action,
		Version:      c.version,
		Actor:        c.actor.ID,
		Payload:      payload,
	}, nil
}

func (r recorder) notify(ctx context.Context, sessionID uuid.UUID, typ feed.MessageType, data any) {
	if err := r.feed.Notify(ctx, sessionID, typ, data); err != nil {
		r.logger.Warn("failed to push notice",
			slog.String("session_id", sessionID.String()),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}

func auditEntry(c commit) models.AuditEntry {
	sessionID := c.sessionID
	entry := models.AuditEntry{
		SessionID:  &sessionID,
		ActorID:    c.actor.ID,
		ActorName:  c.actor.Name,
		Action:     string(c.kind) + "." + string(c.action),
		EntityType: string(c.kind),
		EntityID:   c.resourceID.String(),
	}
	if c.before != nil {
		entry.Before, _ = json.Marshal(c.before)
	}
	if c.after != nil {
		entry.After, _ = json.Marshal(c.after)
	}
	return entry
}
