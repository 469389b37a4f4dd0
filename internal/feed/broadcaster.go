// Package feed implements the change feed: a durable, per-session ordered log
// of committed mutations that clients drain with ChangesSince, plus live
// fan-out to connected subscribers on every instance.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prudhvinik1/fieldsync/internal/metrics"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
)

// Batch is one page of catch-up events.
type Batch struct {
	Events     []*models.ChangeEvent `json:"events"`
	NextCursor string                `json:"next_cursor"`
	HasMore    bool                  `json:"has_more"`
}

type Broadcaster struct {
	changes   repositories.ChangeLogRepository
	hub       *Hub
	transport Transport
	origin    string
	pageSize  int
	logger    *slog.Logger
}

func NewBroadcaster(changes repositories.ChangeLogRepository, hub *Hub, transport Transport, pageSize int, logger *slog.Logger) *Broadcaster {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Broadcaster{
		changes:   changes,
		hub:       hub,
		transport: transport,
		origin:    uuid.NewString(),
		pageSize:  pageSize,
		logger:    logger,
	}
}

// Log appends event to the session log and assigns its sequence. Called
// inside the unit that commits the mutation, so the two persist together.
func (b *Broadcaster) Log(ctx context.Context, event *models.ChangeEvent) error {
	if err := b.changes.Append(ctx, event); err != nil {
		return fmt.Errorf("failed to log change: %w", err)
	}
	return nil
}

// Publish pushes a logged event to every live subscriber. A transport
// failure is only logged: remote subscribers recover the event through
// ChangesSince.
func (b *Broadcaster) Publish(ctx context.Context, event *models.ChangeEvent) {
	b.send(ctx, Message{Type: MessageChange, SessionID: event.SessionID, Change: event})
}

// Notify pushes an unversioned notice (presence, lock, locations).
func (b *Broadcaster) Notify(ctx context.Context, sessionID uuid.UUID, typ MessageType, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}
	b.send(ctx, Message{Type: typ, SessionID: sessionID, Data: raw})
	return nil
}

func (b *Broadcaster) send(ctx context.Context, msg Message) {
	msg.Origin = b.origin
	b.hub.Deliver(msg)
	metrics.FeedEventsEmitted.WithLabelValues(string(msg.Type)).Inc()

	if err := b.transport.Publish(ctx, msg); err != nil {
		b.logger.Warn("failed to publish to other instances",
			slog.String("session_id", msg.SessionID.String()),
			slog.String("type", string(msg.Type)),
			slog.Any("error", err),
		)
	}
}

// ChangesSince returns the next page of events after cursor. Within the page
// an event is dropped when an earlier event for the same resource already
// carried an equal or higher version, so versions never go backwards.
func (b *Broadcaster) ChangesSince(ctx context.Context, sessionID uuid.UUID, cursor string) (*Batch, error) {
	seq, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	events, err := b.changes.GetSinceSequence(ctx, sessionID, seq, b.pageSize+1)
	if err != nil {
		return nil, fmt.Errorf("failed to read change log: %w", err)
	}

	batch := &Batch{Events: []*models.ChangeEvent{}, NextCursor: EncodeCursor(seq)}
	if len(events) > b.pageSize {
		events = events[:b.pageSize]
		batch.HasMore = true
	}

	highest := make(map[uuid.UUID]int64)
	for _, e := range events {
		batch.NextCursor = EncodeCursor(e.Sequence)
		if e.Version <= highest[e.ResourceID] {
			continue
		}
		highest[e.ResourceID] = e.Version
		batch.Events = append(batch.Events, e)
	}
	return batch, nil
}

func (b *Broadcaster) Subscribe(sessionID uuid.UUID, actorID string) *Subscription {
	return b.hub.Subscribe(sessionID, actorID)
}

func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.hub.Unsubscribe(sub)
}

// ActiveSessions lists sessions with live subscribers on this instance.
func (b *Broadcaster) ActiveSessions() []uuid.UUID {
	return b.hub.Sessions()
}

// Run relays messages from other instances into the local hub until ctx is
// cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	return b.transport.Listen(ctx, func(msg Message) {
		if msg.Origin == b.origin {
			return
		}
		b.hub.Deliver(msg)
	})
}
