package feed

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prudhvinik1/fieldsync/internal/metrics"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

// ErrSlowConsumer is the reason a subscription is closed when its buffer
// fills. The client reconnects and catches up from its cursor.
var ErrSlowConsumer = errors.New("subscriber buffer full")

var errUnsubscribed = errors.New("unsubscribed")

type Subscription struct {
	SessionID uuid.UUID
	ActorID   string

	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once
	reason    error

	mu      sync.Mutex
	applied map[uuid.UUID]int64
}

// C yields messages in delivery order. It is never closed; select on Done.
func (s *Subscription) C() <-chan Message { return s.ch }

func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended. It is nil while it is open.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.reason
	default:
		return nil
	}
}

// Admit records event as applied and reports whether it is new. An event
// whose version is not above the last applied version of the same resource
// is a replay and must be skipped.
func (s *Subscription) Admit(event *models.ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.Version <= s.applied[event.ResourceID] {
		return false
	}
	s.applied[event.ResourceID] = event.Version
	return true
}

func (s *Subscription) close(reason error) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

// Hub fans messages out to the live subscribers of each session on this
// instance.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[*Subscription]struct{}
	buffer   int
	logger   *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		sessions: make(map[uuid.UUID]map[*Subscription]struct{}),
		buffer:   buffer,
		logger:   logger,
	}
}

func (h *Hub) Subscribe(sessionID uuid.UUID, actorID string) *Subscription {
	sub := &Subscription{
		SessionID: sessionID,
		ActorID:   actorID,
		ch:        make(chan Message, h.buffer),
		done:      make(chan struct{}),
		applied:   make(map[uuid.UUID]int64),
	}

	h.mu.Lock()
	subs, ok := h.sessions[sessionID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.sessions[sessionID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	metrics.FeedSubscribers.Inc()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.remove(sub, errUnsubscribed)
}

func (h *Hub) remove(sub *Subscription, reason error) {
	h.mu.Lock()
	subs := h.sessions[sub.SessionID]
	_, ok := subs[sub]
	if ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.sessions, sub.SessionID)
		}
	}
	h.mu.Unlock()

	if ok {
		metrics.FeedSubscribers.Dec()
	}
	sub.close(reason)
}

// Deliver never blocks. A subscriber that cannot keep up is disconnected
// rather than silently skipped, so it can never miss a version unnoticed.
func (h *Hub) Deliver(msg Message) {
	var slow []*Subscription

	h.mu.RLock()
	for sub := range h.sessions[msg.SessionID] {
		select {
		case sub.ch <- msg:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("dropping slow subscriber",
			slog.String("session_id", sub.SessionID.String()),
			slog.String("actor", sub.ActorID),
		)
		metrics.FeedSubscribersDropped.Inc()
		h.remove(sub, ErrSlowConsumer)
	}
}

// Sessions lists the sessions with at least one live subscriber.
func (h *Hub) Sessions() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(h.sessions))
	for id := range h.sessions {
		out = append(out, id)
	}
	return out
}
