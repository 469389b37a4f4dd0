package services

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prudhvinik1/fieldsync/internal/feed"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

// SessionLister reports which sessions currently have live subscribers.
type SessionLister interface {
	ActiveSessions() []uuid.UUID
}

// StalenessMonitor re-derives location staleness on a fixed interval and
// pushes the session's locations whenever its set of stale users changes.
type StalenessMonitor struct {
	locations *LocationService
	sessions  SessionLister
	emitter   ChangeEmitter
	interval  time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger

	mu    sync.Mutex
	stale map[uuid.UUID]map[string]bool
}

func NewStalenessMonitor(locations *LocationService, sessions SessionLister, emitter ChangeEmitter, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *StalenessMonitor {
	return &StalenessMonitor{
		locations: locations,
		sessions:  sessions,
		emitter:   emitter,
		interval:  interval,
		clock:     clock,
		logger:    logger,
		stale:     make(map[uuid.UUID]map[string]bool),
	}
}

func (m *StalenessMonitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			m.Evaluate(ctx)
		}
	}
}

// Evaluate runs one pass over the active sessions.
func (m *StalenessMonitor) Evaluate(ctx context.Context) {
	active := m.sessions.ActiveSessions()

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[uuid.UUID]bool, len(active))
	for _, sessionID := range active {
		seen[sessionID] = true
		views, err := m.locations.List(ctx, sessionID)
		if err != nil {
			m.logger.Warn("staleness evaluation failed", slog.String("session_id", sessionID.String()), slog.Any("error", err))
			continue
		}

		current := staleSet(views)
		previous, known := m.stale[sessionID]
		m.stale[sessionID] = current
		if known && maps.Equal(previous, current) {
			continue
		}
		if !known && len(current) == 0 {
			continue
		}

		if err := m.emitter.Notify(ctx, sessionID, feed.MessageLocations, feed.LocationsNotice{Locations: views}); err != nil {
			m.logger.Warn("failed to push locations", slog.String("session_id", sessionID.String()), slog.Any("error", err))
		}
	}

	for sessionID := range m.stale {
		if !seen[sessionID] {
			delete(m.stale, sessionID)
		}
	}
}

func staleSet(views []models.LocationView) map[string]bool {
	set := make(map[string]bool)
	for _, v := range views {
		if v.Stale {
			set[v.UserID] = true
		}
	}
	return set
}
