package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prudhvinik1/fieldsync/internal/feed"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
	"github.com/stretchr/testify/require"
)

const testLockTTL = 30 * time.Second

var (
	editor    = models.Actor{ID: "alice", Name: "Alice"}
	teammate  = models.Actor{ID: "bob", Name: "Bob"}
	commander = models.Actor{
		ID:   "carol",
		Name: "Carol",
		Capabilities: []models.Capability{
			models.CapPublish,
			models.CapDelete,
			models.CapForceUnlock,
			models.CapSosManage,
			models.CapReportTriage,
		},
	}
	medic = models.Actor{ID: "dave", Name: "Dave", Capabilities: []models.Capability{models.CapSosManage}}
)

// testEnv wires every service against the in-memory repositories, a fake
// clock and an in-process change feed.
type testEnv struct {
	ctx         context.Context
	clock       *clockwork.FakeClock
	session     uuid.UUID
	audits      *repositories.MemoryAuditRepository
	auditSink   *AuditSink
	changes     *flakyChangeLog
	sosRepo     *flakySosRepository
	broadcaster *feed.Broadcaster
	locks       *LockService
	overlays    *OverlayService
	reports     *ReportService
	sos         *SosService
	locations   *LocationService
	presence    *PresenceService
	monitor     *StalenessMonitor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	audits := repositories.NewMemoryAuditRepository(clock)
	sink := NewAuditSink(audits, 64, logger)
	hub := feed.NewHub(64, logger)
	changes := &flakyChangeLog{ChangeLogRepository: repositories.NewMemoryChangeLogRepository(clock)}
	sosRepo := &flakySosRepository{SosRepository: repositories.NewMemorySosRepository(clock)}
	broadcaster := feed.NewBroadcaster(changes, hub, feed.LocalTransport{}, 100, logger)
	authorizer := ClaimsAuthorizer{}
	tx := repositories.NewMemoryTxRunner()

	locks := NewLockService(repositories.NewMemoryLockRepository(clock), authorizer, testLockTTL, 5*time.Minute, logger)
	reports := NewReportService(repositories.NewMemoryFieldReportRepository(clock), tx, authorizer, broadcaster, sink, clock, logger)
	locations := NewLocationService(
		repositories.NewMemoryLocationRepository(clock, 15*time.Minute),
		broadcaster,
		LocationSettings{StaleAfter: 60 * time.Second, ThrottleInterval: 2 * time.Second, ThrottleDistanceM: 3},
		clock,
		logger,
	)

	return &testEnv{
		ctx:         context.Background(),
		clock:       clock,
		session:     uuid.New(),
		audits:      audits,
		auditSink:   sink,
		changes:     changes,
		sosRepo:     sosRepo,
		broadcaster: broadcaster,
		locks:       locks,
		overlays:    NewOverlayService(repositories.NewMemoryOverlayRepository(clock), tx, locks, authorizer, broadcaster, sink, clock, logger),
		reports:     reports,
		sos:         NewSosService(sosRepo, tx, reports, authorizer, broadcaster, sink, clock, logger),
		locations:   locations,
		presence:    NewPresenceService(repositories.NewMemoryPresenceRepository(clock), broadcaster, clock, logger),
		monitor:     NewStalenessMonitor(locations, broadcaster, broadcaster, 10*time.Second, clock, logger),
	}
}

// flakyChangeLog fails the next failNext appends.
type flakyChangeLog struct {
	repositories.ChangeLogRepository
	failNext atomic.Int32
}

func (f *flakyChangeLog) Append(ctx context.Context, event *models.ChangeEvent) error {
	if f.failNext.Add(-1) >= 0 {
		return errors.New("change log unavailable")
	}
	f.failNext.Store(0)
	return f.ChangeLogRepository.Append(ctx, event)
}

// flakySosRepository fails the next failNext creates.
type flakySosRepository struct {
	repositories.SosRepository
	failNext atomic.Int32
}

func (f *flakySosRepository) Create(ctx context.Context, signal *models.SosSignal) error {
	if f.failNext.Add(-1) >= 0 {
		return errors.New("sos table unavailable")
	}
	f.failNext.Store(0)
	return f.SosRepository.Create(ctx, signal)
}

// auditActions flushes the audit queue and returns the recorded actions.
func (e *testEnv) auditActions() []string {
	e.auditSink.flush()
	var actions []string
	for _, entry := range e.audits.Entries() {
		actions = append(actions, entry.Action)
	}
	return actions
}

func (e *testEnv) createPOI(t *testing.T, actor models.Actor) *models.Overlay {
	t.Helper()
	overlay, err := e.overlays.Create(e.ctx, actor, e.session, CreateOverlayInput{
		Type:     models.OverlayPointOfInterest,
		Name:     "Shelter",
		Geometry: geojson.NewGeometry(orb.Point{121.56, 25.03}),
	})
	require.NoError(t, err)
	return overlay
}

// drain returns whatever the subscription has buffered without blocking.
func drain(sub *feed.Subscription) []feed.Message {
	var out []feed.Message
	for {
		select {
		case msg := <-sub.C():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func ofType(msgs []feed.Message, typ feed.MessageType) []feed.Message {
	var out []feed.Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func decodeNotice[T any](t *testing.T, msg feed.Message) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(msg.Data, &v))
	return v
}

func ptr[T any](v T) *T { return &v }
