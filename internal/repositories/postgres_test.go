package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/prudhvinik1/fieldsync/internal/database"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// getTestPool starts a throwaway Postgres container and applies migrations.
// Skipped unless TEST_INTEGRATION is set.
func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("fieldsync_test"),
		postgres.WithUsername("fieldsync"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, database.Migrate(dsn, logger), "Failed to apply migrations")

	pool, err := database.NewPostgresPool(ctx, dsn, logger)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresOverlayRepository_CompareAndSwap(t *testing.T) {
	// ARRANGE
	pool := getTestPool(t)
	repo := NewPostgresOverlayRepository(pool)
	ctx := context.Background()
	overlay := newTestOverlay(uuid.New())
	overlay.Properties.Capacity = new(int)

	require.NoError(t, repo.Create(ctx, overlay))
	assert.Equal(t, int64(1), overlay.Version)

	// ACT: client A updates from version 1
	next := overlay.Clone()
	next.Name = "Shelter A"
	next.UpdatedBy = "a"
	err := repo.CompareAndSwap(ctx, next, 1)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Version)

	// ACT: client B is still on version 1
	stale := overlay.Clone()
	stale.Name = "Shelter B"
	err = repo.CompareAndSwap(ctx, stale, 1)

	// ASSERT: conflict, and the row kept A's write
	assert.ErrorIs(t, err, ErrVersionConflict)
	stored, err := repo.GetByID(ctx, overlay.ID)
	require.NoError(t, err)
	assert.Equal(t, "Shelter A", stored.Name)
	assert.Equal(t, int64(2), stored.Version)
	require.NotNil(t, stored.Geometry)
	assert.Equal(t, orb.Point{121.5, 25.0}, stored.Geometry.Geometry())
}

func TestPostgresOverlayRepository_ListExcludesRemoved(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresOverlayRepository(pool)
	ctx := context.Background()
	session := uuid.New()

	live := newTestOverlay(session)
	gone := newTestOverlay(session)
	gone.State = models.OverlayRemoved
	require.NoError(t, repo.Create(ctx, live))
	require.NoError(t, repo.Create(ctx, gone))

	listed, err := repo.ListBySession(ctx, session, models.OverlayFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, live.ID, listed[0].ID)

	listed, err = repo.ListBySession(ctx, session, models.OverlayFilter{State: models.OverlayRemoved})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, gone.ID, listed[0].ID)
}

func TestPostgresOverlayRepository_MissingRowIsNotFound(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresOverlayRepository(pool)

	missing := newTestOverlay(uuid.New())
	missing.ID = uuid.New()

	err := repo.CompareAndSwap(context.Background(), missing, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresSosRepository_Lifecycle(t *testing.T) {
	pool := getTestPool(t)
	reports := NewPostgresFieldReportRepository(pool)
	repo := NewPostgresSosRepository(pool)
	ctx := context.Background()
	session := uuid.New()

	report := &models.FieldReport{
		SessionID:  session,
		ReporterID: "u1",
		Type:       models.ReportSos,
		Severity:   4,
		Status:     models.ReportNew,
		Location:   orb.Point{121.5, 25.0},
		OccurredAt: time.Now(),
	}
	require.NoError(t, reports.Create(ctx, report))

	signal := &models.SosSignal{
		SessionID:       session,
		ReportID:        &report.ID,
		UserID:          "u1",
		Status:          models.SosActive,
		TriggerLocation: orb.Point{121.5, 25.0},
	}
	require.NoError(t, repo.Create(ctx, signal))

	commander := "commander"
	now := time.Now()
	next := signal.Clone()
	next.Status = models.SosAcknowledged
	next.AckedBy = &commander
	next.AckedAt = &now
	require.NoError(t, repo.CompareAndSwap(ctx, next, 1))

	active, err := repo.ListActive(ctx, session)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, models.SosAcknowledged, active[0].Status)
	assert.Equal(t, &report.ID, active[0].ReportID)

	open, err := repo.ActiveByUser(ctx, session, "u1")
	require.NoError(t, err)
	assert.Equal(t, signal.ID, open.ID)
	_, err = repo.ActiveByUser(ctx, session, "u2")
	assert.ErrorIs(t, err, ErrNotFound)

	second := &models.SosSignal{SessionID: session, UserID: "u1", Status: models.SosActive, TriggerLocation: orb.Point{121.5, 25.0}}
	assert.ErrorIs(t, repo.Create(ctx, second), ErrAlreadyExists, "one open signal per user")
}

func TestPostgresChangeLogRepository_Sequence(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresChangeLogRepository(pool)
	ctx := context.Background()
	session := uuid.New()

	var seqs []int64
	for v := int64(1); v <= 3; v++ {
		event := &models.ChangeEvent{
			SessionID:    session,
			ResourceID:   uuid.New(),
			ResourceType: models.ResourceOverlay,
			Action:       models.ActionUpdated,
			Version:      v,
			Actor:        "a",
			Payload:      json.RawMessage(`{"v":1}`),
		}
		require.NoError(t, repo.Append(ctx, event))
		seqs = append(seqs, event.Sequence)
	}

	events, err := repo.GetSinceSequence(ctx, session, seqs[0], 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, seqs[1], events[0].Sequence)
	assert.Equal(t, seqs[2], events[1].Sequence)
	assert.JSONEq(t, `{"v":1}`, string(events[0].Payload))
}

func changeFor(session uuid.UUID, version int64) *models.ChangeEvent {
	return &models.ChangeEvent{
		SessionID:    session,
		ResourceID:   uuid.New(),
		ResourceType: models.ResourceOverlay,
		Action:       models.ActionUpdated,
		Version:      version,
		Actor:        "a",
		Payload:      json.RawMessage(`{}`),
	}
}

func TestPostgresTxRunner_RollsBackRecordAndEvent(t *testing.T) {
	// ARRANGE
	pool := getTestPool(t)
	runner := NewPostgresTxRunner(pool)
	overlays := NewPostgresOverlayRepository(pool)
	changes := NewPostgresChangeLogRepository(pool)
	ctx := context.Background()
	overlay := newTestOverlay(uuid.New())
	require.NoError(t, overlays.Create(ctx, overlay))

	// ACT: the swap commits inside the unit, then the unit fails
	failure := errors.New("boom")
	err := runner.RunInTx(ctx, func(ctx context.Context) error {
		next := overlay.Clone()
		next.Name = "Moved"
		if err := overlays.CompareAndSwap(ctx, next, 1); err != nil {
			return err
		}
		if err := changes.Append(ctx, changeFor(overlay.SessionID, 2)); err != nil {
			return err
		}
		return failure
	})

	// ASSERT
	assert.ErrorIs(t, err, failure)
	stored, err := overlays.GetByID(ctx, overlay.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, "Shelter", stored.Name)
	events, err := changes.GetSinceSequence(ctx, overlay.SessionID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPostgresChangeLogRepository_SessionAppendsCommitInSequenceOrder(t *testing.T) {
	// ARRANGE: unit A has appended but not committed
	pool := getTestPool(t)
	runner := NewPostgresTxRunner(pool)
	changes := NewPostgresChangeLogRepository(pool)
	ctx := context.Background()
	session := uuid.New()

	first := changeFor(session, 1)
	appended := make(chan struct{})
	release := make(chan struct{})
	unitDone := make(chan error, 1)
	go func() {
		unitDone <- runner.RunInTx(ctx, func(ctx context.Context) error {
			if err := changes.Append(ctx, first); err != nil {
				return err
			}
			close(appended)
			<-release
			return nil
		})
	}()
	<-appended

	// ACT: a second append to the same session
	second := changeFor(session, 1)
	appendDone := make(chan error, 1)
	go func() { appendDone <- changes.Append(ctx, second) }()

	// ASSERT: it waits for A, so no reader sees a gap behind its sequence
	select {
	case err := <-appendDone:
		t.Fatalf("append finished while an earlier one was uncommitted: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
	events, err := changes.GetSinceSequence(ctx, session, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	close(release)
	require.NoError(t, <-unitDone)
	require.NoError(t, <-appendDone)

	events, err = changes.GetSinceSequence(ctx, session, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first.Sequence, events[0].Sequence)
	assert.Equal(t, second.Sequence, events[1].Sequence)
	assert.Less(t, first.Sequence, second.Sequence)
}

func TestPostgresAuditRepository_Insert(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresAuditRepository(pool)

	entry := &models.AuditEntry{
		ActorID:    "commander",
		Action:     "overlay.publish",
		EntityType: "overlay",
		EntityID:   uuid.NewString(),
		After:      json.RawMessage(`{"state":"published"}`),
	}
	require.NoError(t, repo.Insert(context.Background(), entry))
	assert.False(t, entry.CreatedAt.IsZero())
}
