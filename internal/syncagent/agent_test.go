package syncagent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prudhvinik1/fieldsync/internal/feed"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
	"github.com/prudhvinik1/fieldsync/internal/services"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	fieldUser = models.Actor{ID: "alice", Name: "Alice", Capabilities: []models.Capability{models.CapDelete}}
	otherUser = models.Actor{ID: "bob", Name: "Bob", Capabilities: []models.Capability{models.CapDelete}}
)

// serviceRemote serves the agent straight from the overlay service. The next
// failures calls fail with a network error before reaching the service.
type serviceRemote struct {
	overlays *services.OverlayService
	feed     *feed.Broadcaster
	actor    models.Actor

	mu       sync.Mutex
	failures int
	calls    int
}

func (r *serviceRemote) fault(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return &syncerr.NetworkError{Op: op, Err: errors.New("connection refused")}
	}
	return nil
}

func (r *serviceRemote) failNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
}

func (r *serviceRemote) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *serviceRemote) CreateOverlay(ctx context.Context, sessionID uuid.UUID, draft Draft) (*models.Overlay, error) {
	if err := r.fault("create"); err != nil {
		return nil, err
	}
	return r.overlays.Create(ctx, r.actor, sessionID, services.CreateOverlayInput{
		Type:       draft.Type,
		Code:       draft.Code,
		Name:       draft.Name,
		Geometry:   draft.Geometry,
		Properties: draft.Properties,
	})
}

func (r *serviceRemote) UpdateOverlay(ctx context.Context, id uuid.UUID, patch models.OverlayPatch, expectedVersion int64) (*models.Overlay, error) {
	if err := r.fault("update"); err != nil {
		return nil, err
	}
	return r.overlays.Update(ctx, r.actor, id, patch, expectedVersion)
}

func (r *serviceRemote) DeleteOverlay(ctx context.Context, id uuid.UUID, expectedVersion int64) (*models.Overlay, error) {
	if err := r.fault("delete"); err != nil {
		return nil, err
	}
	return r.overlays.Delete(ctx, r.actor, id, expectedVersion)
}

func (r *serviceRemote) Changes(ctx context.Context, sessionID uuid.UUID, cursor string) (*Page, error) {
	if err := r.fault("changes"); err != nil {
		return nil, err
	}
	batch, err := r.feed.ChangesSince(ctx, sessionID, cursor)
	if err != nil {
		return nil, err
	}
	return &Page{Events: batch.Events, NextCursor: batch.NextCursor, HasMore: batch.HasMore}, nil
}

type harness struct {
	ctx      context.Context
	session  uuid.UUID
	overlays *services.OverlayService
	remote   *serviceRemote
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	authorizer := services.ClaimsAuthorizer{}

	tx := repositories.NewMemoryTxRunner()
	broadcaster := feed.NewBroadcaster(repositories.NewMemoryChangeLogRepository(clock), feed.NewHub(64, logger), feed.LocalTransport{}, 2, logger)
	locks := services.NewLockService(repositories.NewMemoryLockRepository(clock), authorizer, 30*time.Second, 5*time.Minute, logger)
	audit := services.NewAuditSink(repositories.NewMemoryAuditRepository(clock), 64, logger)
	overlays := services.NewOverlayService(repositories.NewMemoryOverlayRepository(clock), tx, locks, authorizer, broadcaster, audit, clock, logger)

	return &harness{
		ctx:      context.Background(),
		session:  uuid.New(),
		overlays: overlays,
		remote:   &serviceRemote{overlays: overlays, feed: broadcaster, actor: fieldUser},
	}
}

func (h *harness) agent(policy ConflictPolicy) *Agent {
	return New(h.remote, h.session, Options{
		Policy:      policy,
		MaxAttempts: 3,
		Backoff:     func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
}

func shelter() Draft {
	return Draft{
		Type:     models.OverlayPointOfInterest,
		Name:     "Shelter",
		Geometry: geojson.NewGeometry(orb.Point{121.56, 25.03}),
	}
}

// confirmedShelter creates an overlay through the agent and flushes it.
func (h *harness) confirmedShelter(t *testing.T, agent *Agent) string {
	t.Helper()
	temp := agent.OptimisticCreate(shelter())
	report, err := agent.Flush(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Confirmed)
	id, ok := agent.ResolveID(temp)
	require.True(t, ok)
	return id
}

func ptr[T any](v T) *T { return &v }

func TestAgent_CreateIsVisibleBeforeConfirmation(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	agent := h.agent(nil)

	// ACT
	temp := agent.OptimisticCreate(shelter())

	// ASSERT
	assert.True(t, IsTemporaryID(temp))
	local, ok := agent.Get(temp)
	require.True(t, ok)
	assert.Equal(t, "Shelter", local.Name)
	assert.Equal(t, models.OverlayDraft, local.State)
	require.Len(t, agent.Pending(), 1)
	assert.Equal(t, OpCreate, agent.Pending()[0].Kind)
	assert.Zero(t, h.remote.callCount())
}

func TestAgent_ConfirmRemapsTemporaryID(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	agent := h.agent(nil)
	temp := agent.OptimisticCreate(shelter())

	// ACT
	report, err := agent.Flush(h.ctx)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, FlushReport{Confirmed: 1}, report)
	assert.Empty(t, agent.Pending())

	id, ok := agent.ResolveID(temp)
	require.True(t, ok)
	overlays := agent.Overlays()
	require.Len(t, overlays, 1)
	confirmed, ok := overlays[id]
	require.True(t, ok)
	assert.Equal(t, int64(1), confirmed.Version)

	viaTemp, ok := agent.Get(temp)
	require.True(t, ok)
	assert.Equal(t, confirmed.ID, viaTemp.ID)
}

func TestAgent_NetworkFailureRollsBackCreate(t *testing.T) {
	// ARRANGE: the server is unreachable for longer than the attempt budget
	h := newHarness(t)
	agent := h.agent(nil)
	h.remote.failNext(10)
	temp := agent.OptimisticCreate(shelter())

	// ACT
	report, err := agent.Flush(h.ctx)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	_, visible := agent.Get(temp)
	assert.False(t, visible)
	assert.Empty(t, agent.Overlays())
	assert.Empty(t, agent.Pending())

	failed := agent.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, OpFailed, failed[0].Status)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.ErrorIs(t, failed[0].LastError, syncerr.ErrNetwork)
	assert.Equal(t, 3, h.remote.callCount())
}

func TestAgent_TransientNetworkFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	agent := h.agent(nil)
	h.remote.failNext(1)
	agent.OptimisticCreate(shelter())

	report, err := agent.Flush(h.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, 2, h.remote.callCount())
}

func TestAgent_RetryFailedCreate(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	agent := h.agent(nil)
	h.remote.failNext(3)
	temp := agent.OptimisticCreate(shelter())
	_, err := agent.Flush(h.ctx)
	require.NoError(t, err)
	opID := agent.Failed()[0].ID

	// ACT
	require.NoError(t, agent.Retry(opID))

	// ASSERT: visible again while pending, then confirmed
	_, visible := agent.Get(temp)
	assert.True(t, visible)
	report, err := agent.Flush(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
	assert.Empty(t, agent.Failed())
	assert.ErrorIs(t, agent.Retry(opID), ErrUnknownOperation)
}

func TestAgent_EditsChainOnUnconfirmedCreate(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	agent := h.agent(nil)
	temp := agent.OptimisticCreate(shelter())
	_, err := agent.OptimisticUpdate(temp, models.OverlayPatch{Name: ptr("Shelter North")})
	require.NoError(t, err)
	_, err = agent.OptimisticUpdate(temp, models.OverlayPatch{Code: ptr("S-1")})
	require.NoError(t, err)

	// ACT
	report, err := agent.Flush(h.ctx)

	// ASSERT: each update was rebased on the version its predecessor produced
	require.NoError(t, err)
	assert.Equal(t, FlushReport{Confirmed: 3}, report)
	id, _ := agent.ResolveID(temp)
	server, err := h.overlays.Get(h.ctx, uuid.MustParse(id))
	require.NoError(t, err)
	assert.Equal(t, int64(3), server.Version)
	assert.Equal(t, "Shelter North", server.Name)
	assert.Equal(t, "S-1", server.Code)
	assert.Empty(t, agent.Conflicts())
}

func TestAgent_ConflictDefaultsToServerWins(t *testing.T) {
	// ARRANGE: another client commits version 2 while the agent still has 1
	h := newHarness(t)
	agent := h.agent(nil)
	id := h.confirmedShelter(t, agent)
	_, err := h.overlays.Update(h.ctx, otherUser, uuid.MustParse(id), models.OverlayPatch{Name: ptr("Theirs")}, 1)
	require.NoError(t, err)
	_, err = agent.OptimisticUpdate(id, models.OverlayPatch{Name: ptr("Mine")})
	require.NoError(t, err)

	// ACT
	report, err := agent.Flush(h.ctx)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, FlushReport{Superseded: 1}, report)
	local, ok := agent.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Theirs", local.Name)
	assert.Equal(t, int64(2), local.Version)
	assert.Empty(t, agent.Pending())

	conflicts := agent.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, KeepServer, conflicts[0].Resolution)
	assert.Equal(t, int64(1), conflicts[0].LocalVersion)
	assert.Equal(t, int64(2), conflicts[0].ServerVersion)
}

func TestAgent_ConflictKeepLocalRetriesOnServerVersion(t *testing.T) {
	h := newHarness(t)
	agent := h.agent(ClientWins)
	id := h.confirmedShelter(t, agent)
	_, err := h.overlays.Update(h.ctx, otherUser, uuid.MustParse(id), models.OverlayPatch{Name: ptr("Theirs")}, 1)
	require.NoError(t, err)
	_, err = agent.OptimisticUpdate(id, models.OverlayPatch{Name: ptr("Mine")})
	require.NoError(t, err)

	report, err := agent.Flush(h.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
	server, err := h.overlays.Get(h.ctx, uuid.MustParse(id))
	require.NoError(t, err)
	assert.Equal(t, "Mine", server.Name)
	assert.Equal(t, int64(3), server.Version)
	local, _ := agent.Get(id)
	assert.Equal(t, int64(3), local.Version)
}

func TestAgent_ConflictMergeKeepsLocalGeometry(t *testing.T) {
	// ARRANGE: the other client edits properties, the agent moves the point
	h := newHarness(t)
	agent := h.agent(MergeGeometry)
	id := h.confirmedShelter(t, agent)
	_, err := h.overlays.Update(h.ctx, otherUser, uuid.MustParse(id), models.OverlayPatch{
		Properties: &models.OverlayProperties{PoiType: "hospital", Capacity: ptr(40)},
	}, 1)
	require.NoError(t, err)
	moved := orb.Point{121.57, 25.04}
	_, err = agent.OptimisticUpdate(id, models.OverlayPatch{Geometry: geojson.NewGeometry(moved)})
	require.NoError(t, err)

	// ACT
	report, err := agent.Flush(h.ctx)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
	server, err := h.overlays.Get(h.ctx, uuid.MustParse(id))
	require.NoError(t, err)
	assert.Equal(t, moved, server.Geometry.Geometry())
	assert.Equal(t, "hospital", server.Properties.PoiType)
	require.NotNil(t, server.Properties.Capacity)
	assert.Equal(t, 40, *server.Properties.Capacity)
	assert.Equal(t, Merge, agent.Conflicts()[0].Resolution)
}

func TestAgent_LockHeldRollsBackUpdate(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	agent := h.agent(nil)
	id := h.confirmedShelter(t, agent)
	_, err := h.overlays.AcquireLock(h.ctx, otherUser, uuid.MustParse(id), 0)
	require.NoError(t, err)
	opID, err := agent.OptimisticUpdate(id, models.OverlayPatch{Name: ptr("Mine")})
	require.NoError(t, err)

	// ACT
	report, err := agent.Flush(h.ctx)

	// ASSERT: hard rejection, no retries, mirror restored
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	local, _ := agent.Get(id)
	assert.Equal(t, "Shelter", local.Name)
	failed := agent.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.ErrorIs(t, failed[0].LastError, syncerr.ErrLockHeld)

	// ACT: the holder lets go and the user retries
	require.NoError(t, h.overlays.ReleaseLock(h.ctx, otherUser, uuid.MustParse(id)))
	require.NoError(t, agent.Retry(opID))
	report, err = agent.Flush(h.ctx)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
	local, _ = agent.Get(id)
	assert.Equal(t, "Mine", local.Name)
	assert.Equal(t, int64(2), local.Version)
}

func TestAgent_FailedCreateTakesDependentEditsWithIt(t *testing.T) {
	h := newHarness(t)
	agent := h.agent(nil)
	h.remote.failNext(3)
	temp := agent.OptimisticCreate(shelter())
	updateID, err := agent.OptimisticUpdate(temp, models.OverlayPatch{Name: ptr("Renamed")})
	require.NoError(t, err)

	report, err := agent.Flush(h.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, agent.Pending())
	failed := agent.Failed()
	require.Len(t, failed, 2)
	assert.ErrorIs(t, failed[1].LastError, ErrDependencyFailed)
	assert.ErrorIs(t, agent.Retry(updateID), ErrDependencyFailed)
	require.NoError(t, agent.Discard(updateID))
	assert.Len(t, agent.Failed(), 1)
}

func TestAgent_WithdrawRevertsPendingEdit(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	agent := h.agent(nil)
	id := h.confirmedShelter(t, agent)
	opID, err := agent.OptimisticUpdate(id, models.OverlayPatch{Name: ptr("Draft name")})
	require.NoError(t, err)

	// ACT
	require.NoError(t, agent.Withdraw(opID))

	// ASSERT
	local, _ := agent.Get(id)
	assert.Equal(t, "Shelter", local.Name)
	assert.Empty(t, agent.Pending())
	assert.ErrorIs(t, agent.Withdraw(opID), ErrUnknownOperation)
	calls := h.remote.callCount()
	_, err = agent.Flush(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, calls, h.remote.callCount())
}

func TestAgent_DeleteOfUnsentCreateNeverReachesServer(t *testing.T) {
	h := newHarness(t)
	agent := h.agent(nil)
	temp := agent.OptimisticCreate(shelter())

	opID, err := agent.OptimisticDelete(temp)

	require.NoError(t, err)
	assert.Empty(t, opID)
	assert.Empty(t, agent.Pending())
	assert.Empty(t, agent.Overlays())
	_, err = agent.Flush(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, h.remote.callCount())
}

func TestAgent_DeleteConfirmed(t *testing.T) {
	h := newHarness(t)
	agent := h.agent(nil)
	id := h.confirmedShelter(t, agent)

	_, err := agent.OptimisticDelete(id)
	require.NoError(t, err)
	_, visible := agent.Get(id)
	assert.False(t, visible)
	report, err := agent.Flush(h.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
	server, err := h.overlays.Get(h.ctx, uuid.MustParse(id))
	require.NoError(t, err)
	assert.Equal(t, models.OverlayRemoved, server.State)
	_, visible = agent.Get(id)
	assert.False(t, visible)
}

func TestAgent_CatchUpAndIdempotentReplay(t *testing.T) {
	// ARRANGE: three commits by someone else, spread over two pages
	h := newHarness(t)
	agent := h.agent(nil)
	first, err := h.overlays.Create(h.ctx, otherUser, h.session, services.CreateOverlayInput{
		Type:     models.OverlayPointOfInterest,
		Name:     "Depot",
		Geometry: geojson.NewGeometry(orb.Point{121.5, 25.0}),
	})
	require.NoError(t, err)
	_, err = h.overlays.Create(h.ctx, otherUser, h.session, services.CreateOverlayInput{
		Type:     models.OverlayPointOfInterest,
		Name:     "Clinic",
		Geometry: geojson.NewGeometry(orb.Point{121.6, 25.1}),
	})
	require.NoError(t, err)
	_, err = h.overlays.Update(h.ctx, otherUser, first.ID, models.OverlayPatch{Name: ptr("Depot 2")}, 1)
	require.NoError(t, err)

	// ACT
	applied, err := agent.CatchUp(h.ctx)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.Len(t, agent.Overlays(), 2)
	depot, _ := agent.Get(first.ID.String())
	assert.Equal(t, "Depot 2", depot.Name)
	assert.NotEmpty(t, agent.Cursor())

	// ACT: drain again, then replay an old event by hand
	again, err := agent.CatchUp(h.ctx)
	require.NoError(t, err)
	page, err := h.remote.Changes(h.ctx, h.session, "")
	require.NoError(t, err)

	// ASSERT
	assert.Zero(t, again)
	assert.False(t, agent.ApplyRemote(page.Events[0]))
	depot, _ = agent.Get(first.ID.String())
	assert.Equal(t, "Depot 2", depot.Name)
}

func TestAgent_RemoteEventUnderPendingEdit(t *testing.T) {
	// ARRANGE: a pending local rename, then the feed delivers a newer version
	h := newHarness(t)
	agent := h.agent(nil)
	id := h.confirmedShelter(t, agent)
	_, err := agent.OptimisticUpdate(id, models.OverlayPatch{Name: ptr("Mine")})
	require.NoError(t, err)
	_, err = h.overlays.Update(h.ctx, otherUser, uuid.MustParse(id), models.OverlayPatch{Code: ptr("X-9")}, 1)
	require.NoError(t, err)

	// ACT
	_, err = agent.CatchUp(h.ctx)
	require.NoError(t, err)

	// ASSERT: the mirror layers the pending edit over the new server state
	local, _ := agent.Get(id)
	assert.Equal(t, "Mine", local.Name)
	assert.Equal(t, "X-9", local.Code)
	assert.Equal(t, int64(2), local.Version)

	// ACT: the stale edit conflicts and the server wins
	report, err := agent.Flush(h.ctx)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, 1, report.Superseded)
	local, _ = agent.Get(id)
	assert.Equal(t, "Shelter", local.Name)
}

func TestAgent_FlushStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t)
	agent := h.agent(nil)
	agent.OptimisticCreate(shelter())
	ctx, cancel := context.WithCancel(h.ctx)
	cancel()

	_, err := agent.Flush(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, agent.Pending(), 1)
}

func TestAgent_RejectsEmptyAndUnknownEdits(t *testing.T) {
	h := newHarness(t)
	agent := h.agent(nil)

	_, err := agent.OptimisticUpdate("missing", models.OverlayPatch{Name: ptr("x")})
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
	_, err = agent.OptimisticUpdate("missing", models.OverlayPatch{})
	assert.ErrorIs(t, err, syncerr.ErrValidation)
	_, err = agent.OptimisticDelete("missing")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}
