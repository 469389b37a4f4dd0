package services

import (
	"testing"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prudhvinik1/fieldsync/internal/feed"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlayService_CreateStartsAsDraft(t *testing.T) {
	// ARRANGE
	env := newTestEnv(t)
	sub := env.broadcaster.Subscribe(env.session, "viewer")
	defer env.broadcaster.Unsubscribe(sub)

	// ACT
	overlay := env.createPOI(t, editor)

	// ASSERT
	assert.Equal(t, models.OverlayDraft, overlay.State)
	assert.Equal(t, int64(1), overlay.Version)
	assert.Equal(t, "alice", overlay.CreatedBy)

	changes := ofType(drain(sub), feed.MessageChange)
	require.Len(t, changes, 1)
	assert.Equal(t, models.ActionCreated, changes[0].Change.Action)
	assert.Equal(t, overlay.ID, changes[0].Change.ResourceID)
	assert.Equal(t, int64(1), changes[0].Change.Version)
}

func TestOverlayService_StaleUpdateConflicts(t *testing.T) {
	// ARRANGE: both clients loaded version 1
	env := newTestEnv(t)
	overlay := env.createPOI(t, editor)

	// ACT: client A commits first
	updated, err := env.overlays.Update(env.ctx, editor, overlay.ID, models.OverlayPatch{Name: ptr("Shelter A")}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// ACT: client B still on version 1
	_, err = env.overlays.Update(env.ctx, teammate, overlay.ID, models.OverlayPatch{Name: ptr("Shelter B")}, 1)

	// ASSERT: conflict carries the current truth
	var conflict *syncerr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.ExpectedVersion)
	assert.Equal(t, int64(2), conflict.CurrentVersion)
	current, ok := conflict.Current.(*models.Overlay)
	require.True(t, ok)
	assert.Equal(t, "Shelter A", current.Name)

	stored, err := env.overlays.Get(env.ctx, overlay.ID)
	require.NoError(t, err)
	assert.Equal(t, "Shelter A", stored.Name)
	assert.Equal(t, int64(2), stored.Version)
}

func TestOverlayService_VersionsIncreaseByOne(t *testing.T) {
	env := newTestEnv(t)
	overlay := env.createPOI(t, editor)

	version := overlay.Version
	for i := 0; i < 5; i++ {
		updated, err := env.overlays.Update(env.ctx, editor, overlay.ID, models.OverlayPatch{Code: ptr("P-" + string(rune('A'+i)))}, version)
		require.NoError(t, err)
		assert.Equal(t, version+1, updated.Version)
		version = updated.Version
	}
}

func TestOverlayService_UpdateRequiresExpectedVersion(t *testing.T) {
	env := newTestEnv(t)
	overlay := env.createPOI(t, editor)

	_, err := env.overlays.Update(env.ctx, editor, overlay.ID, models.OverlayPatch{Name: ptr("x")}, 0)

	assert.ErrorIs(t, err, syncerr.ErrPrecondition)
}

func TestOverlayService_UpdateMissing(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.overlays.Update(env.ctx, editor, uuid.New(), models.OverlayPatch{Name: ptr("x")}, 1)

	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestOverlayService_PublishTwiceIsRejected(t *testing.T) {
	// ARRANGE
	env := newTestEnv(t)
	overlay := env.createPOI(t, editor)

	published, err := env.overlays.Publish(env.ctx, commander, overlay.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OverlayPublished, published.State)
	assert.Equal(t, int64(2), published.Version)

	// ACT
	_, err = env.overlays.Publish(env.ctx, commander, overlay.ID, 2)

	// ASSERT: rejected and the version did not move
	var transition *syncerr.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, "published", transition.From)

	stored, err := env.overlays.Get(env.ctx, overlay.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
}

func TestOverlayService_PublishNeedsCapability(t *testing.T) {
	env := newTestEnv(t)
	overlay := env.createPOI(t, editor)

	_, err := env.overlays.Publish(env.ctx, editor, overlay.ID, 1)

	assert.ErrorIs(t, err, syncerr.ErrForbidden)
}

func TestOverlayService_EditingPublishedRequiresRevert(t *testing.T) {
	// ARRANGE
	env := newTestEnv(t)
	overlay := env.createPOI(t, editor)
	_, err := env.overlays.Publish(env.ctx, commander, overlay.ID, 1)
	require.NoError(t, err)

	// ACT: plain edit
	_, err = env.overlays.Update(env.ctx, editor, overlay.ID, models.OverlayPatch{Name: ptr("Moved")}, 2)

	// ASSERT
	assert.ErrorIs(t, err, syncerr.ErrInvalidTransition)

	// ACT: edit that reverts to draft
	reverted, err := env.overlays.Update(env.ctx, editor, overlay.ID, models.OverlayPatch{Name: ptr("Moved"), RevertToDraft: true}, 2)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, models.OverlayDraft, reverted.State)
	assert.Equal(t, int64(3), reverted.Version)
}

func TestOverlayService_UpdateRespectsLiveLock(t *testing.T) {
	// ARRANGE
	env := newTestEnv(t)
	overlay := env.createPOI(t, editor)
	_, err := env.overlays.AcquireLock(env.ctx, teammate, overlay.ID, 0)
	require.NoError(t, err)

	// ACT
	_, err = env.overlays.Update(env.ctx, editor, overlay.ID, models.OverlayPatch{Name: ptr("Mine")}, 1)

	// ASSERT
	var held *syncerr.LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "bob", held.Holder)

	// The holder edits freely and sees its lock on the result.
	updated, err := env.overlays.Update(env.ctx, teammate, overlay.ID, models.OverlayPatch{Name: ptr("Bob's")}, 1)
	require.NoError(t, err)
	require.NotNil(t, updated.Lock)
	assert.Equal(t, "bob", updated.Lock.Holder)

	// Once the lock lapses anyone may edit again, still subject to the version check.
	env.clock.Advance(testLockTTL + 1)
	_, err = env.overlays.Update(env.ctx, editor, overlay.ID, models.OverlayPatch{Name: ptr("Mine")}, 1)
	assert.ErrorIs(t, err, syncerr.ErrConflict)
	_, err = env.overlays.Update(env.ctx, editor, overlay.ID, models.OverlayPatch{Name: ptr("Mine")}, 2)
	assert.NoError(t, err)
}

func TestOverlayService_DeleteIsTerminal(t *testing.T) {
	// ARRANGE
	env := newTestEnv(t)
	overlay := env.createPOI(t, editor)
	_, err := env.overlays.AcquireLock(env.ctx, editor, overlay.ID, 0)
	require.NoError(t, err)

	// ACT
	removed, err := env.overlays.Delete(env.ctx, commander, overlay.ID, 1)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, models.OverlayRemoved, removed.State)
	assert.Equal(t, int64(2), removed.Version)
	require.NotNil(t, removed.RemovedBy)
	assert.Equal(t, "carol", *removed.RemovedBy)
	assert.Equal(t, env.clock.Now().UTC(), *removed.RemovedAt)

	lock, err := env.locks.Get(env.ctx, overlay.ID.String())
	require.NoError(t, err)
	assert.Nil(t, lock, "deleting drops the lock")

	listed, err := env.overlays.List(env.ctx, env.session, models.OverlayFilter{})
	require.NoError(t, err)
	assert.Empty(t, listed)

	listed, err = env.overlays.List(env.ctx, env.session, models.OverlayFilter{IncludeRemoved: true})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	_, err = env.overlays.Delete(env.ctx, commander, overlay.ID, 2)
	assert.ErrorIs(t, err, syncerr.ErrInvalidTransition)
	_, err = env.overlays.Update(env.ctx, editor, overlay.ID, models.OverlayPatch{Name: ptr("back")}, 2)
	assert.ErrorIs(t, err, syncerr.ErrInvalidTransition)
	_, err = env.overlays.Publish(env.ctx, commander, overlay.ID, 2)
	assert.ErrorIs(t, err, syncerr.ErrInvalidTransition)
}

func TestOverlayService_DeleteNeedsCapability(t *testing.T) {
	env := newTestEnv(t)
	overlay := env.createPOI(t, editor)

	_, err := env.overlays.Delete(env.ctx, editor, overlay.ID, 1)

	assert.ErrorIs(t, err, syncerr.ErrForbidden)
}

func TestOverlayService_RejectsBadGeometry(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.overlays.Create(env.ctx, editor, env.session, CreateOverlayInput{
		Type:     models.OverlayPointOfInterest,
		Geometry: geojson.NewGeometry(orb.LineString{{121, 25}, {121.1, 25.1}}),
	})
	var invalid *syncerr.ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "geometry", invalid.Field)

	overlay := env.createPOI(t, editor)
	_, err = env.overlays.Update(env.ctx, editor, overlay.ID, models.OverlayPatch{
		Geometry: geojson.NewGeometry(orb.Point{200, 25}),
	}, 1)
	assert.ErrorIs(t, err, syncerr.ErrValidation)
}

func TestOverlayService_ListAttachesLocks(t *testing.T) {
	env := newTestEnv(t)
	first := env.createPOI(t, editor)
	env.createPOI(t, editor)
	_, err := env.overlays.AcquireLock(env.ctx, teammate, first.ID, 0)
	require.NoError(t, err)

	overlays, err := env.overlays.List(env.ctx, env.session, models.OverlayFilter{})

	require.NoError(t, err)
	require.Len(t, overlays, 2)
	for _, o := range overlays {
		if o.ID == first.ID {
			require.NotNil(t, o.Lock)
			assert.Equal(t, "bob", o.Lock.Holder)
		} else {
			assert.Nil(t, o.Lock)
		}
	}
}

func TestOverlayService_LockNotices(t *testing.T) {
	// ARRANGE
	env := newTestEnv(t)
	overlay := env.createPOI(t, editor)
	sub := env.broadcaster.Subscribe(env.session, "viewer")
	defer env.broadcaster.Unsubscribe(sub)

	// ACT
	_, err := env.overlays.AcquireLock(env.ctx, editor, overlay.ID, 0)
	require.NoError(t, err)
	_, err = env.overlays.ForceLock(env.ctx, commander, overlay.ID, 0)
	require.NoError(t, err)
	require.NoError(t, env.overlays.ReleaseLock(env.ctx, commander, overlay.ID))

	// ASSERT
	notices := ofType(drain(sub), feed.MessageLock)
	require.Len(t, notices, 3)
	var events []string
	for _, n := range notices {
		events = append(events, decodeNotice[feed.LockNotice](t, n).Event)
	}
	assert.Equal(t, []string{"acquired", "forced", "released"}, events)
}

func TestOverlayService_AuditTrail(t *testing.T) {
	env := newTestEnv(t)
	overlay := env.createPOI(t, editor)
	_, err := env.overlays.Publish(env.ctx, commander, overlay.ID, 1)
	require.NoError(t, err)
	_, err = env.overlays.ForceLock(env.ctx, commander, overlay.ID, 0)
	require.NoError(t, err)
	_, err = env.overlays.Delete(env.ctx, commander, overlay.ID, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"overlay.created",
		"overlay.published",
		"overlay.force_unlock",
		"overlay.removed",
	}, env.auditActions())
}

func TestOverlayService_ChangesSinceReplaysCommits(t *testing.T) {
	env := newTestEnv(t)
	overlay := env.createPOI(t, editor)
	_, err := env.overlays.Update(env.ctx, editor, overlay.ID, models.OverlayPatch{Name: ptr("v2")}, 1)
	require.NoError(t, err)
	_, err = env.overlays.Publish(env.ctx, commander, overlay.ID, 2)
	require.NoError(t, err)

	batch, err := env.broadcaster.ChangesSince(env.ctx, env.session, "")

	require.NoError(t, err)
	require.Len(t, batch.Events, 3)
	for i, e := range batch.Events {
		assert.Equal(t, int64(i+1), e.Version)
	}
	assert.Equal(t, models.ActionPublished, batch.Events[2].Action)
	assert.False(t, batch.HasMore)
}

func TestOverlayService_UnloggedCommitIsRolledBack(t *testing.T) {
	// ARRANGE: the change log rejects the next append
	env := newTestEnv(t)
	overlay := env.createPOI(t, editor)
	sub := env.broadcaster.Subscribe(env.session, "viewer")
	defer env.broadcaster.Unsubscribe(sub)
	env.changes.failNext.Store(1)

	// ACT
	_, err := env.overlays.Update(env.ctx, editor, overlay.ID, models.OverlayPatch{Name: ptr("v2")}, 1)

	// ASSERT: the caller sees the failure and nothing persisted or went out
	require.Error(t, err)
	stored, err := env.overlays.Get(env.ctx, overlay.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, "Shelter", stored.Name)
	assert.Empty(t, ofType(drain(sub), feed.MessageChange))

	// ACT: the same edit once the log recovers
	updated, err := env.overlays.Update(env.ctx, editor, overlay.ID, models.OverlayPatch{Name: ptr("v2")}, 1)

	// ASSERT: every committed version is in the log and was pushed live
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	batch, err := env.broadcaster.ChangesSince(env.ctx, env.session, "")
	require.NoError(t, err)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, int64(2), batch.Events[1].Version)
	live := ofType(drain(sub), feed.MessageChange)
	require.Len(t, live, 1)
	assert.Equal(t, int64(2), live[0].Change.Version)
}

func TestOverlayService_UnloggedCreateLeavesNothingBehind(t *testing.T) {
	env := newTestEnv(t)
	env.changes.failNext.Store(1)

	_, err := env.overlays.Create(env.ctx, editor, env.session, CreateOverlayInput{
		Type:     models.OverlayPointOfInterest,
		Geometry: geojson.NewGeometry(orb.Point{121.56, 25.03}),
	})

	require.Error(t, err)
	overlays, err := env.overlays.List(env.ctx, env.session, models.OverlayFilter{})
	require.NoError(t, err)
	assert.Empty(t, overlays)
	assert.Empty(t, env.auditActions())
}
