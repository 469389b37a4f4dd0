package syncagent

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prudhvinik1/fieldsync/internal/api"
	"github.com/prudhvinik1/fieldsync/internal/api/handlers"
	"github.com/prudhvinik1/fieldsync/internal/feed"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
	"github.com/prudhvinik1/fieldsync/internal/services"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seenRequest is what a canned server recorded about the last request.
type seenRequest struct {
	method string
	path   string
	query  url.Values
	header http.Header
}

func cannedServer(t *testing.T, status int, body string) (*httptest.Server, *seenRequest) {
	t.Helper()
	seen := &seenRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.method = r.Method
		seen.path = r.URL.Path
		seen.query = r.URL.Query()
		seen.header = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(server.Close)
	return server, seen
}

func TestHTTPClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"validation", 400, `{"error":{"code":"VALIDATION_ERROR","message":"bad","field":"name"}}`, syncerr.ErrValidation},
		{"forbidden", 403, `{"error":{"code":"FORBIDDEN","message":"no"}}`, syncerr.ErrForbidden},
		{"not found", 404, `{"error":{"code":"NOT_FOUND","message":"gone"}}`, syncerr.ErrNotFound},
		{"conflict", 409, `{"error":{"code":"CONFLICT","message":"stale","current_version":4}}`, syncerr.ErrConflict},
		{"locked", 423, `{"error":{"code":"LOCK_HELD","message":"held","holder":"bob"}}`, syncerr.ErrLockHeld},
		{"transition", 422, `{"error":{"code":"INVALID_TRANSITION","message":"removed"}}`, syncerr.ErrInvalidTransition},
		{"precondition", 428, `{"error":{"code":"PRECONDITION_REQUIRED","message":"If-Match"}}`, syncerr.ErrPrecondition},
		{"server error", 503, `upstream down`, syncerr.ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// ARRANGE
			server, _ := cannedServer(t, tt.status, tt.body)
			client := NewHTTPClient(server.URL, "token", nil)

			// ACT
			_, err := client.UpdateOverlay(context.Background(), uuid.New(), models.OverlayPatch{Name: ptr("x")}, 3)

			// ASSERT
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPClient_ConflictCarriesServerRecord(t *testing.T) {
	// ARRANGE
	id := uuid.New()
	server, seen := cannedServer(t, http.StatusConflict, `{"error":{"code":"CONFLICT","message":"stale","current_version":4,
		"current":{"id":"`+id.String()+`","type":"point_of_interest","name":"Theirs","version":4,"state":"draft",
		"geometry":{"type":"Point","coordinates":[121.5,25]}}}}`)
	client := NewHTTPClient(server.URL+"/", "secret", nil)

	// ACT
	_, err := client.UpdateOverlay(context.Background(), id, models.OverlayPatch{Name: ptr("Mine")}, 3)

	// ASSERT
	var conflict *syncerr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(4), conflict.CurrentVersion)
	current, ok := conflict.Current.(*models.Overlay)
	require.True(t, ok)
	assert.Equal(t, "Theirs", current.Name)
	assert.Equal(t, orb.Point{121.5, 25}, current.Geometry.Geometry())

	assert.Equal(t, http.MethodPatch, seen.method)
	assert.Equal(t, "/api/v1/overlays/"+id.String(), seen.path)
	assert.Equal(t, `"3"`, seen.header.Get("If-Match"))
	assert.Equal(t, "Bearer secret", seen.header.Get("Authorization"))
}

func TestHTTPClient_UnreachableServerIsNetworkError(t *testing.T) {
	server, _ := cannedServer(t, http.StatusOK, `{}`)
	addr := server.URL
	server.Close()
	client := NewHTTPClient(addr, "token", &http.Client{Timeout: time.Second})

	_, err := client.CreateOverlay(context.Background(), uuid.New(), shelter())

	assert.ErrorIs(t, err, syncerr.ErrNetwork)
}

func TestHTTPClient_ChangesEscapesCursor(t *testing.T) {
	server, seen := cannedServer(t, http.StatusOK, `{"events":[],"next_cursor":"c2VxOjQ","has_more":false}`)
	client := NewHTTPClient(server.URL, "token", nil)
	sessionID := uuid.New()

	page, err := client.Changes(context.Background(), sessionID, "c2VxOjI")

	require.NoError(t, err)
	assert.Equal(t, "c2VxOjQ", page.NextCursor)
	assert.False(t, page.HasMore)
	assert.Equal(t, "/api/v1/sessions/"+sessionID.String()+"/changes", seen.path)
	assert.Equal(t, "c2VxOjI", seen.query.Get("cursor"))
}

// liveServer runs the real API over memory storage.
func liveServer(t *testing.T) (*httptest.Server, *services.AuthService) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	authorizer := services.ClaimsAuthorizer{}

	audit := services.NewAuditSink(repositories.NewMemoryAuditRepository(clock), 64, logger)
	tx := repositories.NewMemoryTxRunner()
	broadcaster := feed.NewBroadcaster(repositories.NewMemoryChangeLogRepository(clock), feed.NewHub(64, logger), feed.LocalTransport{}, 100, logger)
	locks := services.NewLockService(repositories.NewMemoryLockRepository(clock), authorizer, 30*time.Second, 5*time.Minute, logger)
	reports := services.NewReportService(repositories.NewMemoryFieldReportRepository(clock), tx, authorizer, broadcaster, audit, clock, logger)

	h := handlers.New(handlers.Services{
		Overlays: services.NewOverlayService(repositories.NewMemoryOverlayRepository(clock), tx, locks, authorizer, broadcaster, audit, clock, logger),
		Reports:  reports,
		Sos:      services.NewSosService(repositories.NewMemorySosRepository(clock), tx, reports, authorizer, broadcaster, audit, clock, logger),
		Locations: services.NewLocationService(
			repositories.NewMemoryLocationRepository(clock, 15*time.Minute),
			broadcaster,
			services.LocationSettings{StaleAfter: time.Minute, ThrottleInterval: 2 * time.Second, ThrottleDistanceM: 3},
			clock,
			logger,
		),
		Presence: services.NewPresenceService(repositories.NewMemoryPresenceRepository(clock), broadcaster, clock, logger),
		Feed:     broadcaster,
	}, logger)

	auth := services.NewAuthService("test-secret", time.Hour, clock)
	server := httptest.NewServer(api.NewRouter(h, auth, logger))
	t.Cleanup(server.Close)
	return server, auth
}

func TestHTTPClient_TwoAgentsConvergeThroughServer(t *testing.T) {
	// ARRANGE
	server, auth := liveServer(t)
	ctx := context.Background()
	sessionID := uuid.New()
	newAgent := func(actor models.Actor) *Agent {
		token, _, err := auth.IssueToken(actor)
		require.NoError(t, err)
		return New(NewHTTPClient(server.URL, token, nil), sessionID, Options{
			Backoff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		})
	}
	alice := newAgent(fieldUser)
	bob := newAgent(otherUser)

	temp := alice.OptimisticCreate(Draft{
		Type:     models.OverlayHazard,
		Name:     "Flooded underpass",
		Geometry: geojson.NewGeometry(orb.Point{121.52, 25.05}),
		Properties: models.OverlayProperties{
			HazardType: "flood",
			Severity:   3,
		},
	})
	_, err := alice.Flush(ctx)
	require.NoError(t, err)
	id, ok := alice.ResolveID(temp)
	require.True(t, ok)

	applied, err := bob.CatchUp(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	// ACT: both rename from version 1, alice reaches the server first
	_, err = alice.OptimisticUpdate(id, models.OverlayPatch{Name: ptr("Underpass closed")})
	require.NoError(t, err)
	_, err = bob.OptimisticUpdate(id, models.OverlayPatch{Name: ptr("Underpass flooded")})
	require.NoError(t, err)
	aliceReport, err := alice.Flush(ctx)
	require.NoError(t, err)
	bobReport, err := bob.Flush(ctx)
	require.NoError(t, err)

	// ASSERT
	assert.Equal(t, 1, aliceReport.Confirmed)
	assert.Equal(t, 1, bobReport.Superseded)
	fromAlice, _ := alice.Get(id)
	fromBob, _ := bob.Get(id)
	assert.Equal(t, "Underpass closed", fromAlice.Name)
	assert.Equal(t, "Underpass closed", fromBob.Name)
	assert.Equal(t, int64(2), fromBob.Version)
	assert.Equal(t, 3, fromBob.Properties.Severity)
}
