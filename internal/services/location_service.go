package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/prudhvinik1/fieldsync/internal/feed"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

const (
	// movementWindow is how long a barely-moving sender stays suppressed.
	movementWindow    = 10 * time.Second
	throttleCacheSize = 4096
)

type LocationSettings struct {
	StaleAfter        time.Duration
	ThrottleInterval  time.Duration
	ThrottleDistanceM float64
}

type UpdateLocationInput struct {
	Location  orb.Point          `json:"location"`
	AccuracyM *float64           `json:"accuracy_m,omitempty" validate:"omitempty,min=0"`
	Heading   *float64           `json:"heading,omitempty" validate:"omitempty,min=0,max=360"`
	Speed     *float64           `json:"speed,omitempty" validate:"omitempty,min=0"`
	Mode      models.SharingMode `json:"mode,omitempty" validate:"omitempty,oneof=mission sos"`
}

type broadcastMark struct {
	point orb.Point
	at    time.Time
}

// LocationService stores live location samples and fans them out to the
// session, throttled per sender.
type LocationService struct {
	repo     repositories.LocationRepository
	emitter  ChangeEmitter
	settings LocationSettings
	throttle *expirable.LRU[string, broadcastMark]
	clock    clockwork.Clock
	logger   *slog.Logger
}

func NewLocationService(repo repositories.LocationRepository, emitter ChangeEmitter, settings LocationSettings, clock clockwork.Clock, logger *slog.Logger) *LocationService {
	return &LocationService{
		repo:     repo,
		emitter:  emitter,
		settings: settings,
		throttle: expirable.NewLRU[string, broadcastMark](throttleCacheSize, nil, movementWindow),
		clock:    clock,
		logger:   logger,
	}
}

// Update records actor's latest position. The sample is always stored; the
// broadcast is skipped when the sender is throttled.
func (s *LocationService) Update(ctx context.Context, actor models.Actor, sessionID uuid.UUID, input UpdateLocationInput) (*models.LiveLocationSample, error) {
	if err := validateStruct(input); err != nil {
		return nil, err
	}
	if err := validatePoint("location", input.Location); err != nil {
		return nil, err
	}

	sample := &models.LiveLocationSample{
		SessionID:   sessionID,
		UserID:      actor.ID,
		DisplayName: actor.Name,
		Location:    input.Location,
		AccuracyM:   input.AccuracyM,
		Heading:     input.Heading,
		Speed:       input.Speed,
		Mode:        input.Mode,
		LastSeenAt:  s.clock.Now().UTC(),
	}
	if sample.Mode == "" {
		sample.Mode = models.SharingMission
	}
	if err := s.repo.Upsert(ctx, sample); err != nil {
		return nil, fmt.Errorf("failed to store location: %w", err)
	}

	if s.shouldBroadcast(throttleKey(sessionID, actor.ID), sample) {
		notice := feed.LocationsNotice{Locations: []models.LocationView{{LiveLocationSample: *sample}}}
		if err := s.emitter.Notify(ctx, sessionID, feed.MessageLocations, notice); err != nil {
			s.logger.Warn("failed to broadcast location", slog.String("user_id", actor.ID), slog.Any("error", err))
		}
	}
	return sample, nil
}

// shouldBroadcast allows one broadcast per throttle interval, and holds back
// samples that moved less than the distance threshold within the movement
// window. SOS samples always go out.
func (s *LocationService) shouldBroadcast(key string, sample *models.LiveLocationSample) bool {
	now := sample.LastSeenAt
	last, ok := s.throttle.Get(key)
	if ok && sample.Mode != models.SharingSos {
		elapsed := now.Sub(last.at)
		if elapsed < s.settings.ThrottleInterval {
			return false
		}
		if elapsed < movementWindow && geo.DistanceHaversine(last.point, sample.Location) < s.settings.ThrottleDistanceM {
			return false
		}
	}
	s.throttle.Add(key, broadcastMark{point: sample.Location, at: now})
	return true
}

// List returns every retained sample in the session with its derived
// staleness.
func (s *LocationService) List(ctx context.Context, sessionID uuid.UUID) ([]models.LocationView, error) {
	samples, err := s.repo.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	return ClassifyLocations(samples, s.clock.Now(), s.settings.StaleAfter), nil
}

func (s *LocationService) Get(ctx context.Context, sessionID uuid.UUID, userID string) (*models.LocationView, error) {
	sample, err := s.repo.Get(ctx, sessionID, userID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("location of %s: %w", userID, syncerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	view := ClassifyLocations([]models.LiveLocationSample{*sample}, s.clock.Now(), s.settings.StaleAfter)[0]
	return &view, nil
}

// StopSharing forgets actor's sample and tells the session.
func (s *LocationService) StopSharing(ctx context.Context, actor models.Actor, sessionID uuid.UUID) error {
	if err := s.repo.Delete(ctx, sessionID, actor.ID); err != nil {
		return fmt.Errorf("failed to stop sharing: %w", err)
	}
	s.throttle.Remove(throttleKey(sessionID, actor.ID))

	views, err := s.List(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.emitter.Notify(ctx, sessionID, feed.MessageLocations, feed.LocationsNotice{Locations: views}); err != nil {
		s.logger.Warn("failed to broadcast locations", slog.Any("error", err))
	}
	return nil
}

// ClassifyLocations derives the stale flag for each sample. A sample is stale
// once threshold has elapsed since it was last seen. The samples themselves
// are never modified.
func ClassifyLocations(samples []models.LiveLocationSample, now time.Time, threshold time.Duration) []models.LocationView {
	views := make([]models.LocationView, len(samples))
	for i, sample := range samples {
		views[i] = models.LocationView{
			LiveLocationSample: sample,
			Stale:              now.Sub(sample.LastSeenAt) > threshold,
		}
	}
	return views
}

func throttleKey(sessionID uuid.UUID, userID string) string {
	return sessionID.String() + ":" + userID
}
