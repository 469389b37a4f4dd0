package repositories

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

// The in-memory repositories back STORAGE=memory and the service tests. They
// honor the same compare-and-swap contract as the Postgres ones.

type record[T any] interface {
	*T
	Clone() *T
	CurrentVersion() int64
}

type table[T any, P record[T]] struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]P
}

func newTable[T any, P record[T]]() *table[T, P] {
	return &table[T, P]{rows: make(map[uuid.UUID]P)}
}

// insert stores row unless clash reports a conflicting row already present.
func (t *table[T, P]) insert(ctx context.Context, id uuid.UUID, row P, clash func(P) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if clash != nil {
		for _, existing := range t.rows {
			if clash(existing) {
				return ErrAlreadyExists
			}
		}
	}
	t.rows[id] = P(row.Clone())
	onRollback(ctx, func() { t.restore(id, nil) })
	return nil
}

// restore puts row back under id, or drops id when row is nil.
func (t *table[T, P]) restore(id uuid.UUID, row P) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row == nil {
		delete(t.rows, id)
		return
	}
	t.rows[id] = row
}

func (t *table[T, P]) get(id uuid.UUID) (P, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return P(row.Clone()), nil
}

func (t *table[T, P]) list(match func(P) bool) []P {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []P
	for _, row := range t.rows {
		if match(row) {
			out = append(out, P(row.Clone()))
		}
	}
	return out
}

// swap stores next when the current version equals expected. stamp writes the
// bumped version and timestamp into next before it is stored.
func (t *table[T, P]) swap(ctx context.Context, id uuid.UUID, next P, expected int64, stamp func(P)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.rows[id]
	if !ok {
		return ErrNotFound
	}
	if current.CurrentVersion() != expected {
		return ErrVersionConflict
	}
	stamp(next)
	t.rows[id] = P(next.Clone())
	onRollback(ctx, func() { t.restore(id, current) })
	return nil
}

func (t *table[T, P]) remove(ctx context.Context, id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.rows[id]
	if !ok {
		return ErrNotFound
	}
	delete(t.rows, id)
	onRollback(ctx, func() { t.restore(id, current) })
	return nil
}

type MemoryOverlayRepository struct {
	rows  *table[models.Overlay, *models.Overlay]
	clock clockwork.Clock
}

func NewMemoryOverlayRepository(clock clockwork.Clock) *MemoryOverlayRepository {
	return &MemoryOverlayRepository{rows: newTable[models.Overlay, *models.Overlay](), clock: clock}
}

func (r *MemoryOverlayRepository) Create(ctx context.Context, overlay *models.Overlay) error {
	if overlay.ID == uuid.Nil {
		overlay.ID = uuid.New()
	}
	now := r.clock.Now()
	overlay.Version = 1
	overlay.CreatedAt = now
	overlay.UpdatedAt = now
	overlay.UpdatedBy = overlay.CreatedBy
	return r.rows.insert(ctx, overlay.ID, overlay, nil)
}

func (r *MemoryOverlayRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Overlay, error) {
	return r.rows.get(id)
}

func (r *MemoryOverlayRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, filter models.OverlayFilter) ([]*models.Overlay, error) {
	overlays := r.rows.list(func(o *models.Overlay) bool {
		return o.SessionID == sessionID && filter.Matches(o)
	})
	slices.SortFunc(overlays, func(a, b *models.Overlay) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return overlays, nil
}

func (r *MemoryOverlayRepository) CompareAndSwap(ctx context.Context, next *models.Overlay, expectedVersion int64) error {
	return r.rows.swap(ctx, next.ID, next, expectedVersion, func(o *models.Overlay) {
		o.Version = expectedVersion + 1
		o.UpdatedAt = r.clock.Now()
	})
}

func (r *MemoryOverlayRepository) Purge(ctx context.Context, id uuid.UUID) error {
	return r.rows.remove(ctx, id)
}

type MemoryFieldReportRepository struct {
	rows  *table[models.FieldReport, *models.FieldReport]
	clock clockwork.Clock
}

func NewMemoryFieldReportRepository(clock clockwork.Clock) *MemoryFieldReportRepository {
	return &MemoryFieldReportRepository{rows: newTable[models.FieldReport, *models.FieldReport](), clock: clock}
}

func (r *MemoryFieldReportRepository) Create(ctx context.Context, report *models.FieldReport) error {
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	now := r.clock.Now()
	report.Version = 1
	report.CreatedAt = now
	report.UpdatedAt = now
	report.UpdatedBy = report.ReporterID
	return r.rows.insert(ctx, report.ID, report, nil)
}

func (r *MemoryFieldReportRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.FieldReport, error) {
	return r.rows.get(id)
}

func (r *MemoryFieldReportRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, filter models.FieldReportFilter) ([]*models.FieldReport, error) {
	reports := r.rows.list(func(fr *models.FieldReport) bool {
		return fr.SessionID == sessionID && filter.Matches(fr)
	})
	slices.SortFunc(reports, func(a, b *models.FieldReport) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	if filter.Limit > 0 && len(reports) > filter.Limit {
		reports = reports[:filter.Limit]
	}
	return reports, nil
}

func (r *MemoryFieldReportRepository) CompareAndSwap(ctx context.Context, next *models.FieldReport, expectedVersion int64) error {
	return r.rows.swap(ctx, next.ID, next, expectedVersion, func(fr *models.FieldReport) {
		fr.Version = expectedVersion + 1
		fr.UpdatedAt = r.clock.Now()
	})
}

type MemorySosRepository struct {
	rows  *table[models.SosSignal, *models.SosSignal]
	clock clockwork.Clock
}

func NewMemorySosRepository(clock clockwork.Clock) *MemorySosRepository {
	return &MemorySosRepository{rows: newTable[models.SosSignal, *models.SosSignal](), clock: clock}
}

func (r *MemorySosRepository) Create(ctx context.Context, signal *models.SosSignal) error {
	if signal.ID == uuid.Nil {
		signal.ID = uuid.New()
	}
	now := r.clock.Now()
	signal.Version = 1
	signal.CreatedAt = now
	signal.UpdatedAt = now
	// One open signal per user and session.
	return r.rows.insert(ctx, signal.ID, signal, func(existing *models.SosSignal) bool {
		return existing.SessionID == signal.SessionID && existing.UserID == signal.UserID && !existing.Status.IsTerminal()
	})
}

func (r *MemorySosRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SosSignal, error) {
	return r.rows.get(id)
}

func (r *MemorySosRepository) ListActive(ctx context.Context, sessionID uuid.UUID) ([]*models.SosSignal, error) {
	signals := r.rows.list(func(s *models.SosSignal) bool {
		return s.SessionID == sessionID && !s.Status.IsTerminal()
	})
	slices.SortFunc(signals, func(a, b *models.SosSignal) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return signals, nil
}

func (r *MemorySosRepository) ActiveByUser(ctx context.Context, sessionID uuid.UUID, userID string) (*models.SosSignal, error) {
	signals := r.rows.list(func(s *models.SosSignal) bool {
		return s.SessionID == sessionID && s.UserID == userID && !s.Status.IsTerminal()
	})
	if len(signals) == 0 {
		return nil, ErrNotFound
	}
	return signals[0], nil
}

func (r *MemorySosRepository) CompareAndSwap(ctx context.Context, next *models.SosSignal, expectedVersion int64) error {
	return r.rows.swap(ctx, next.ID, next, expectedVersion, func(s *models.SosSignal) {
		s.Version = expectedVersion + 1
		s.UpdatedAt = r.clock.Now()
	})
}

type MemoryChangeLogRepository struct {
	mu     sync.RWMutex
	events []*models.ChangeEvent
	clock  clockwork.Clock
}

func NewMemoryChangeLogRepository(clock clockwork.Clock) *MemoryChangeLogRepository {
	return &MemoryChangeLogRepository{clock: clock}
}

// Append assigns the sequence when the surrounding unit commits, so sequence
// order is commit order and readers never see an event that is rolled back.
func (r *MemoryChangeLogRepository) Append(ctx context.Context, event *models.ChangeEvent) error {
	afterCommit(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		event.Sequence = int64(len(r.events)) + 1
		event.CommittedAt = r.clock.Now()
		stored := *event
		r.events = append(r.events, &stored)
	})
	return nil
}

func (r *MemoryChangeLogRepository) GetSinceSequence(ctx context.Context, sessionID uuid.UUID, sequence int64, limit int) ([]*models.ChangeEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.ChangeEvent
	start := max(sequence, 0)
	for _, e := range r.events[min(start, int64(len(r.events))):] {
		if e.SessionID != sessionID {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type MemoryLockRepository struct {
	mu    sync.Mutex
	locks map[string]models.Lock
	clock clockwork.Clock
}

func NewMemoryLockRepository(clock clockwork.Clock) *MemoryLockRepository {
	return &MemoryLockRepository{locks: make(map[string]models.Lock), clock: clock}
}

func (r *MemoryLockRepository) live(resourceID string, now time.Time) (models.Lock, bool) {
	lock, ok := r.locks[resourceID]
	if !ok || lock.ExpiredAt(now) {
		return models.Lock{}, false
	}
	return lock, true
}

func (r *MemoryLockRepository) Acquire(ctx context.Context, resourceID, holder string, ttl time.Duration) (*models.Lock, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	current, ok := r.live(resourceID, now)
	if ok && current.Holder != holder {
		return &current, false, nil
	}
	lock := models.Lock{ResourceID: resourceID, Holder: holder, Token: uuid.NewString(), AcquiredAt: now}
	if ok {
		lock.Token = current.Token
		lock.AcquiredAt = current.AcquiredAt
	}
	lock.ExpiresAt = now.Add(ttl)
	r.locks[resourceID] = lock
	return &lock, true, nil
}

func (r *MemoryLockRepository) ForceAcquire(ctx context.Context, resourceID, holder string, ttl time.Duration) (*models.Lock, *models.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var previous *models.Lock
	if current, ok := r.live(resourceID, now); ok {
		previous = &current
	}
	lock := models.Lock{
		ResourceID: resourceID,
		Holder:     holder,
		Token:      uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	r.locks[resourceID] = lock
	return &lock, previous, nil
}

func (r *MemoryLockRepository) Release(ctx context.Context, resourceID, holder string) (*models.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.live(resourceID, r.clock.Now())
	if ok && current.Holder != holder {
		return &current, nil
	}
	delete(r.locks, resourceID)
	return nil, nil
}

func (r *MemoryLockRepository) Get(ctx context.Context, resourceID string) (*models.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.live(resourceID, r.clock.Now())
	if !ok {
		return nil, ErrNotFound
	}
	return &lock, nil
}

func (r *MemoryLockRepository) GetMany(ctx context.Context, resourceIDs []string) (map[string]models.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	out := make(map[string]models.Lock)
	for _, id := range resourceIDs {
		if lock, ok := r.live(id, now); ok {
			out[id] = lock
		}
	}
	return out, nil
}

func (r *MemoryLockRepository) Delete(ctx context.Context, resourceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, resourceID)
	return nil
}

type sessionUser struct {
	session uuid.UUID
	user    string
}

type MemoryPresenceRepository struct {
	mu       sync.Mutex
	presence map[sessionUser]models.Presence
	clock    clockwork.Clock
}

func NewMemoryPresenceRepository(clock clockwork.Clock) *MemoryPresenceRepository {
	return &MemoryPresenceRepository{presence: make(map[sessionUser]models.Presence), clock: clock}
}

func (r *MemoryPresenceRepository) SetPresence(ctx context.Context, presence *models.Presence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	presence.LastSeen = r.clock.Now()
	r.presence[sessionUser{presence.SessionID, presence.UserID}] = *presence
	return nil
}

func (r *MemoryPresenceRepository) DeletePresence(ctx context.Context, sessionID uuid.UUID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.presence, sessionUser{sessionID, userID})
	return nil
}

func (r *MemoryPresenceRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Presence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var out []models.Presence
	for key, p := range r.presence {
		if key.session != sessionID {
			continue
		}
		if now.Sub(p.LastSeen) >= presenceTTL {
			delete(r.presence, key)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

type MemoryLocationRepository struct {
	mu        sync.Mutex
	samples   map[sessionUser]models.LiveLocationSample
	stored    map[sessionUser]time.Time
	retention time.Duration
	clock     clockwork.Clock
}

func NewMemoryLocationRepository(clock clockwork.Clock, retention time.Duration) *MemoryLocationRepository {
	return &MemoryLocationRepository{
		samples:   make(map[sessionUser]models.LiveLocationSample),
		stored:    make(map[sessionUser]time.Time),
		retention: retention,
		clock:     clock,
	}
}

func (r *MemoryLocationRepository) Upsert(ctx context.Context, sample *models.LiveLocationSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionUser{sample.SessionID, sample.UserID}
	r.samples[key] = *sample
	r.stored[key] = r.clock.Now()
	return nil
}

func (r *MemoryLocationRepository) expired(key sessionUser, now time.Time) bool {
	return r.retention > 0 && now.Sub(r.stored[key]) >= r.retention
}

func (r *MemoryLocationRepository) Get(ctx context.Context, sessionID uuid.UUID, userID string) (*models.LiveLocationSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionUser{sessionID, userID}
	sample, ok := r.samples[key]
	if !ok || r.expired(key, r.clock.Now()) {
		return nil, ErrNotFound
	}
	return &sample, nil
}

func (r *MemoryLocationRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.LiveLocationSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var out []models.LiveLocationSample
	for key, sample := range r.samples {
		if key.session != sessionID {
			continue
		}
		if r.expired(key, now) {
			delete(r.samples, key)
			delete(r.stored, key)
			continue
		}
		out = append(out, sample)
	}
	return out, nil
}

func (r *MemoryLocationRepository) Delete(ctx context.Context, sessionID uuid.UUID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionUser{sessionID, userID}
	delete(r.samples, key)
	delete(r.stored, key)
	return nil
}

type MemoryAuditRepository struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	clock   clockwork.Clock
}

func NewMemoryAuditRepository(clock clockwork.Clock) *MemoryAuditRepository {
	return &MemoryAuditRepository{clock: clock}
}

func (r *MemoryAuditRepository) Insert(ctx context.Context, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = r.clock.Now()
	r.entries = append(r.entries, *entry)
	return nil
}

// Entries returns a copy of everything written so far.
func (r *MemoryAuditRepository) Entries() []models.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}
