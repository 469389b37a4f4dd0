// Package syncagent is the client side of overlay synchronization. An Agent
// keeps a local mirror of a session's overlays, applies edits to it before
// the server confirms them, and reconciles the mirror with the server's
// answers and with the change feed.
package syncagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrInFlight         = errors.New("operation is in flight")
	ErrDependencyFailed = errors.New("depends on a failed create")
)

const (
	tempPrefix         = "tmp-"
	defaultMaxAttempts = 3
)

type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

type OperationStatus string

const (
	OpPending   OperationStatus = "pending"
	OpConfirmed OperationStatus = "confirmed"
	OpFailed    OperationStatus = "failed"
	// OpSuperseded marks an edit dropped because the server's state won.
	OpSuperseded OperationStatus = "superseded"
)

// Draft is the content of an overlay created locally.
type Draft struct {
	Type       models.OverlayType       `json:"type"`
	Code       string                   `json:"code,omitempty"`
	Name       string                   `json:"name,omitempty"`
	Geometry   *geojson.Geometry        `json:"geometry"`
	Properties models.OverlayProperties `json:"properties"`
}

func (d Draft) overlay(sessionID uuid.UUID) *models.Overlay {
	o := &models.Overlay{
		SessionID:  sessionID,
		Type:       d.Type,
		Code:       d.Code,
		Name:       d.Name,
		Geometry:   d.Geometry,
		Properties: d.Properties,
		State:      models.OverlayDraft,
	}
	return o.Clone()
}

// PendingOperation is a local edit waiting for the server. TargetID is a
// temporary id until the create it refers to is confirmed.
type PendingOperation struct {
	ID          string
	Kind        OperationKind
	TargetID    string
	Draft       *Draft
	Patch       models.OverlayPatch
	BaseVersion int64
	Snapshot    *models.Overlay
	Attempts    int
	Status      OperationStatus
	LastError   error
}

// Page is one page of the server's change log.
type Page struct {
	Events     []*models.ChangeEvent `json:"events"`
	NextCursor string                `json:"next_cursor"`
	HasMore    bool                  `json:"has_more"`
}

// Remote is the server surface the agent needs.
type Remote interface {
	CreateOverlay(ctx context.Context, sessionID uuid.UUID, draft Draft) (*models.Overlay, error)
	UpdateOverlay(ctx context.Context, id uuid.UUID, patch models.OverlayPatch, expectedVersion int64) (*models.Overlay, error)
	DeleteOverlay(ctx context.Context, id uuid.UUID, expectedVersion int64) (*models.Overlay, error)
	Changes(ctx context.Context, sessionID uuid.UUID, cursor string) (*Page, error)
}

type Options struct {
	// Policy decides conflicts. Defaults to ServerWins.
	Policy ConflictPolicy
	// MaxAttempts bounds the requests made for one operation before it is
	// marked failed. Defaults to 3.
	MaxAttempts int
	// Backoff builds the wait schedule between network retries.
	Backoff func() backoff.BackOff
	Logger  *slog.Logger
}

// FlushReport counts what one Flush did.
type FlushReport struct {
	Confirmed  int
	Superseded int
	Failed     int
}

type Agent struct {
	remote      Remote
	sessionID   uuid.UUID
	policy      ConflictPolicy
	maxAttempts int
	newBackoff  func() backoff.BackOff
	logger      *slog.Logger

	flushMu sync.Mutex

	mu        sync.Mutex
	base      map[string]*models.Overlay
	mirror    map[string]*models.Overlay
	aliases   map[string]string
	queue     []*PendingOperation
	failed    []*PendingOperation
	inflight  *PendingOperation
	conflicts []ConflictRecord
	cursor    string
}

func New(remote Remote, sessionID uuid.UUID, opts Options) *Agent {
	if opts.Policy == nil {
		opts.Policy = ServerWins
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Agent{
		remote:      remote,
		sessionID:   sessionID,
		policy:      opts.Policy,
		maxAttempts: opts.MaxAttempts,
		newBackoff:  opts.Backoff,
		logger:      opts.Logger.With(slog.String("component", "syncagent"), slog.String("session_id", sessionID.String())),
		base:        make(map[string]*models.Overlay),
		mirror:      make(map[string]*models.Overlay),
		aliases:     make(map[string]string),
	}
}

func IsTemporaryID(key string) bool {
	return strings.HasPrefix(key, tempPrefix)
}

// OptimisticCreate shows draft in the mirror under a temporary id and queues
// the create.
func (a *Agent) OptimisticCreate(draft Draft) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := tempPrefix + uuid.NewString()
	op := a.enqueue(OpCreate, key, nil)
	op.Draft = &draft
	a.rebuild(key)
	return key
}

// OptimisticUpdate applies patch to the mirror and queues it. It returns the
// operation id.
func (a *Agent) OptimisticUpdate(key string, patch models.OverlayPatch) (string, error) {
	if patch.IsEmpty() {
		return "", syncerr.Invalid("patch", "must change at least one field")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key = a.resolve(key)
	current, ok := a.mirror[key]
	if !ok {
		return "", fmt.Errorf("overlay %s: %w", key, syncerr.ErrNotFound)
	}
	op := a.enqueue(OpUpdate, key, current)
	op.Patch = patch
	op.BaseVersion = current.Version
	a.rebuild(key)
	return op.ID, nil
}

// OptimisticDelete hides the overlay and queues the delete. Deleting an
// overlay whose create never left the client withdraws the create instead,
// and the returned operation id is empty.
func (a *Agent) OptimisticDelete(key string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key = a.resolve(key)
	current, ok := a.mirror[key]
	if !ok {
		return "", fmt.Errorf("overlay %s: %w", key, syncerr.ErrNotFound)
	}

	if IsTemporaryID(key) && (a.inflight == nil || a.inflight.TargetID != key) {
		a.queue = slices.DeleteFunc(a.queue, func(op *PendingOperation) bool { return op.TargetID == key })
		a.rebuild(key)
		return "", nil
	}

	op := a.enqueue(OpDelete, key, current)
	op.BaseVersion = current.Version
	a.rebuild(key)
	return op.ID, nil
}

// Flush sends queued operations in order until the queue is empty or ctx is
// done. An operation interrupted by ctx stays queued.
func (a *Agent) Flush(ctx context.Context) (FlushReport, error) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	var report FlushReport
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		op := a.begin()
		if op == nil {
			return report, nil
		}

		switch a.process(ctx, op) {
		case OpConfirmed:
			report.Confirmed++
		case OpSuperseded:
			report.Superseded++
		case OpFailed:
			report.Failed++
		default:
			return report, ctx.Err()
		}
	}
}

func (a *Agent) begin() *PendingOperation {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return nil
	}
	a.inflight = a.queue[0]
	return a.inflight
}

// process drives one operation to an outcome. It returns OpPending when ctx
// ended the attempt.
func (a *Agent) process(ctx context.Context, op *PendingOperation) OperationStatus {
	defer func() {
		a.mu.Lock()
		a.inflight = nil
		a.mu.Unlock()
	}()

	for {
		server, err := a.send(ctx, op)
		if err == nil {
			a.confirm(op, server)
			return OpConfirmed
		}
		if ctx.Err() != nil {
			return OpPending
		}

		var conflict *syncerr.ConflictError
		if errors.As(err, &conflict) && op.Attempts < a.maxAttempts {
			if current, ok := conflict.Current.(*models.Overlay); ok && current != nil {
				if a.reconcile(op, current) {
					continue
				}
				return OpSuperseded
			}
		}
		a.fail(op, err)
		return OpFailed
	}
}

type request struct {
	kind   OperationKind
	target string
	draft  Draft
	patch  models.OverlayPatch
	base   int64
}

// send makes the request, retrying network failures with backoff while the
// operation has attempts left. Any other error ends the retries.
func (a *Agent) send(ctx context.Context, op *PendingOperation) (*models.Overlay, error) {
	retries := a.maxAttempts - op.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(a.newBackoff(), uint64(retries)), ctx)

	return backoff.RetryWithData(func() (*models.Overlay, error) {
		req := a.prepare(op)
		server, err := a.call(ctx, req)
		if err == nil {
			return server, nil
		}
		if !errors.Is(err, syncerr.ErrNetwork) {
			return nil, backoff.Permanent(err)
		}
		a.logger.Warn("sync request failed",
			slog.String("op_id", op.ID),
			slog.String("kind", string(req.kind)),
			slog.Int("attempt", op.Attempts),
			slog.Any("error", err),
		)
		return nil, err
	}, b)
}

func (a *Agent) prepare(op *PendingOperation) request {
	a.mu.Lock()
	defer a.mu.Unlock()
	op.Attempts++
	req := request{kind: op.Kind, target: op.TargetID, patch: op.Patch, base: op.BaseVersion}
	if op.Draft != nil {
		req.draft = *op.Draft
	}
	return req
}

func (a *Agent) call(ctx context.Context, req request) (*models.Overlay, error) {
	if req.kind == OpCreate {
		return a.remote.CreateOverlay(ctx, a.sessionID, req.draft)
	}
	id, err := uuid.Parse(req.target)
	if err != nil {
		return nil, fmt.Errorf("overlay %s: %w", req.target, ErrDependencyFailed)
	}
	if req.kind == OpDelete {
		return a.remote.DeleteOverlay(ctx, id, req.base)
	}
	return a.remote.UpdateOverlay(ctx, id, req.patch, req.base)
}

// confirm records the server's answer. A create's temporary id is remapped
// and every later operation on the record is rebased on the new version.
func (a *Agent) confirm(op *PendingOperation, server *models.Overlay) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := server.ID.String()
	if op.TargetID != key {
		temp := op.TargetID
		a.aliases[temp] = key
		for _, later := range a.queue {
			if later.TargetID == temp {
				later.TargetID = key
			}
		}
		delete(a.mirror, temp)
	}

	a.dequeue(op)
	op.Status = OpConfirmed
	for _, later := range a.queue {
		if later.TargetID == key {
			later.BaseVersion = server.Version
		}
	}
	a.accept(server)
	a.rebuild(key)

	a.logger.Debug("operation confirmed",
		slog.String("op_id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.String("overlay_id", key),
		slog.Int64("version", server.Version),
	)
}

// reconcile applies the conflict policy. It reports whether the operation
// should be sent again.
func (a *Agent) reconcile(op *PendingOperation, server *models.Overlay) bool {
	a.mu.Lock()
	var local *models.Overlay
	if m, ok := a.mirror[op.TargetID]; ok {
		local = m.Clone()
	}
	snapshot := *op
	a.mu.Unlock()

	resolution := a.policy.Resolve(Conflict{Operation: snapshot, Local: local, Server: server.Clone()})

	a.mu.Lock()
	defer a.mu.Unlock()

	if resolution == Merge && op.Kind == OpUpdate {
		merged := mergePatch(op.Patch, local)
		if merged.IsEmpty() {
			resolution = KeepServer
		} else {
			op.Patch = merged
		}
	}
	a.conflicts = append(a.conflicts, ConflictRecord{
		OperationID:   op.ID,
		TargetID:      op.TargetID,
		Kind:          op.Kind,
		LocalVersion:  op.BaseVersion,
		ServerVersion: server.Version,
		Resolution:    resolution,
	})
	a.logger.Info("conflict resolved",
		slog.String("op_id", op.ID),
		slog.String("overlay_id", op.TargetID),
		slog.Int64("local_version", op.BaseVersion),
		slog.Int64("server_version", server.Version),
		slog.String("resolution", string(resolution)),
	)

	a.accept(server)
	switch resolution {
	case KeepLocal, Merge:
		op.BaseVersion = server.Version
		a.rebuild(op.TargetID)
		return true
	default:
		a.dequeue(op)
		op.Status = OpSuperseded
		a.rebuild(op.TargetID)
		return false
	}
}

// fail rolls the mirror back and parks the operation for user action. Edits
// queued on top of a failed create fail with it.
func (a *Agent) fail(op *PendingOperation, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.dequeue(op)
	a.park(op, err)
	if op.Kind == OpCreate {
		for _, dep := range slices.Clone(a.queue) {
			if dep.TargetID == op.TargetID {
				a.dequeue(dep)
				a.park(dep, ErrDependencyFailed)
			}
		}
	}
	a.rebuild(op.TargetID)

	a.logger.Warn("operation failed",
		slog.String("op_id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.String("overlay_id", op.TargetID),
		slog.Int("attempts", op.Attempts),
		slog.Any("error", err),
	)
}

func (a *Agent) park(op *PendingOperation, err error) {
	op.Status = OpFailed
	op.LastError = err
	a.failed = append(a.failed, op)
}

// Withdraw cancels a queued operation that has not been sent yet and reverts
// its effect on the mirror. Withdrawing a create withdraws the edits queued
// on top of it.
func (a *Agent) Withdraw(opID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := slices.IndexFunc(a.queue, func(op *PendingOperation) bool { return op.ID == opID })
	if i < 0 {
		return fmt.Errorf("withdraw %s: %w", opID, ErrUnknownOperation)
	}
	op := a.queue[i]
	if op == a.inflight {
		return fmt.Errorf("withdraw %s: %w", opID, ErrInFlight)
	}

	a.queue = slices.Delete(a.queue, i, i+1)
	if op.Kind == OpCreate {
		a.queue = slices.DeleteFunc(a.queue, func(dep *PendingOperation) bool { return dep.TargetID == op.TargetID })
	}
	a.rebuild(op.TargetID)
	return nil
}

// Retry queues a failed operation again with a fresh attempt budget. Updates
// and deletes are rebased on the mirror's current version.
func (a *Agent) Retry(opID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := slices.IndexFunc(a.failed, func(op *PendingOperation) bool { return op.ID == opID })
	if i < 0 {
		return fmt.Errorf("retry %s: %w", opID, ErrUnknownOperation)
	}
	op := a.failed[i]

	if op.Kind != OpCreate {
		op.TargetID = a.resolve(op.TargetID)
		current, ok := a.mirror[op.TargetID]
		if !ok {
			if IsTemporaryID(op.TargetID) {
				return fmt.Errorf("retry %s: %w", opID, ErrDependencyFailed)
			}
			return fmt.Errorf("retry %s: overlay %s: %w", opID, op.TargetID, syncerr.ErrNotFound)
		}
		op.BaseVersion = current.Version
		op.Snapshot = current.Clone()
	}

	a.failed = slices.Delete(a.failed, i, i+1)
	op.Attempts = 0
	op.Status = OpPending
	op.LastError = nil
	a.queue = append(a.queue, op)
	a.rebuild(op.TargetID)
	return nil
}

// Discard forgets a failed operation.
func (a *Agent) Discard(opID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := slices.IndexFunc(a.failed, func(op *PendingOperation) bool { return op.ID == opID })
	if i < 0 {
		return fmt.Errorf("discard %s: %w", opID, ErrUnknownOperation)
	}
	a.failed = slices.Delete(a.failed, i, i+1)
	return nil
}

// ApplyRemote folds a change-feed event into the mirror. Events at or below
// the version already known for the record are ignored, so replays are
// harmless. It reports whether the event changed anything.
func (a *Agent) ApplyRemote(event *models.ChangeEvent) bool {
	if event == nil || event.ResourceType != models.ResourceOverlay || event.SessionID != a.sessionID {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := event.ResourceID.String()
	if known, ok := a.base[key]; ok && known.Version >= event.Version {
		return false
	}
	var overlay models.Overlay
	if err := json.Unmarshal(event.Payload, &overlay); err != nil {
		a.logger.Warn("undecodable change event",
			slog.String("overlay_id", key),
			slog.Int64("version", event.Version),
			slog.Any("error", err),
		)
		return false
	}
	a.base[key] = &overlay
	a.rebuild(key)
	return true
}

// CatchUp drains the change log from the agent's cursor and returns the
// number of events that changed the mirror.
func (a *Agent) CatchUp(ctx context.Context) (int, error) {
	applied := 0
	for {
		page, err := a.remote.Changes(ctx, a.sessionID, a.Cursor())
		if err != nil {
			return applied, err
		}
		for _, event := range page.Events {
			if a.ApplyRemote(event) {
				applied++
			}
		}
		a.SetCursor(page.NextCursor)
		if !page.HasMore {
			return applied, nil
		}
	}
}

func (a *Agent) Cursor() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

// SetCursor records the position reached by a live stream, for example the
// cursor of its synced frame.
func (a *Agent) SetCursor(cursor string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cursor = cursor
}

// Get returns the mirror's view of an overlay by server or temporary id.
func (a *Agent) Get(key string) (*models.Overlay, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.mirror[a.resolve(key)]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Overlays returns a copy of the mirror keyed by id.
func (a *Agent) Overlays() map[string]*models.Overlay {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]*models.Overlay, len(a.mirror))
	for k, o := range a.mirror {
		out[k] = o.Clone()
	}
	return out
}

// ResolveID maps a temporary id to the server id it was confirmed as.
func (a *Agent) ResolveID(tempID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.aliases[tempID]
	return id, ok
}

func (a *Agent) Pending() []PendingOperation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyOps(a.queue)
}

func (a *Agent) Failed() []PendingOperation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyOps(a.failed)
}

func (a *Agent) Conflicts() []ConflictRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.conflicts)
}

func copyOps(ops []*PendingOperation) []PendingOperation {
	out := make([]PendingOperation, len(ops))
	for i, op := range ops {
		out[i] = *op
	}
	return out
}

func (a *Agent) enqueue(kind OperationKind, key string, snapshot *models.Overlay) *PendingOperation {
	op := &PendingOperation{
		ID:       uuid.NewString(),
		Kind:     kind,
		TargetID: key,
		Status:   OpPending,
	}
	if snapshot != nil {
		op.Snapshot = snapshot.Clone()
	}
	a.queue = append(a.queue, op)
	return op
}

func (a *Agent) dequeue(op *PendingOperation) {
	a.queue = slices.DeleteFunc(a.queue, func(q *PendingOperation) bool { return q == op })
}

func (a *Agent) resolve(key string) string {
	if id, ok := a.aliases[key]; ok {
		return id
	}
	return key
}

// accept stores server as the known truth unless a newer version is known.
func (a *Agent) accept(server *models.Overlay) {
	key := server.ID.String()
	if known, ok := a.base[key]; ok && known.Version >= server.Version {
		return
	}
	a.base[key] = server.Clone()
}

// rebuild recomputes the mirror entry for key: the server truth with every
// queued operation on it replayed in order. Removed overlays leave the mirror.
func (a *Agent) rebuild(key string) {
	var current *models.Overlay
	if known, ok := a.base[key]; ok {
		current = known.Clone()
	}
	for _, op := range a.queue {
		if op.TargetID != key {
			continue
		}
		switch op.Kind {
		case OpCreate:
			current = op.Draft.overlay(a.sessionID)
		case OpUpdate:
			if current != nil {
				op.Patch.Apply(current)
			}
		case OpDelete:
			current = nil
		}
	}

	if current == nil || current.State == models.OverlayRemoved {
		delete(a.mirror, key)
		return
	}
	a.mirror[key] = current
}
