package repositories

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAlreadyExists is returned when an insert violates a uniqueness rule.
var ErrAlreadyExists = errors.New("record already exists")

// TxRunner runs fn as one unit of work. Repository calls made with the ctx
// handed to fn join the unit; if fn fails none of their writes persist.
// Nested calls join the outer unit.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTxKey struct{}

// querier returns the transaction bound to ctx, or pool outside one.
func querier(ctx context.Context, pool *pgxpool.Pool) DBTX {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}

type PostgresTxRunner struct {
	pool *pgxpool.Pool
}

func NewPostgresTxRunner(pool *pgxpool.Pool) *PostgresTxRunner {
	return &PostgresTxRunner{pool: pool}
}

func (r *PostgresTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return inTx(ctx, r.pool, fn)
}

func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// MemoryTxRunner gives the in-memory repositories all-or-nothing writes.
// Units run one at a time; a failed unit replays the undo steps its writes
// registered, newest first. Record writes are visible to other readers while
// the unit runs, change log appends only once it succeeds.
type MemoryTxRunner struct {
	mu sync.Mutex
}

func NewMemoryTxRunner() *MemoryTxRunner {
	return &MemoryTxRunner{}
}

type memTx struct {
	undo   []func()
	commit []func()
}

type memTxKey struct{}

func (r *MemoryTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	for _, fn := range tx.commit {
		fn()
	}
	return nil
}

// onRollback registers undo with the unit bound to ctx, if any.
func onRollback(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.undo = append(tx.undo, undo)
	}
}

// afterCommit runs fn once the unit bound to ctx succeeds, or immediately
// outside a unit.
func afterCommit(ctx context.Context, fn func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.commit = append(tx.commit, fn)
		return
	}
	fn()
}
