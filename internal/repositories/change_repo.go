package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

// PostgresChangeLogRepository stores the durable, per-session ordered change
// log. The bigserial sequence is the only cursor clients ever see.
//
// Appends to one session are serialized by a transaction-scoped advisory lock
// taken before the sequence is drawn, so within a session sequence order is
// commit order and a reader can never see seq N+1 while N is still in flight.
type PostgresChangeLogRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresChangeLogRepository(pool *pgxpool.Pool) *PostgresChangeLogRepository {
	return &PostgresChangeLogRepository{pool: pool}
}

// Append joins the caller's transaction when there is one, which is how a
// mutation and its change event commit together.
func (r *PostgresChangeLogRepository) Append(ctx context.Context, event *models.ChangeEvent) error {
	return inTx(ctx, r.pool, func(ctx context.Context) error {
		db := querier(ctx, r.pool)
		if _, err := db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, event.SessionID.String()); err != nil {
			return fmt.Errorf("failed to lock session change log: %w", err)
		}

		query := `INSERT INTO change_events (session_id, resource_id, resource_type, action, version, actor, payload)
		          VALUES ($1, $2, $3, $4, $5, $6, $7)
		          RETURNING seq, committed_at`

		err := db.QueryRow(ctx, query,
			event.SessionID,
			event.ResourceID,
			event.ResourceType,
			event.Action,
			event.Version,
			event.Actor,
			[]byte(event.Payload),
		).Scan(&event.Sequence, &event.CommittedAt)
		if err != nil {
			return fmt.Errorf("failed to append change event: %w", err)
		}
		return nil
	})
}

func (r *PostgresChangeLogRepository) GetSinceSequence(ctx context.Context, sessionID uuid.UUID, sequence int64, limit int) ([]*models.ChangeEvent, error) {
	query := `SELECT seq, session_id, resource_id, resource_type, action, version, actor, payload, committed_at
	          FROM change_events
	          WHERE session_id = $1 AND seq > $2
	          ORDER BY seq ASC
	          LIMIT $3`

	rows, err := querier(ctx, r.pool).Query(ctx, query, sessionID, sequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query change events: %w", err)
	}
	defer rows.Close()

	var events []*models.ChangeEvent
	for rows.Next() {
		var event models.ChangeEvent
		var payload []byte
		err := rows.Scan(
			&event.Sequence,
			&event.SessionID,
			&event.ResourceID,
			&event.ResourceType,
			&event.Action,
			&event.Version,
			&event.Actor,
			&payload,
			&event.CommittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change event: %w", err)
		}
		event.Payload = payload
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change events: %w", err)
	}
	return events, nil
}
