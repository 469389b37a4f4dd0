package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

type PostgresAuditRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresAuditRepository(pool *pgxpool.Pool) *PostgresAuditRepository {
	return &PostgresAuditRepository{pool: pool}
}

func (r *PostgresAuditRepository) Insert(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	query := `INSERT INTO audit_logs (id, session_id, actor_id, actor_name, action, entity_type, entity_id,
	              before_snapshot, after_snapshot)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          RETURNING created_at`

	err := querier(ctx, r.pool).QueryRow(ctx, query,
		entry.ID,
		entry.SessionID,
		entry.ActorID,
		entry.ActorName,
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		nullableJSON(entry.Before),
		nullableJSON(entry.After),
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
