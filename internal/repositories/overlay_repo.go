package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb/geojson"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

const overlayColumns = `id, session_id, type, code, name, geometry, properties, state, version,
	created_by, updated_by, created_at, updated_at, removed_at, removed_by`

type PostgresOverlayRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresOverlayRepository(pool *pgxpool.Pool) *PostgresOverlayRepository {
	return &PostgresOverlayRepository{pool: pool}
}

func (r *PostgresOverlayRepository) Create(ctx context.Context, overlay *models.Overlay) error {
	geometry, properties, err := encodeOverlay(overlay)
	if err != nil {
		return err
	}

	query := `INSERT INTO overlays (id, session_id, type, code, name, geometry, properties, state, version, created_by, updated_by)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $9)
	          RETURNING version, created_at, updated_at`

	if overlay.ID == uuid.Nil {
		overlay.ID = uuid.New()
	}
	err = querier(ctx, r.pool).QueryRow(ctx, query,
		overlay.ID,
		overlay.SessionID,
		overlay.Type,
		overlay.Code,
		overlay.Name,
		geometry,
		properties,
		overlay.State,
		overlay.CreatedBy,
	).Scan(&overlay.Version, &overlay.CreatedAt, &overlay.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create overlay: %w", err)
	}
	overlay.UpdatedBy = overlay.CreatedBy
	return nil
}

func (r *PostgresOverlayRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Overlay, error) {
	query := `SELECT ` + overlayColumns + ` FROM overlays WHERE id = $1`

	overlay, err := scanOverlay(querier(ctx, r.pool).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get overlay by ID: %w", err)
	}
	return overlay, nil
}

func (r *PostgresOverlayRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, filter models.OverlayFilter) ([]*models.Overlay, error) {
	query := `SELECT ` + overlayColumns + ` FROM overlays
	          WHERE session_id = $1
	            AND ($2 = '' OR type = $2)
	            AND (($3 = '' AND ($4 OR state <> 'removed')) OR state = $3)
	          ORDER BY updated_at DESC`

	rows, err := querier(ctx, r.pool).Query(ctx, query, sessionID, string(filter.Type), string(filter.State), filter.IncludeRemoved)
	if err != nil {
		return nil, fmt.Errorf("failed to query overlays: %w", err)
	}
	defer rows.Close()

	var overlays []*models.Overlay
	for rows.Next() {
		overlay, err := scanOverlay(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan overlay: %w", err)
		}
		overlays = append(overlays, overlay)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating overlays: %w", err)
	}
	return overlays, nil
}

// CompareAndSwap persists next only if the stored version still equals
// expectedVersion. The version check and bump happen in one UPDATE statement,
// so no other caller can observe a partial write.
func (r *PostgresOverlayRepository) CompareAndSwap(ctx context.Context, next *models.Overlay, expectedVersion int64) error {
	geometry, properties, err := encodeOverlay(next)
	if err != nil {
		return err
	}

	query := `UPDATE overlays
	          SET code = $1,
	              name = $2,
	              geometry = $3,
	              properties = $4,
	              state = $5,
	              updated_by = $6,
	              removed_at = $7,
	              removed_by = $8,
	              version = version + 1,
	              updated_at = NOW()
	          WHERE id = $9 AND version = $10
	          RETURNING version, updated_at`

	var newVersion int64
	var updatedAt time.Time
	err = querier(ctx, r.pool).QueryRow(ctx, query,
		next.Code,
		next.Name,
		geometry,
		properties,
		next.State,
		next.UpdatedBy,
		next.RemovedAt,
		next.RemovedBy,
		next.ID,
		expectedVersion,
	).Scan(&newVersion, &updatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		// Either the version moved on or the row is gone.
		if _, getErr := r.GetByID(ctx, next.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update overlay: %w", err)
	}

	next.Version = newVersion
	next.UpdatedAt = updatedAt
	return nil
}

func (r *PostgresOverlayRepository) Purge(ctx context.Context, id uuid.UUID) error {
	result, err := querier(ctx, r.pool).Exec(ctx, `DELETE FROM overlays WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to purge overlay: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeOverlay(overlay *models.Overlay) ([]byte, []byte, error) {
	geometry, err := json.Marshal(overlay.Geometry)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal geometry: %w", err)
	}
	properties, err := json.Marshal(overlay.Properties)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal properties: %w", err)
	}
	return geometry, properties, nil
}

func scanOverlay(row pgx.Row) (*models.Overlay, error) {
	var overlay models.Overlay
	var geometry, properties []byte
	err := row.Scan(
		&overlay.ID,
		&overlay.SessionID,
		&overlay.Type,
		&overlay.Code,
		&overlay.Name,
		&geometry,
		&properties,
		&overlay.State,
		&overlay.Version,
		&overlay.CreatedBy,
		&overlay.UpdatedBy,
		&overlay.CreatedAt,
		&overlay.UpdatedAt,
		&overlay.RemovedAt,
		&overlay.RemovedBy,
	)
	if err != nil {
		return nil, err
	}

	if len(geometry) > 0 && string(geometry) != "null" {
		var g geojson.Geometry
		if err := json.Unmarshal(geometry, &g); err != nil {
			return nil, fmt.Errorf("failed to unmarshal geometry: %w", err)
		}
		overlay.Geometry = &g
	}
	if err := json.Unmarshal(properties, &overlay.Properties); err != nil {
		return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
	}
	return &overlay, nil
}
