package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

const sosColumns = `id, session_id, report_id, user_id, user_name, status, lon, lat, trigger_accuracy_m, message,
	acked_by, acked_at, ack_note, resolved_by, resolved_at, resolution_note, cancelled_at, version, created_at, updated_at`

type PostgresSosRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSosRepository(pool *pgxpool.Pool) *PostgresSosRepository {
	return &PostgresSosRepository{pool: pool}
}

func (r *PostgresSosRepository) Create(ctx context.Context, signal *models.SosSignal) error {
	if signal.ID == uuid.Nil {
		signal.ID = uuid.New()
	}

	query := `INSERT INTO sos_signals (id, session_id, report_id, user_id, user_name, status, lon, lat,
	              trigger_accuracy_m, message, version)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
	          RETURNING version, created_at, updated_at`

	err := querier(ctx, r.pool).QueryRow(ctx, query,
		signal.ID,
		signal.SessionID,
		signal.ReportID,
		signal.UserID,
		signal.UserName,
		signal.Status,
		signal.TriggerLocation.Lon(),
		signal.TriggerLocation.Lat(),
		signal.TriggerAccuracyM,
		signal.Message,
	).Scan(&signal.Version, &signal.CreatedAt, &signal.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create sos signal: %w", err)
	}
	return nil
}

func (r *PostgresSosRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SosSignal, error) {
	query := `SELECT ` + sosColumns + ` FROM sos_signals WHERE id = $1`

	signal, err := scanSos(querier(ctx, r.pool).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sos signal by ID: %w", err)
	}
	return signal, nil
}

// ListActive returns signals that are not yet resolved or cancelled.
func (r *PostgresSosRepository) ListActive(ctx context.Context, sessionID uuid.UUID) ([]*models.SosSignal, error) {
	query := `SELECT ` + sosColumns + ` FROM sos_signals
	          WHERE session_id = $1 AND status IN ('active', 'acknowledged')
	          ORDER BY created_at DESC`

	rows, err := querier(ctx, r.pool).Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sos signals: %w", err)
	}
	defer rows.Close()

	var signals []*models.SosSignal
	for rows.Next() {
		signal, err := scanSos(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sos signal: %w", err)
		}
		signals = append(signals, signal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sos signals: %w", err)
	}
	return signals, nil
}

// ActiveByUser returns userID's open signal in the session.
func (r *PostgresSosRepository) ActiveByUser(ctx context.Context, sessionID uuid.UUID, userID string) (*models.SosSignal, error) {
	query := `SELECT ` + sosColumns + ` FROM sos_signals
	          WHERE session_id = $1 AND user_id = $2 AND status IN ('active', 'acknowledged')`

	signal, err := scanSos(querier(ctx, r.pool).QueryRow(ctx, query, sessionID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open sos signal: %w", err)
	}
	return signal, nil
}

func (r *PostgresSosRepository) CompareAndSwap(ctx context.Context, next *models.SosSignal, expectedVersion int64) error {
	query := `UPDATE sos_signals
	          SET status = $1,
	              acked_by = $2,
	              acked_at = $3,
	              ack_note = $4,
	              resolved_by = $5,
	              resolved_at = $6,
	              resolution_note = $7,
	              cancelled_at = $8,
	              version = version + 1,
	              updated_at = NOW()
	          WHERE id = $9 AND version = $10
	          RETURNING version, updated_at`

	err := querier(ctx, r.pool).QueryRow(ctx, query,
		next.Status,
		next.AckedBy,
		next.AckedAt,
		next.AckNote,
		next.ResolvedBy,
		next.ResolvedAt,
		next.ResolutionNote,
		next.CancelledAt,
		next.ID,
		expectedVersion,
	).Scan(&next.Version, &next.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, next.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update sos signal: %w", err)
	}
	return nil
}

func scanSos(row pgx.Row) (*models.SosSignal, error) {
	var signal models.SosSignal
	var lon, lat float64
	err := row.Scan(
		&signal.ID,
		&signal.SessionID,
		&signal.ReportID,
		&signal.UserID,
		&signal.UserName,
		&signal.Status,
		&lon,
		&lat,
		&signal.TriggerAccuracyM,
		&signal.Message,
		&signal.AckedBy,
		&signal.AckedAt,
		&signal.AckNote,
		&signal.ResolvedBy,
		&signal.ResolvedAt,
		&signal.ResolutionNote,
		&signal.CancelledAt,
		&signal.Version,
		&signal.CreatedAt,
		&signal.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	signal.TriggerLocation = orb.Point{lon, lat}
	return &signal, nil
}
