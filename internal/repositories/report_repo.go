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
	"github.com/paulmach/orb"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

const reportColumns = `id, session_id, reporter_id, reporter_name, type, category, severity, confidence,
	status, message, lon, lat, accuracy_m, occurred_at, metadata, version, created_at, updated_at, updated_by`

type PostgresFieldReportRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresFieldReportRepository(pool *pgxpool.Pool) *PostgresFieldReportRepository {
	return &PostgresFieldReportRepository{pool: pool}
}

func (r *PostgresFieldReportRepository) Create(ctx context.Context, report *models.FieldReport) error {
	metadata, err := json.Marshal(report.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}

	query := `INSERT INTO field_reports (id, session_id, reporter_id, reporter_name, type, category, severity,
	              confidence, status, message, lon, lat, accuracy_m, occurred_at, metadata, version, updated_by)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $3)
	          RETURNING version, created_at, updated_at`

	err = querier(ctx, r.pool).QueryRow(ctx, query,
		report.ID,
		report.SessionID,
		report.ReporterID,
		report.ReporterName,
		report.Type,
		report.Category,
		report.Severity,
		report.Confidence,
		report.Status,
		report.Message,
		report.Location.Lon(),
		report.Location.Lat(),
		report.AccuracyM,
		report.OccurredAt,
		metadata,
	).Scan(&report.Version, &report.CreatedAt, &report.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create field report: %w", err)
	}
	report.UpdatedBy = report.ReporterID
	return nil
}

func (r *PostgresFieldReportRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.FieldReport, error) {
	query := `SELECT ` + reportColumns + ` FROM field_reports WHERE id = $1`

	report, err := scanReport(querier(ctx, r.pool).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get field report by ID: %w", err)
	}
	return report, nil
}

func (r *PostgresFieldReportRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, filter models.FieldReportFilter) ([]*models.FieldReport, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT ` + reportColumns + ` FROM field_reports
	          WHERE session_id = $1
	            AND ($2 = '' OR status = $2)
	            AND ($3 = '' OR type = $3)
	            AND ($4::timestamptz IS NULL OR updated_at > $4)
	          ORDER BY updated_at DESC
	          LIMIT $5`

	var since *time.Time
	if !filter.Since.IsZero() {
		since = &filter.Since
	}

	rows, err := querier(ctx, r.pool).Query(ctx, query, sessionID, string(filter.Status), string(filter.Type), since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query field reports: %w", err)
	}
	defer rows.Close()

	var reports []*models.FieldReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan field report: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating field reports: %w", err)
	}
	return reports, nil
}

func (r *PostgresFieldReportRepository) CompareAndSwap(ctx context.Context, next *models.FieldReport, expectedVersion int64) error {
	metadata, err := json.Marshal(next.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `UPDATE field_reports
	          SET category = $1,
	              severity = $2,
	              confidence = $3,
	              status = $4,
	              message = $5,
	              lon = $6,
	              lat = $7,
	              accuracy_m = $8,
	              metadata = $9,
	              updated_by = $10,
	              version = version + 1,
	              updated_at = NOW()
	          WHERE id = $11 AND version = $12
	          RETURNING version, updated_at`

	err = querier(ctx, r.pool).QueryRow(ctx, query,
		next.Category,
		next.Severity,
		next.Confidence,
		next.Status,
		next.Message,
		next.Location.Lon(),
		next.Location.Lat(),
		next.AccuracyM,
		metadata,
		next.UpdatedBy,
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
		return fmt.Errorf("failed to update field report: %w", err)
	}
	return nil
}

func scanReport(row pgx.Row) (*models.FieldReport, error) {
	var report models.FieldReport
	var lon, lat float64
	var metadata []byte
	err := row.Scan(
		&report.ID,
		&report.SessionID,
		&report.ReporterID,
		&report.ReporterName,
		&report.Type,
		&report.Category,
		&report.Severity,
		&report.Confidence,
		&report.Status,
		&report.Message,
		&lon,
		&lat,
		&report.AccuracyM,
		&report.OccurredAt,
		&metadata,
		&report.Version,
		&report.CreatedAt,
		&report.UpdatedAt,
		&report.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}
	report.Location = orb.Point{lon, lat}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &report.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &report, nil
}
