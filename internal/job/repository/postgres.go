// Package repository persists the job catalog in Postgres. The catalog is a
// secondary index over the filesystem job records: writes are best-effort and
// the caller treats failures as non-fatal.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/FACorreiaa/bank-statement-analyzer/internal/job"
)

// DB is the pgx surface the catalog needs. *pgxpool.Pool satisfies it, as
// does a pgxmock pool in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// JobRecord is one catalog row.
type JobRecord struct {
	ID        string     `db:"id"`
	Filename  string     `db:"filename"`
	SizeBytes int64      `db:"size_bytes"`
	ParseMode string     `db:"parse_mode"`
	Status    job.Status `db:"status"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

// PostgresCatalog implements job.Catalog backed by the statement_jobs table.
type PostgresCatalog struct {
	db DB
}

var _ job.Catalog = (*PostgresCatalog)(nil)

// NewPostgresCatalog creates a catalog over the given connection surface.
func NewPostgresCatalog(db DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

// RecordJob inserts the intake record. Replays of the same job id are no-ops.
func (r *PostgresCatalog) RecordJob(ctx context.Context, m job.Manifest) error {
	query := `
		INSERT INTO statement_jobs (id, filename, size_bytes, parse_mode, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query, m.JobID, m.Filename, m.Size, m.RequestedMode, job.StatusQueued, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job record: %w", err)
	}
	return nil
}

// RecordStatus updates the catalog's view of a job's status and parse mode.
func (r *PostgresCatalog) RecordStatus(ctx context.Context, jobID string, status job.Status, parseMode string) error {
	query := `
		UPDATE statement_jobs
		SET status = $2, parse_mode = $3, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, jobID, status, parseMode)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not in catalog", jobID)
	}
	return nil
}

// GetJob fetches one catalog row; nil when absent.
func (r *PostgresCatalog) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	query := `
		SELECT id, filename, size_bytes, parse_mode, status, created_at, updated_at
		FROM statement_jobs WHERE id = $1
	`
	var rec JobRecord
	err := r.db.QueryRow(ctx, query, jobID).Scan(
		&rec.ID, &rec.Filename, &rec.SizeBytes, &rec.ParseMode,
		&rec.Status, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}
	return &rec, nil
}

// ListActive returns catalog rows whose status is not terminal, oldest first.
// Feeds the reconcile sweep when the catalog is enabled.
func (r *PostgresCatalog) ListActive(ctx context.Context, limit int) ([]JobRecord, error) {
	query := `
		SELECT id, filename, size_bytes, parse_mode, status, created_at, updated_at
		FROM statement_jobs
		WHERE status IN ('queued', 'processing')
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		var rec JobRecord
		if err := rows.Scan(
			&rec.ID, &rec.Filename, &rec.SizeBytes, &rec.ParseMode,
			&rec.Status, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job records: %w", err)
	}
	return records, nil
}
