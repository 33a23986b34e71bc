package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/petmatch/pet-media-pipeline/internal/model"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrVersionConflict signals a lost compare-and-swap race; the caller
	// re-reads the row and retries.
	ErrVersionConflict = errors.New("job version conflict")
)

// Repository provides access to the jobs table. Status and counter updates
// are versioned: every write carries the version it read, so concurrent
// writers cannot silently overwrite each other.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Create persists a new job.
func (r *Repository) Create(ctx context.Context, j model.Job) error {
	query := `
		INSERT INTO jobs (id, kind, status, progress_percent, total_items, processed_items,
		                  success_count, failed_count, started_at, error_message, metadata, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
   `

	metaJSON, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("create: failed to marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(
		ctx, query, j.ID, j.Kind, j.Status, j.ProgressPercent, j.TotalItems, j.ProcessedItems,
		j.SuccessCount, j.FailedCount, j.StartedAt, j.Error, metaJSON, j.Version,
	)
	if err != nil {
		return fmt.Errorf("create: failed to insert job: %w", err)
	}

	return nil
}

// Get retrieves a job by ID, including its current version.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (model.Job, error) {
	query := `
		SELECT id, kind, status, progress_percent, total_items, processed_items,
		       success_count, failed_count, started_at, completed_at,
		       COALESCE(error_message, ''), metadata, version
		FROM jobs
		WHERE id = $1
    `

	var j model.Job
	var metaBytes []byte

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&j.ID, &j.Kind, &j.Status, &j.ProgressPercent, &j.TotalItems, &j.ProcessedItems,
		&j.SuccessCount, &j.FailedCount, &j.StartedAt, &j.CompletedAt,
		&j.Error, &metaBytes, &j.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, ErrJobNotFound
		}

		return model.Job{}, fmt.Errorf("get: failed to get job: %w", err)
	}

	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &j.Metadata); err != nil {
			return model.Job{}, fmt.Errorf("get: failed to unmarshal metadata: %w", err)
		}
	}

	return j, nil
}

// UpdateStatusCAS moves a job to a new status iff its version still matches.
// Terminal statuses also stamp completed_at.
func (r *Repository) UpdateStatusCAS(ctx context.Context, id uuid.UUID, version int64, status model.JobStatus, progressPercent uint, errMsg string) error {
	query := `
		UPDATE jobs
		SET status = $3,
		    progress_percent = $4,
		    error_message = NULLIF($5, ''),
		    completed_at = CASE WHEN $3 IN ('completed', 'failed') THEN now() ELSE completed_at END,
		    version = version + 1
		WHERE id = $1 AND version = $2
    `

	res, err := r.db.ExecContext(ctx, query, id, version, status, progressPercent, errMsg)
	if err != nil {
		return fmt.Errorf("update status: failed to update job: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return r.missOrConflict(ctx, id)
	}

	return nil
}

// SetTotalItems fixes the job's work-item total once the batch is counted.
func (r *Repository) SetTotalItems(ctx context.Context, id uuid.UUID, total uint) error {
	query := `
		UPDATE jobs
		SET total_items = $2, version = version + 1
		WHERE id = $1
    `

	res, err := r.db.ExecContext(ctx, query, id, total)
	if err != nil {
		return fmt.Errorf("set totals: failed to update job: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrJobNotFound
	}

	return nil
}

// IncrementProgress atomically adds the delta to the job's counters and
// recomputes progress_percent. GREATEST keeps the percentage monotone even
// when updates land out of order.
func (r *Repository) IncrementProgress(ctx context.Context, id uuid.UUID, success, failed uint) error {
	query := `
		UPDATE jobs
		SET processed_items = processed_items + $2 + $3,
		    success_count = success_count + $2,
		    failed_count = failed_count + $3,
		    progress_percent = GREATEST(progress_percent, CASE
		        WHEN total_items > 0 THEN LEAST(100, ((processed_items + $2 + $3) * 100 + total_items / 2) / total_items)
		        ELSE 0
		    END),
		    version = version + 1
		WHERE id = $1
    `

	res, err := r.db.ExecContext(ctx, query, id, success, failed)
	if err != nil {
		return fmt.Errorf("increment progress: failed to update job: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrJobNotFound
	}

	return nil
}

// Summarize aggregates all jobs by status.
func (r *Repository) Summarize(ctx context.Context) (model.JobsSummary, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('pending', 'running')),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(processed_items), 0),
			MAX(completed_at)
		FROM jobs
    `

	var s model.JobsSummary
	err := r.db.QueryRowContext(ctx, query).Scan(
		&s.ActiveJobs, &s.CompletedJobs, &s.FailedJobs, &s.TotalProcessed, &s.LastSyncTime,
	)
	if err != nil {
		return model.JobsSummary{}, fmt.Errorf("summarize: failed to aggregate jobs: %w", err)
	}

	return s, nil
}

func (r *Repository) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = $1`, id).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}

		return fmt.Errorf("failed to check job existence: %w", err)
	}

	return ErrVersionConflict
}
