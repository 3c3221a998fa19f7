package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"parkpulse/internal/models"
	"parkpulse/pkg/database"
	"parkpulse/pkg/logging"
	"parkpulse/pkg/metrics"
)

// JobRepository maintains the aggregation job log: one row per
// (date, type), status transitions running -> success|failed.
// A missing job is a normal state and returns (nil, nil), not an
// error.
type JobRepository interface {
	GetJob(ctx context.Context, date time.Time, aggregationType models.PeriodType) (*models.AggregationJob, error)
	ClaimJob(ctx context.Context, date time.Time, aggregationType models.PeriodType, startedAt time.Time) (*models.AggregationJob, error)
	MarkJobSuccess(ctx context.Context, jobID int64, completedAt time.Time, aggregatedUntil *time.Time, parksProcessed, ridesProcessed int) error
	MarkJobFailed(ctx context.Context, jobID int64, completedAt time.Time, errorMessage string) error
	LastSuccessful(ctx context.Context, aggregationType models.PeriodType) (*models.AggregationJob, error)
}

// jobRepository implements JobRepository
type jobRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) JobRepository {
	return &jobRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

const jobColumns = `
	id, aggregation_date, aggregation_type, status, started_at, completed_at,
	aggregated_until_ts, parks_processed, rides_processed, error_message
`

// GetJob retrieves the job row for (date, type), or nil when no
// attempt has been recorded yet
func (r *jobRepository) GetJob(ctx context.Context, date time.Time, aggregationType models.PeriodType) (*models.AggregationJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM aggregation_jobs
		WHERE aggregation_date = $1 AND aggregation_type = $2
	`

	var job models.AggregationJob
	err := r.db.GetContext(ctx, "get_job", &job, query, date, aggregationType)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get aggregation job: %w", err)
	}

	return &job, nil
}

// ClaimJob inserts or resets the (date, type) row to running, clearing
// any prior outcome. The caller decides when claiming is allowed; this
// just performs the transition atomically.
func (r *jobRepository) ClaimJob(ctx context.Context, date time.Time, aggregationType models.PeriodType, startedAt time.Time) (*models.AggregationJob, error) {
	query := `
		INSERT INTO aggregation_jobs (
			aggregation_date, aggregation_type, status, started_at,
			completed_at, aggregated_until_ts, parks_processed, rides_processed, error_message
		)
		VALUES ($1, $2, 'running', $3, NULL, NULL, 0, 0, NULL)
		ON CONFLICT (aggregation_date, aggregation_type) DO UPDATE SET
			status = 'running',
			started_at = EXCLUDED.started_at,
			completed_at = NULL,
			aggregated_until_ts = NULL,
			parks_processed = 0,
			rides_processed = 0,
			error_message = NULL
		RETURNING ` + jobColumns + `
	`

	var job models.AggregationJob
	err := r.db.DB().QueryRowxContext(ctx, query, date, aggregationType, startedAt).StructScan(&job)
	if err != nil {
		return nil, fmt.Errorf("failed to claim aggregation job: %w", err)
	}

	r.logger.Info(ctx, "[REPO_CLAIM_JOB] Aggregation job claimed", logging.Fields{
		"job_id":           job.ID,
		"aggregation_date": date.Format("2006-01-02"),
		"aggregation_type": string(aggregationType),
	})

	return &job, nil
}

// MarkJobSuccess transitions a running job to success with its
// high-water mark and processed counts
func (r *jobRepository) MarkJobSuccess(ctx context.Context, jobID int64, completedAt time.Time, aggregatedUntil *time.Time, parksProcessed, ridesProcessed int) error {
	query := `
		UPDATE aggregation_jobs
		SET status = 'success',
		    completed_at = $2,
		    aggregated_until_ts = $3,
		    parks_processed = $4,
		    rides_processed = $5
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.db.ExecContext(ctx, "mark_job_success", query, jobID, completedAt, aggregatedUntil, parksProcessed, ridesProcessed)
	if err != nil {
		return fmt.Errorf("failed to mark job success: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %d was not running, refusing terminal transition", jobID)
	}

	return nil
}

// MarkJobFailed transitions a running job to failed with its error
// message
func (r *jobRepository) MarkJobFailed(ctx context.Context, jobID int64, completedAt time.Time, errorMessage string) error {
	query := `
		UPDATE aggregation_jobs
		SET status = 'failed',
		    completed_at = $2,
		    error_message = $3
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.db.ExecContext(ctx, "mark_job_failed", query, jobID, completedAt, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %d was not running, refusing terminal transition", jobID)
	}

	return nil
}

// LastSuccessful retrieves the most recent successful job of the given
// type, or nil when none exists. This is the sole contract the
// external cleanup job depends on.
func (r *jobRepository) LastSuccessful(ctx context.Context, aggregationType models.PeriodType) (*models.AggregationJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM aggregation_jobs
		WHERE aggregation_type = $1 AND status = 'success'
		ORDER BY aggregation_date DESC
		LIMIT 1
	`

	var job models.AggregationJob
	err := r.db.GetContext(ctx, "last_successful_job", &job, query, aggregationType)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get last successful job: %w", err)
	}

	return &job, nil
}
