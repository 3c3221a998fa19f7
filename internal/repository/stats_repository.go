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

// RideStatsFilter defines filters for querying ride period stats
type RideStatsFilter struct {
	RideID     *int64
	PeriodType *models.PeriodType
	Start      *time.Time
	End        *time.Time
	Limit      int
	Offset     int
}

// ParkStatsFilter defines filters for querying park period stats
type ParkStatsFilter struct {
	ParkID     *int64
	PeriodType *models.PeriodType
	Start      *time.Time
	End        *time.Time
	Limit      int
	Offset     int
}

// StatsRepository persists and queries pre-computed period statistics.
// All writes are upserts keyed by (entity, period type, period start);
// re-aggregation overwrites, never duplicates.
type StatsRepository interface {
	UpsertRideStats(ctx context.Context, stats *models.RidePeriodStats) error
	UpsertParkStats(ctx context.Context, stats *models.ParkPeriodStats) error

	GetRideStats(ctx context.Context, filter RideStatsFilter) ([]*models.RidePeriodStats, int, error)
	GetParkStats(ctx context.Context, filter ParkStatsFilter) ([]*models.ParkPeriodStats, int, error)
	ListRideStatsForPeriod(ctx context.Context, periodType models.PeriodType, periodStart time.Time) ([]*models.RidePeriodStats, error)
	ListParkStatsForPeriod(ctx context.Context, periodType models.PeriodType, periodStart time.Time) ([]*models.ParkPeriodStats, error)

	// Daily-row rollups feeding the coarser granularities
	RideIDsWithDaily(ctx context.Context, start, end time.Time) ([]int64, error)
	ParkIDsWithDaily(ctx context.Context, start, end time.Time) ([]int64, error)
	RollupRideDaily(ctx context.Context, rideID int64, start, end time.Time) (*models.RidePeriodStats, error)
	RollupParkDaily(ctx context.Context, parkID int64, start, end time.Time) (*models.ParkPeriodStats, error)
}

// statsRepository implements StatsRepository
type statsRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewStatsRepository creates a new stats repository
func NewStatsRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) StatsRepository {
	return &statsRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// UpsertRideStats creates or updates ride period stats keyed by
// (ride_id, period_type, period_start)
func (r *statsRepository) UpsertRideStats(ctx context.Context, stats *models.RidePeriodStats) error {
	query := `
		INSERT INTO ride_period_stats (
			ride_id, period_type, period_start,
			uptime_minutes, downtime_minutes, uptime_pct,
			avg_wait_time, peak_wait_time, status_changes, shame_score, snapshot_count,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (ride_id, period_type, period_start) DO UPDATE SET
			uptime_minutes = EXCLUDED.uptime_minutes,
			downtime_minutes = EXCLUDED.downtime_minutes,
			uptime_pct = EXCLUDED.uptime_pct,
			avg_wait_time = EXCLUDED.avg_wait_time,
			peak_wait_time = EXCLUDED.peak_wait_time,
			status_changes = EXCLUDED.status_changes,
			shame_score = EXCLUDED.shame_score,
			snapshot_count = EXCLUDED.snapshot_count,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	err := r.db.DB().QueryRowContext(ctx, query,
		stats.RideID,
		stats.PeriodType,
		stats.PeriodStart,
		stats.UptimeMinutes,
		stats.DowntimeMinutes,
		stats.UptimePct,
		stats.AvgWaitTime,
		stats.PeakWaitTime,
		stats.StatusChanges,
		stats.ShameScore,
		stats.SnapshotCount,
		stats.CreatedAt,
		stats.UpdatedAt,
	).Scan(&stats.ID)

	if err != nil {
		return fmt.Errorf("failed to upsert ride stats: %w", err)
	}

	r.metrics.AggregationRowsUpserted.WithLabelValues("ride_period_stats").Inc()

	return nil
}

// UpsertParkStats creates or updates park period stats keyed by
// (park_id, period_type, period_start)
func (r *statsRepository) UpsertParkStats(ctx context.Context, stats *models.ParkPeriodStats) error {
	query := `
		INSERT INTO park_period_stats (
			park_id, period_type, period_start,
			operating_minutes, downtime_minutes, uptime_pct,
			avg_wait_time, peak_wait_time, status_changes, shame_score,
			rides_tracked, snapshot_count, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (park_id, period_type, period_start) DO UPDATE SET
			operating_minutes = EXCLUDED.operating_minutes,
			downtime_minutes = EXCLUDED.downtime_minutes,
			uptime_pct = EXCLUDED.uptime_pct,
			avg_wait_time = EXCLUDED.avg_wait_time,
			peak_wait_time = EXCLUDED.peak_wait_time,
			status_changes = EXCLUDED.status_changes,
			shame_score = EXCLUDED.shame_score,
			rides_tracked = EXCLUDED.rides_tracked,
			snapshot_count = EXCLUDED.snapshot_count,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	err := r.db.DB().QueryRowContext(ctx, query,
		stats.ParkID,
		stats.PeriodType,
		stats.PeriodStart,
		stats.OperatingMinutes,
		stats.DowntimeMinutes,
		stats.UptimePct,
		stats.AvgWaitTime,
		stats.PeakWaitTime,
		stats.StatusChanges,
		stats.ShameScore,
		stats.RidesTracked,
		stats.SnapshotCount,
		stats.CreatedAt,
		stats.UpdatedAt,
	).Scan(&stats.ID)

	if err != nil {
		return fmt.Errorf("failed to upsert park stats: %w", err)
	}

	r.metrics.AggregationRowsUpserted.WithLabelValues("park_period_stats").Inc()

	return nil
}

// GetRideStats retrieves ride period stats with filtering and
// pagination
func (r *statsRepository) GetRideStats(ctx context.Context, filter RideStatsFilter) ([]*models.RidePeriodStats, int, error) {
	query := `
		SELECT id, ride_id, period_type, period_start,
		       uptime_minutes, downtime_minutes, uptime_pct,
		       avg_wait_time, peak_wait_time, status_changes, shame_score, snapshot_count,
		       created_at, updated_at
		FROM ride_period_stats
		WHERE 1=1
	`
	args := []interface{}{}
	argNum := 1

	if filter.RideID != nil {
		query += fmt.Sprintf(" AND ride_id = $%d", argNum)
		args = append(args, *filter.RideID)
		argNum++
	}

	if filter.PeriodType != nil {
		query += fmt.Sprintf(" AND period_type = $%d", argNum)
		args = append(args, *filter.PeriodType)
		argNum++
	}

	if filter.Start != nil {
		query += fmt.Sprintf(" AND period_start >= $%d", argNum)
		args = append(args, *filter.Start)
		argNum++
	}

	if filter.End != nil {
		query += fmt.Sprintf(" AND period_start < $%d", argNum)
		args = append(args, *filter.End)
		argNum++
	}

	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var totalCount int
	if err := r.db.GetContext(ctx, "count_ride_stats", &totalCount, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count ride stats: %w", err)
	}

	query += " ORDER BY period_start DESC, ride_id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	var stats []*models.RidePeriodStats
	if err := r.db.SelectContext(ctx, "get_ride_stats", &stats, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to get ride stats: %w", err)
	}

	return stats, totalCount, nil
}

// GetParkStats retrieves park period stats with filtering and
// pagination
func (r *statsRepository) GetParkStats(ctx context.Context, filter ParkStatsFilter) ([]*models.ParkPeriodStats, int, error) {
	query := `
		SELECT id, park_id, period_type, period_start,
		       operating_minutes, downtime_minutes, uptime_pct,
		       avg_wait_time, peak_wait_time, status_changes, shame_score,
		       rides_tracked, snapshot_count, created_at, updated_at
		FROM park_period_stats
		WHERE 1=1
	`
	args := []interface{}{}
	argNum := 1

	if filter.ParkID != nil {
		query += fmt.Sprintf(" AND park_id = $%d", argNum)
		args = append(args, *filter.ParkID)
		argNum++
	}

	if filter.PeriodType != nil {
		query += fmt.Sprintf(" AND period_type = $%d", argNum)
		args = append(args, *filter.PeriodType)
		argNum++
	}

	if filter.Start != nil {
		query += fmt.Sprintf(" AND period_start >= $%d", argNum)
		args = append(args, *filter.Start)
		argNum++
	}

	if filter.End != nil {
		query += fmt.Sprintf(" AND period_start < $%d", argNum)
		args = append(args, *filter.End)
		argNum++
	}

	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var totalCount int
	if err := r.db.GetContext(ctx, "count_park_stats", &totalCount, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count park stats: %w", err)
	}

	query += " ORDER BY period_start DESC, park_id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	var stats []*models.ParkPeriodStats
	if err := r.db.SelectContext(ctx, "get_park_stats", &stats, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to get park stats: %w", err)
	}

	return stats, totalCount, nil
}

// ListRideStatsForPeriod retrieves every ride stats row for one period
// key, used by the verifier
func (r *statsRepository) ListRideStatsForPeriod(ctx context.Context, periodType models.PeriodType, periodStart time.Time) ([]*models.RidePeriodStats, error) {
	query := `
		SELECT id, ride_id, period_type, period_start,
		       uptime_minutes, downtime_minutes, uptime_pct,
		       avg_wait_time, peak_wait_time, status_changes, shame_score, snapshot_count,
		       created_at, updated_at
		FROM ride_period_stats
		WHERE period_type = $1 AND period_start = $2
		ORDER BY ride_id
	`

	var stats []*models.RidePeriodStats
	if err := r.db.SelectContext(ctx, "list_ride_stats_for_period", &stats, query, periodType, periodStart); err != nil {
		return nil, fmt.Errorf("failed to list ride stats: %w", err)
	}

	return stats, nil
}

// ListParkStatsForPeriod retrieves every park stats row for one period
// key, used by the verifier
func (r *statsRepository) ListParkStatsForPeriod(ctx context.Context, periodType models.PeriodType, periodStart time.Time) ([]*models.ParkPeriodStats, error) {
	query := `
		SELECT id, park_id, period_type, period_start,
		       operating_minutes, downtime_minutes, uptime_pct,
		       avg_wait_time, peak_wait_time, status_changes, shame_score,
		       rides_tracked, snapshot_count, created_at, updated_at
		FROM park_period_stats
		WHERE period_type = $1 AND period_start = $2
		ORDER BY park_id
	`

	var stats []*models.ParkPeriodStats
	if err := r.db.SelectContext(ctx, "list_park_stats_for_period", &stats, query, periodType, periodStart); err != nil {
		return nil, fmt.Errorf("failed to list park stats: %w", err)
	}

	return stats, nil
}

// RideIDsWithDaily lists rides having daily rows in [start, end)
func (r *statsRepository) RideIDsWithDaily(ctx context.Context, start, end time.Time) ([]int64, error) {
	query := `
		SELECT DISTINCT ride_id
		FROM ride_period_stats
		WHERE period_type = 'daily' AND period_start >= $1 AND period_start < $2
		ORDER BY ride_id
	`

	var ids []int64
	if err := r.db.SelectContext(ctx, "ride_ids_with_daily", &ids, query, start, end); err != nil {
		return nil, fmt.Errorf("failed to list ride ids: %w", err)
	}

	return ids, nil
}

// ParkIDsWithDaily lists parks having daily rows in [start, end)
func (r *statsRepository) ParkIDsWithDaily(ctx context.Context, start, end time.Time) ([]int64, error) {
	query := `
		SELECT DISTINCT park_id
		FROM park_period_stats
		WHERE period_type = 'daily' AND period_start >= $1 AND period_start < $2
		ORDER BY park_id
	`

	var ids []int64
	if err := r.db.SelectContext(ctx, "park_ids_with_daily", &ids, query, start, end); err != nil {
		return nil, fmt.Errorf("failed to list park ids: %w", err)
	}

	return ids, nil
}

// RollupRideDaily aggregates one ride's daily rows over [start, end)
// into a single unsaved stats row. Averages weight by snapshot count
// so sparse days do not dominate; NULL components stay NULL.
func (r *statsRepository) RollupRideDaily(ctx context.Context, rideID int64, start, end time.Time) (*models.RidePeriodStats, error) {
	query := `
		SELECT
			COALESCE(SUM(uptime_minutes), 0) AS uptime_minutes,
			COALESCE(SUM(downtime_minutes), 0) AS downtime_minutes,
			AVG(uptime_pct) AS uptime_pct,
			SUM(avg_wait_time * snapshot_count) / NULLIF(SUM(snapshot_count) FILTER (WHERE avg_wait_time IS NOT NULL), 0) AS avg_wait_time,
			MAX(peak_wait_time) AS peak_wait_time,
			COALESCE(SUM(status_changes), 0) AS status_changes,
			AVG(shame_score) AS shame_score,
			COALESCE(SUM(snapshot_count), 0) AS snapshot_count
		FROM ride_period_stats
		WHERE ride_id = $1 AND period_type = 'daily'
		  AND period_start >= $2 AND period_start < $3
	`

	var row struct {
		UptimeMinutes   int      `db:"uptime_minutes"`
		DowntimeMinutes int      `db:"downtime_minutes"`
		UptimePct       *float64 `db:"uptime_pct"`
		AvgWaitTime     *float64 `db:"avg_wait_time"`
		PeakWaitTime    *int     `db:"peak_wait_time"`
		StatusChanges   int      `db:"status_changes"`
		ShameScore      *float64 `db:"shame_score"`
		SnapshotCount   int      `db:"snapshot_count"`
	}

	err := r.db.GetContext(ctx, "rollup_ride_daily", &row, query, rideID, start, end)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to roll up ride daily stats: %w", err)
	}

	return &models.RidePeriodStats{
		RideID:          rideID,
		UptimeMinutes:   row.UptimeMinutes,
		DowntimeMinutes: row.DowntimeMinutes,
		UptimePct:       row.UptimePct,
		AvgWaitTime:     row.AvgWaitTime,
		PeakWaitTime:    row.PeakWaitTime,
		StatusChanges:   row.StatusChanges,
		ShameScore:      row.ShameScore,
		SnapshotCount:   row.SnapshotCount,
	}, nil
}

// RollupParkDaily aggregates one park's daily rows over [start, end)
// into a single unsaved stats row
func (r *statsRepository) RollupParkDaily(ctx context.Context, parkID int64, start, end time.Time) (*models.ParkPeriodStats, error) {
	query := `
		SELECT
			COALESCE(SUM(operating_minutes), 0) AS operating_minutes,
			COALESCE(SUM(downtime_minutes), 0) AS downtime_minutes,
			AVG(uptime_pct) AS uptime_pct,
			SUM(avg_wait_time * snapshot_count) / NULLIF(SUM(snapshot_count) FILTER (WHERE avg_wait_time IS NOT NULL), 0) AS avg_wait_time,
			MAX(peak_wait_time) AS peak_wait_time,
			COALESCE(SUM(status_changes), 0) AS status_changes,
			AVG(shame_score) AS shame_score,
			COALESCE(MAX(rides_tracked), 0) AS rides_tracked,
			COALESCE(SUM(snapshot_count), 0) AS snapshot_count
		FROM park_period_stats
		WHERE park_id = $1 AND period_type = 'daily'
		  AND period_start >= $2 AND period_start < $3
	`

	var row struct {
		OperatingMinutes int      `db:"operating_minutes"`
		DowntimeMinutes  int      `db:"downtime_minutes"`
		UptimePct        *float64 `db:"uptime_pct"`
		AvgWaitTime      *float64 `db:"avg_wait_time"`
		PeakWaitTime     *int     `db:"peak_wait_time"`
		StatusChanges    int      `db:"status_changes"`
		ShameScore       *float64 `db:"shame_score"`
		RidesTracked     int      `db:"rides_tracked"`
		SnapshotCount    int      `db:"snapshot_count"`
	}

	err := r.db.GetContext(ctx, "rollup_park_daily", &row, query, parkID, start, end)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to roll up park daily stats: %w", err)
	}

	return &models.ParkPeriodStats{
		ParkID:           parkID,
		OperatingMinutes: row.OperatingMinutes,
		DowntimeMinutes:  row.DowntimeMinutes,
		UptimePct:        row.UptimePct,
		AvgWaitTime:      row.AvgWaitTime,
		PeakWaitTime:     row.PeakWaitTime,
		StatusChanges:    row.StatusChanges,
		ShameScore:       row.ShameScore,
		RidesTracked:     row.RidesTracked,
		SnapshotCount:    row.SnapshotCount,
	}, nil
}
