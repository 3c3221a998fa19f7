package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"parkpulse/internal/models"
	"parkpulse/pkg/database"
	"parkpulse/pkg/logging"
	"parkpulse/pkg/metrics"
)

// SnapshotRepository provides read access to parks, rides, weights and
// the raw snapshot store, plus the batch write path used by the
// importer. Raw snapshots are append-only; nothing here mutates them.
type SnapshotRepository interface {
	// Park and ride lookups
	ListActiveParks(ctx context.Context) ([]*models.Park, error)
	GetPark(ctx context.Context, parkID int64) (*models.Park, error)
	ListRidesByPark(ctx context.Context, parkID int64) ([]*models.Ride, error)
	GetRide(ctx context.Context, rideID int64) (*models.Ride, error)

	// Snapshot reads, ordered ascending over [start, end)
	SnapshotsForRide(ctx context.Context, rideID int64, start, end time.Time) ([]*models.Snapshot, error)
	SnapshotsForPark(ctx context.Context, parkID int64, start, end time.Time) ([]*models.Snapshot, error)
	LatestParkInstant(ctx context.Context, parkID int64) ([]*models.Snapshot, error)

	// Classifier weight lookup, read-only to this pipeline
	RideWeights(ctx context.Context, parkID int64) (map[int64]models.RideWeight, error)

	// Importer write path
	CreateSnapshotsBatch(ctx context.Context, snapshots []*models.Snapshot) error
	CreateParkActivityBatch(ctx context.Context, activity []*models.ParkActivitySnapshot) error

	HealthCheck(ctx context.Context) error
}

// snapshotRepository implements SnapshotRepository
type snapshotRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) SnapshotRepository {
	return &snapshotRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// ListActiveParks retrieves all parks currently tracked
func (r *snapshotRepository) ListActiveParks(ctx context.Context) ([]*models.Park, error) {
	query := `
		SELECT id, slug, name, timezone, separates_closed_down, active, created_at, updated_at
		FROM parks
		WHERE active = TRUE
		ORDER BY id
	`

	var parks []*models.Park
	if err := r.db.SelectContext(ctx, "list_active_parks", &parks, query); err != nil {
		return nil, fmt.Errorf("failed to list active parks: %w", err)
	}

	return parks, nil
}

// GetPark retrieves a park by ID
func (r *snapshotRepository) GetPark(ctx context.Context, parkID int64) (*models.Park, error) {
	query := `
		SELECT id, slug, name, timezone, separates_closed_down, active, created_at, updated_at
		FROM parks
		WHERE id = $1
	`

	var park models.Park
	err := r.db.GetContext(ctx, "get_park", &park, query, parkID)

	if err == sql.ErrNoRows {
		return nil, &NotFoundError{
			Resource: "park",
			ID:       strconv.FormatInt(parkID, 10),
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get park: %w", err)
	}

	return &park, nil
}

// ListRidesByPark retrieves all active rides belonging to a park
func (r *snapshotRepository) ListRidesByPark(ctx context.Context, parkID int64) ([]*models.Ride, error) {
	query := `
		SELECT id, park_id, name, active, created_at, updated_at
		FROM rides
		WHERE park_id = $1 AND active = TRUE
		ORDER BY id
	`

	var rides []*models.Ride
	if err := r.db.SelectContext(ctx, "list_rides_by_park", &rides, query, parkID); err != nil {
		return nil, fmt.Errorf("failed to list rides: %w", err)
	}

	return rides, nil
}

// GetRide retrieves a ride by ID
func (r *snapshotRepository) GetRide(ctx context.Context, rideID int64) (*models.Ride, error) {
	query := `
		SELECT id, park_id, name, active, created_at, updated_at
		FROM rides
		WHERE id = $1
	`

	var ride models.Ride
	err := r.db.GetContext(ctx, "get_ride", &ride, query, rideID)

	if err == sql.ErrNoRows {
		return nil, &NotFoundError{
			Resource: "ride",
			ID:       strconv.FormatInt(rideID, 10),
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get ride: %w", err)
	}

	return &ride, nil
}

// SnapshotsForRide retrieves one ride's snapshots over [start, end),
// ordered ascending by recorded_at
func (r *snapshotRepository) SnapshotsForRide(ctx context.Context, rideID int64, start, end time.Time) ([]*models.Snapshot, error) {
	query := `
		SELECT id, ride_id, recorded_at, wait_time, status, computed_is_open, created_at
		FROM ride_status_snapshots
		WHERE ride_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		ORDER BY recorded_at ASC
	`

	var snapshots []*models.Snapshot
	if err := r.db.SelectContext(ctx, "snapshots_for_ride", &snapshots, query, rideID, start, end); err != nil {
		return nil, fmt.Errorf("failed to get ride snapshots: %w", err)
	}

	return snapshots, nil
}

// SnapshotsForPark retrieves all snapshots for a park's rides over
// [start, end), ordered by recorded_at then ride
func (r *snapshotRepository) SnapshotsForPark(ctx context.Context, parkID int64, start, end time.Time) ([]*models.Snapshot, error) {
	query := `
		SELECT s.id, s.ride_id, s.recorded_at, s.wait_time, s.status, s.computed_is_open, s.created_at
		FROM ride_status_snapshots s
		JOIN rides r ON r.id = s.ride_id
		WHERE r.park_id = $1 AND s.recorded_at >= $2 AND s.recorded_at < $3
		ORDER BY s.recorded_at ASC, s.ride_id ASC
	`

	var snapshots []*models.Snapshot
	if err := r.db.SelectContext(ctx, "snapshots_for_park", &snapshots, query, parkID, start, end); err != nil {
		return nil, fmt.Errorf("failed to get park snapshots: %w", err)
	}

	return snapshots, nil
}

// LatestParkInstant retrieves the snapshots at the single most recent
// recorded_at seen for the park. Used only for live displays.
func (r *snapshotRepository) LatestParkInstant(ctx context.Context, parkID int64) ([]*models.Snapshot, error) {
	query := `
		SELECT s.id, s.ride_id, s.recorded_at, s.wait_time, s.status, s.computed_is_open, s.created_at
		FROM ride_status_snapshots s
		JOIN rides r ON r.id = s.ride_id
		WHERE r.park_id = $1
		  AND s.recorded_at = (
			SELECT MAX(s2.recorded_at)
			FROM ride_status_snapshots s2
			JOIN rides r2 ON r2.id = s2.ride_id
			WHERE r2.park_id = $1
		  )
		ORDER BY s.ride_id ASC
	`

	var snapshots []*models.Snapshot
	if err := r.db.SelectContext(ctx, "latest_park_instant", &snapshots, query, parkID); err != nil {
		return nil, fmt.Errorf("failed to get latest park instant: %w", err)
	}

	return snapshots, nil
}

// RideWeights retrieves the classifier's tier weights for a park's
// rides. Rides without a row are simply absent from the map.
func (r *snapshotRepository) RideWeights(ctx context.Context, parkID int64) (map[int64]models.RideWeight, error) {
	query := `
		SELECT c.ride_id, c.tier, c.tier_weight
		FROM ride_classifications c
		JOIN rides r ON r.id = c.ride_id
		WHERE r.park_id = $1
	`

	var rows []models.RideWeight
	if err := r.db.SelectContext(ctx, "ride_weights", &rows, query, parkID); err != nil {
		return nil, fmt.Errorf("failed to get ride weights: %w", err)
	}

	weights := make(map[int64]models.RideWeight, len(rows))
	for _, row := range rows {
		weights[row.RideID] = row
	}

	return weights, nil
}

// CreateSnapshotsBatch inserts snapshots in a single transaction.
// Duplicate (ride_id, recorded_at) rows are ignored so re-imports stay
// idempotent.
func (r *snapshotRepository) CreateSnapshotsBatch(ctx context.Context, snapshots []*models.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		r.metrics.ImportBatchSize.Observe(float64(len(snapshots)))
		r.logger.Debug(ctx, "[REPO_BATCH_INSERT] Snapshot batch insert completed", logging.Fields{
			"count":       len(snapshots),
			"duration_ms": duration.Milliseconds(),
		})
	}()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ride_status_snapshots (
			ride_id, recorded_at, wait_time, status, computed_is_open, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ride_id, recorded_at) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snapshots {
		_, err := stmt.ExecContext(ctx,
			snap.RideID,
			snap.RecordedAt,
			snap.WaitTime,
			snap.Status,
			snap.ComputedIsOpen,
			snap.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.metrics.ImportRecordsTotal.Add(float64(len(snapshots)))

	return nil
}

// CreateParkActivityBatch inserts derived park activity rows,
// ignoring duplicates per (park_id, recorded_at)
func (r *snapshotRepository) CreateParkActivityBatch(ctx context.Context, activity []*models.ParkActivitySnapshot) error {
	if len(activity) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO park_activity_snapshots (
			park_id, recorded_at, park_appears_open, rides_total, rides_open
		)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (park_id, recorded_at) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, a := range activity {
		_, err := stmt.ExecContext(ctx,
			a.ParkID,
			a.RecordedAt,
			a.ParkAppearsOpen,
			a.RidesTotal,
			a.RidesOpen,
		)
		if err != nil {
			return fmt.Errorf("failed to insert park activity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// HealthCheck performs a repository health check
func (r *snapshotRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}
