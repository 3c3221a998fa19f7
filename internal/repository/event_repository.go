package repository

import (
	"context"
	"fmt"
	"time"

	"parkpulse/internal/models"
	"parkpulse/pkg/database"
	"parkpulse/pkg/logging"
	"parkpulse/pkg/metrics"
)

// LongestEventsFilter defines filters for the longest-downtime query
type LongestEventsFilter struct {
	ParkID *int64
	Start  *time.Time
	End    *time.Time
	Limit  int
}

// EventRepository persists and queries status-change events. Events
// are append-only: the (ride_id, changed_at) key plus insert-or-ignore
// makes re-detection under job retries yield exactly one row per
// observed transition.
type EventRepository interface {
	InsertEvents(ctx context.Context, events []*models.StatusChangeEvent) (int, error)
	EventsForRide(ctx context.Context, rideID int64, start, end time.Time) ([]*models.StatusChangeEvent, error)
	LongestEvents(ctx context.Context, filter LongestEventsFilter) ([]*models.StatusChangeEvent, error)
}

// eventRepository implements EventRepository
type eventRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) EventRepository {
	return &eventRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// InsertEvents inserts status-change events, ignoring rows whose
// (ride_id, changed_at) already exists. Returns the number actually
// inserted.
func (r *eventRepository) InsertEvents(ctx context.Context, events []*models.StatusChangeEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ride_status_changes (
			ride_id, changed_at, previous_status, new_status, is_open, downtime_minutes, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ride_id, changed_at) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, event := range events {
		result, err := stmt.ExecContext(ctx,
			event.RideID,
			event.ChangedAt,
			event.PreviousStatus,
			event.NewStatus,
			event.IsOpen,
			event.DowntimeMinutes,
			event.CreatedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert status change event: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.metrics.StatusChangeEventsTotal.Add(float64(inserted))

	return inserted, nil
}

// EventsForRide retrieves one ride's events over [start, end), ordered
// ascending by changed_at
func (r *eventRepository) EventsForRide(ctx context.Context, rideID int64, start, end time.Time) ([]*models.StatusChangeEvent, error) {
	query := `
		SELECT id, ride_id, changed_at, previous_status, new_status, is_open, downtime_minutes, created_at
		FROM ride_status_changes
		WHERE ride_id = $1 AND changed_at >= $2 AND changed_at < $3
		ORDER BY changed_at ASC
	`

	var events []*models.StatusChangeEvent
	if err := r.db.SelectContext(ctx, "events_for_ride", &events, query, rideID, start, end); err != nil {
		return nil, fmt.Errorf("failed to get ride events: %w", err)
	}

	return events, nil
}

// LongestEvents retrieves the top-N reopening events by downtime
// duration, optionally filtered by park and time range
func (r *eventRepository) LongestEvents(ctx context.Context, filter LongestEventsFilter) ([]*models.StatusChangeEvent, error) {
	query := `
		SELECT e.id, e.ride_id, e.changed_at, e.previous_status, e.new_status, e.is_open, e.downtime_minutes, e.created_at
		FROM ride_status_changes e
		JOIN rides r ON r.id = e.ride_id
		WHERE e.downtime_minutes IS NOT NULL
	`
	args := []interface{}{}
	argNum := 1

	if filter.ParkID != nil {
		query += fmt.Sprintf(" AND r.park_id = $%d", argNum)
		args = append(args, *filter.ParkID)
		argNum++
	}

	if filter.Start != nil {
		query += fmt.Sprintf(" AND e.changed_at >= $%d", argNum)
		args = append(args, *filter.Start)
		argNum++
	}

	if filter.End != nil {
		query += fmt.Sprintf(" AND e.changed_at < $%d", argNum)
		args = append(args, *filter.End)
		argNum++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	query += fmt.Sprintf(" ORDER BY e.downtime_minutes DESC LIMIT $%d", argNum)
	args = append(args, limit)

	var events []*models.StatusChangeEvent
	if err := r.db.SelectContext(ctx, "longest_events", &events, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get longest events: %w", err)
	}

	return events, nil
}
