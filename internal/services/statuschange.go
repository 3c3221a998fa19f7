package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"parkpulse/internal/models"
	"parkpulse/internal/repository"
	"parkpulse/pkg/logging"
	"parkpulse/pkg/metrics"
)

// StatusChangeDetector walks ordered snapshots and emits open/closed
// transition events with downtime durations.
type StatusChangeDetector struct {
	snapshots repository.SnapshotRepository
	events    repository.EventRepository
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
	clock     clockwork.Clock
}

// DowntimeSummary aggregates a ride's downtime over one window
type DowntimeSummary struct {
	RideID               int64   `json:"ride_id"`
	DowntimeEventCount   int     `json:"downtime_event_count"`
	TotalDowntimeMinutes int     `json:"total_downtime_minutes"`
	UptimePercentage     float64 `json:"uptime_percentage"`
	PeriodMinutes        int     `json:"period_minutes"`
}

// NewStatusChangeDetector creates a new status change detector
func NewStatusChangeDetector(
	snapshots repository.SnapshotRepository,
	events repository.EventRepository,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
	clock clockwork.Clock,
) *StatusChangeDetector {
	return &StatusChangeDetector{
		snapshots: snapshots,
		events:    events,
		logger:    logger,
		metrics:   metricsCollector,
		clock:     clock,
	}
}

// Detect fetches one ride's snapshots over [start, end) and returns
// the transition events observed. Fewer than two snapshots yields an
// empty result, not an error.
func (d *StatusChangeDetector) Detect(ctx context.Context, rideID int64, start, end time.Time) ([]*models.StatusChangeEvent, error) {
	snapshots, err := d.snapshots.SnapshotsForRide(ctx, rideID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshots for ride %d: %w", rideID, err)
	}

	return d.DetectFromSnapshots(snapshots), nil
}

// DetectFromSnapshots derives transition events from an ascending
// snapshot sequence for a single ride. An event is emitted exactly
// when computed_is_open differs between adjacent snapshots. Downtime
// on a reopening event is measured back to the last snapshot observed
// open, so the gap in which the ride actually went down is charged to
// the outage.
func (d *StatusChangeDetector) DetectFromSnapshots(snapshots []*models.Snapshot) []*models.StatusChangeEvent {
	if len(snapshots) < 2 {
		return nil
	}

	now := d.clock.Now().UTC()
	events := make([]*models.StatusChangeEvent, 0)

	// downSince is the reference point for the current down run: the
	// last snapshot seen open, or the window start when the ride was
	// already down at the first snapshot.
	downSince := snapshots[0].RecordedAt

	prev := snapshots[0]
	for _, curr := range snapshots[1:] {
		if curr.ComputedIsOpen != prev.ComputedIsOpen {
			event := &models.StatusChangeEvent{
				RideID:         curr.RideID,
				ChangedAt:      curr.RecordedAt,
				PreviousStatus: prev.Status,
				NewStatus:      curr.Status,
				IsOpen:         curr.ComputedIsOpen,
				CreatedAt:      now,
			}

			if curr.ComputedIsOpen {
				minutes := int(math.Round(curr.RecordedAt.Sub(downSince).Minutes()))
				event.DowntimeMinutes = &minutes
			} else {
				downSince = prev.RecordedAt
			}

			events = append(events, event)
		}

		prev = curr
	}

	return events
}

// DetectAndStore detects one ride's transitions and persists them.
// Returns the events detected; re-runs insert nothing new.
func (d *StatusChangeDetector) DetectAndStore(ctx context.Context, rideID int64, start, end time.Time) ([]*models.StatusChangeEvent, error) {
	events, err := d.Detect(ctx, rideID, start, end)
	if err != nil {
		return nil, err
	}

	if _, err := d.events.InsertEvents(ctx, events); err != nil {
		return nil, fmt.Errorf("failed to store events for ride %d: %w", rideID, err)
	}

	return events, nil
}

// Summarize computes a ride's downtime summary over [start, end).
func (d *StatusChangeDetector) Summarize(ctx context.Context, rideID int64, start, end time.Time) (*DowntimeSummary, error) {
	events, err := d.Detect(ctx, rideID, start, end)
	if err != nil {
		return nil, err
	}

	summary := SummarizeEvents(rideID, events, start, end)
	return summary, nil
}

// SummarizeEvents folds transition events into a downtime summary.
// A zero-length period has 0% uptime by definition.
func SummarizeEvents(rideID int64, events []*models.StatusChangeEvent, start, end time.Time) *DowntimeSummary {
	summary := &DowntimeSummary{
		RideID:        rideID,
		PeriodMinutes: int(math.Round(end.Sub(start).Minutes())),
	}

	for _, event := range events {
		if !event.IsOpen {
			summary.DowntimeEventCount++
		}
		if event.DowntimeMinutes != nil {
			summary.TotalDowntimeMinutes += *event.DowntimeMinutes
		}
	}

	if summary.PeriodMinutes > 0 {
		summary.UptimePercentage = float64(summary.PeriodMinutes-summary.TotalDowntimeMinutes) / float64(summary.PeriodMinutes) * 100
	}

	return summary
}

// LongestEvents retrieves the top-N downtime events, optionally
// filtered by park and time range.
func (d *StatusChangeDetector) LongestEvents(ctx context.Context, filter repository.LongestEventsFilter) ([]*models.StatusChangeEvent, error) {
	return d.events.LongestEvents(ctx, filter)
}

// DetectForPark detects transitions for every ride of a park over
// [start, end) from a single bulk fetch, returning events grouped by
// ride.
func (d *StatusChangeDetector) DetectForPark(ctx context.Context, parkID int64, start, end time.Time) (map[int64][]*models.StatusChangeEvent, error) {
	snapshots, err := d.snapshots.SnapshotsForPark(ctx, parkID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshots for park %d: %w", parkID, err)
	}

	byRide := GroupSnapshotsByRide(snapshots)
	result := make(map[int64][]*models.StatusChangeEvent, len(byRide))
	for rideID, rideSnapshots := range byRide {
		result[rideID] = d.DetectFromSnapshots(rideSnapshots)
	}

	return result, nil
}

// GroupSnapshotsByRide splits an ascending snapshot slice into
// per-ride slices, preserving order.
func GroupSnapshotsByRide(snapshots []*models.Snapshot) map[int64][]*models.Snapshot {
	byRide := make(map[int64][]*models.Snapshot)
	for _, snap := range snapshots {
		byRide[snap.RideID] = append(byRide[snap.RideID], snap)
	}
	return byRide
}
