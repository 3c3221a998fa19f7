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

// OperatingHoursDetector infers a park's local-day operating window
// from the first and last ride activity on that day. Every detection
// uses the park's own timezone; a single global clock would truncate
// late-evening activity or attribute it to the wrong day.
type OperatingHoursDetector struct {
	snapshots repository.SnapshotRepository
	sessions  repository.SessionRepository
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
	clock     clockwork.Clock
}

// NewOperatingHoursDetector creates a new operating hours detector
func NewOperatingHoursDetector(
	snapshots repository.SnapshotRepository,
	sessions repository.SessionRepository,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
	clock clockwork.Clock,
) *OperatingHoursDetector {
	return &OperatingHoursDetector{
		snapshots: snapshots,
		sessions:  sessions,
		logger:    logger,
		metrics:   metricsCollector,
		clock:     clock,
	}
}

// Detect infers the operating session for a park on one local calendar
// date. Returns (nil, nil) when the park has no snapshots that day:
// a dark park is a valid outcome, not an error.
func (d *OperatingHoursDetector) Detect(ctx context.Context, park *models.Park, date time.Time) (*models.OperatingSession, error) {
	loc, err := park.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q for park %d: %w", park.Timezone, park.ID, err)
	}

	start, end := models.ParkLocalDayRange(date.Year(), date.Month(), date.Day(), loc)

	snapshots, err := d.snapshots.SnapshotsForPark(ctx, park.ID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshots for park %d: %w", park.ID, err)
	}

	return d.BuildSession(park.ID, date, snapshots), nil
}

// BuildSession derives a session from an ascending snapshot slice
// already fetched for the park's local day. Nil when there is nothing
// to build from.
func (d *OperatingHoursDetector) BuildSession(parkID int64, date time.Time, snapshots []*models.Snapshot) *models.OperatingSession {
	if len(snapshots) == 0 {
		return nil
	}

	first := snapshots[0].RecordedAt
	last := snapshots[len(snapshots)-1].RecordedAt

	rides := make(map[int64]struct{})
	openSnapshots := 0
	for _, snap := range snapshots {
		rides[snap.RideID] = struct{}{}
		if snap.ComputedIsOpen {
			openSnapshots++
		}
	}

	return &models.OperatingSession{
		ParkID:           parkID,
		SessionDate:      time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC),
		SessionStartUTC:  first,
		SessionEndUTC:    last,
		OperatingMinutes: int(math.Round(last.Sub(first).Minutes())),
		RidesActive:      len(rides),
		OpenSnapshots:    openSnapshots,
		UpdatedAt:        d.clock.Now().UTC(),
	}
}

// Save upserts a session keyed by (park_id, session_date)
func (d *OperatingHoursDetector) Save(ctx context.Context, session *models.OperatingSession) error {
	return d.sessions.UpsertSession(ctx, session)
}

// DetectAndSave detects one park's session and persists it when found.
// Returns the session, or nil when the park was dark.
func (d *OperatingHoursDetector) DetectAndSave(ctx context.Context, park *models.Park, date time.Time) (*models.OperatingSession, error) {
	session, err := d.Detect(ctx, park, date)
	if err != nil {
		return nil, err
	}

	if session == nil {
		return nil, nil
	}

	if err := d.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session for park %d: %w", park.ID, err)
	}

	return session, nil
}

// DetectForAllParks runs detection for every active park on the given
// calendar date, each in its own timezone. Per-park failures are
// logged and skipped; the returned count reflects saved sessions only.
func (d *OperatingHoursDetector) DetectForAllParks(ctx context.Context, date time.Time) (int, error) {
	parks, err := d.snapshots.ListActiveParks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active parks: %w", err)
	}

	saved := 0
	for _, park := range parks {
		session, err := d.DetectAndSave(ctx, park, date)
		if err != nil {
			d.logger.Error(ctx, "[HOURS_DETECT_ERROR] Session detection failed", logging.Fields{
				"park_id": park.ID,
				"date":    date.Format("2006-01-02"),
			}, err)
			continue
		}
		if session != nil {
			saved++
		}
	}

	d.logger.Info(ctx, "[HOURS_DETECT_COMPLETE] Session detection completed", logging.Fields{
		"date":           date.Format("2006-01-02"),
		"parks_total":    len(parks),
		"sessions_saved": saved,
	})

	return saved, nil
}

// Backfill detects and saves sessions for each date in
// [startDate, endDate] for one park.
func (d *OperatingHoursDetector) Backfill(ctx context.Context, parkID int64, startDate, endDate time.Time) (int, error) {
	park, err := d.snapshots.GetPark(ctx, parkID)
	if err != nil {
		return 0, fmt.Errorf("failed to load park %d: %w", parkID, err)
	}

	saved := 0
	for date := startDate; !date.After(endDate); date = date.AddDate(0, 0, 1) {
		session, err := d.DetectAndSave(ctx, park, date)
		if err != nil {
			d.logger.Error(ctx, "[HOURS_BACKFILL_ERROR] Backfill detection failed", logging.Fields{
				"park_id": parkID,
				"date":    date.Format("2006-01-02"),
			}, err)
			continue
		}
		if session != nil {
			saved++
		}
	}

	return saved, nil
}
