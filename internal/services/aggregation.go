package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"parkpulse/internal/config"
	"parkpulse/internal/models"
	"parkpulse/internal/repository"
	"parkpulse/pkg/logging"
	"parkpulse/pkg/metrics"
)

// ErrJobAlreadyRunning is returned when a non-stale running job row
// exists for the requested (date, type).
var ErrJobAlreadyRunning = errors.New("aggregation job already running")

// AggregationService orchestrates the rollup pipeline: for each
// distinct park timezone it computes and idempotently persists
// per-park and per-ride period statistics, maintaining the job log the
// external cleanup job depends on.
type AggregationService struct {
	snapshots repository.SnapshotRepository
	events    repository.EventRepository
	sessions  repository.SessionRepository
	stats     repository.StatsRepository
	jobs      repository.JobRepository

	statusChanges  *StatusChangeDetector
	operatingHours *OperatingHoursDetector

	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	clock   clockwork.Clock
	cfg     config.AggregationConfig
}

// RunOptions tunes a single aggregation attempt
type RunOptions struct {
	// Force recomputes even over an existing successful job.
	Force bool
	// TimezoneFilter restricts the run to parks in one IANA timezone.
	TimezoneFilter string
	// RetryAttempt is the scheduler's attempt ordinal, carried for
	// logging only.
	RetryAttempt int
}

// RunResult reports the outcome of one aggregation attempt
type RunResult struct {
	Status          models.JobStatus `json:"status"`
	ParksProcessed  int              `json:"parks_processed"`
	RidesProcessed  int              `json:"rides_processed"`
	AggregatedUntil *time.Time       `json:"aggregated_until_ts,omitempty"`
	ShortCircuited  bool             `json:"short_circuited"`
}

// NewAggregationService creates a new aggregation service
func NewAggregationService(
	snapshots repository.SnapshotRepository,
	events repository.EventRepository,
	sessions repository.SessionRepository,
	stats repository.StatsRepository,
	jobs repository.JobRepository,
	statusChanges *StatusChangeDetector,
	operatingHours *OperatingHoursDetector,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
	clock clockwork.Clock,
	cfg config.AggregationConfig,
) *AggregationService {
	return &AggregationService{
		snapshots:      snapshots,
		events:         events,
		sessions:       sessions,
		stats:          stats,
		jobs:           jobs,
		statusChanges:  statusChanges,
		operatingHours: operatingHours,
		logger:         logger,
		metrics:        metricsCollector,
		clock:          clock,
		cfg:            cfg,
	}
}

// Run executes one aggregation attempt for (date, type). Attempts are
// idempotent: an existing successful job short-circuits to a no-op
// read unless forced, a fresh running row rejects the attempt, and a
// stale running row (no terminal transition, older than the retry
// window) is taken over by a new claim.
func (s *AggregationService) Run(ctx context.Context, date time.Time, aggregationType models.PeriodType, opts RunOptions) (*RunResult, error) {
	if !aggregationType.Valid() {
		return nil, fmt.Errorf("invalid aggregation type %q", aggregationType)
	}

	periodStart := aggregationType.PeriodStart(date)
	now := s.clock.Now().UTC()

	existing, err := s.jobs.GetJob(ctx, periodStart, aggregationType)
	if err != nil {
		// No job row exists yet; nothing to mark failed.
		return nil, fmt.Errorf("failed to read job log: %w", err)
	}

	if existing != nil && existing.Status == models.JobSuccess && !opts.Force {
		s.logger.Info(ctx, "[AGG_SHORT_CIRCUIT] Aggregation already succeeded, skipping", logging.Fields{
			"aggregation_date": periodStart.Format("2006-01-02"),
			"aggregation_type": string(aggregationType),
			"retry_attempt":    opts.RetryAttempt,
		})
		s.metrics.RecordAggregationRun(string(aggregationType), "short_circuit")
		return &RunResult{
			Status:          models.JobSuccess,
			ParksProcessed:  existing.ParksProcessed,
			RidesProcessed:  existing.RidesProcessed,
			AggregatedUntil: existing.AggregatedUntil,
			ShortCircuited:  true,
		}, nil
	}

	if existing != nil && existing.Status == models.JobRunning && !opts.Force {
		if !existing.StaleRunning(now, s.cfg.StaleRunningAfter) {
			return nil, ErrJobAlreadyRunning
		}
		s.logger.Warn(ctx, "[AGG_STALE_RUNNING] Taking over stale running job", logging.Fields{
			"aggregation_date": periodStart.Format("2006-01-02"),
			"aggregation_type": string(aggregationType),
			"started_at":       existing.StartedAt.Format(time.RFC3339),
		})
	}

	// The job identifier stays optional until the claim lands: an
	// error before this point must not try to mark an absent row.
	var jobID *int64
	claimed, err := s.jobs.ClaimJob(ctx, periodStart, aggregationType, now)
	if err != nil {
		return nil, s.fail(ctx, jobID, aggregationType, fmt.Errorf("failed to claim job: %w", err))
	}
	jobID = &claimed.ID

	timer := s.metrics.NewTimer(s.metrics.AggregationDuration.WithLabelValues(string(aggregationType)))

	s.logger.Info(ctx, "[AGG_START] Aggregation started", logging.Fields{
		"job_id":           claimed.ID,
		"aggregation_date": periodStart.Format("2006-01-02"),
		"aggregation_type": string(aggregationType),
		"retry_attempt":    opts.RetryAttempt,
		"timezone_filter":  opts.TimezoneFilter,
	})

	var (
		parksProcessed  int
		ridesProcessed  int
		aggregatedUntil *time.Time
	)

	switch aggregationType {
	case models.PeriodDaily:
		parksProcessed, ridesProcessed, aggregatedUntil, err = s.aggregateDaily(ctx, periodStart, opts)
	case models.PeriodHourly:
		parksProcessed, ridesProcessed, aggregatedUntil, err = s.aggregateHourly(ctx, periodStart, opts)
	default:
		parksProcessed, ridesProcessed, err = s.aggregateRollup(ctx, periodStart, aggregationType)
	}

	if err != nil {
		return nil, s.fail(ctx, jobID, aggregationType, err)
	}

	completedAt := s.clock.Now().UTC()
	if err := s.jobs.MarkJobSuccess(ctx, claimed.ID, completedAt, aggregatedUntil, parksProcessed, ridesProcessed); err != nil {
		return nil, s.fail(ctx, jobID, aggregationType, fmt.Errorf("failed to mark job success: %w", err))
	}

	duration := timer.ObserveDuration()
	s.metrics.RecordAggregationRun(string(aggregationType), "success")

	s.logger.Info(ctx, "[AGG_COMPLETE] Aggregation completed", logging.Fields{
		"job_id":           claimed.ID,
		"aggregation_type": string(aggregationType),
		"parks_processed":  parksProcessed,
		"rides_processed":  ridesProcessed,
		"duration_seconds": duration.Seconds(),
	})

	return &RunResult{
		Status:          models.JobSuccess,
		ParksProcessed:  parksProcessed,
		RidesProcessed:  ridesProcessed,
		AggregatedUntil: aggregatedUntil,
	}, nil
}

// fail marks the job failed when a job row exists and passes the error
// through. The presence check matters: a failure before the claim has
// no row to mark.
func (s *AggregationService) fail(ctx context.Context, jobID *int64, aggregationType models.PeriodType, cause error) error {
	s.metrics.RecordAggregationRun(string(aggregationType), "failure")

	if jobID == nil {
		s.logger.Error(ctx, "[AGG_FAILED] Aggregation failed before job row was created", logging.Fields{}, cause)
		return cause
	}

	completedAt := s.clock.Now().UTC()
	if markErr := s.jobs.MarkJobFailed(ctx, *jobID, completedAt, cause.Error()); markErr != nil {
		s.logger.Error(ctx, "[AGG_MARK_FAILED_ERROR] Could not record job failure", logging.Fields{
			"job_id": *jobID,
		}, markErr)
	}

	s.logger.Error(ctx, "[AGG_FAILED] Aggregation failed", logging.Fields{
		"job_id": *jobID,
	}, cause)

	return cause
}

// groupParksByTimezone buckets parks per IANA timezone so each group's
// query range is computed once. Groups touch disjoint park and ride
// sets.
func groupParksByTimezone(parks []*models.Park, timezoneFilter string) map[string][]*models.Park {
	groups := make(map[string][]*models.Park)
	for _, park := range parks {
		if timezoneFilter != "" && park.Timezone != timezoneFilter {
			continue
		}
		groups[park.Timezone] = append(groups[park.Timezone], park)
	}
	return groups
}

// aggregateDaily recomputes every park's and ride's daily stats for
// one calendar date from raw snapshots. Per-park failures are logged
// and skipped; only systemic failures abort the run.
func (s *AggregationService) aggregateDaily(ctx context.Context, date time.Time, opts RunOptions) (int, int, *time.Time, error) {
	parks, err := s.snapshots.ListActiveParks(ctx)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to list active parks: %w", err)
	}

	parksProcessed := 0
	ridesProcessed := 0
	var aggregatedUntil *time.Time

	for timezone, group := range groupParksByTimezone(parks, opts.TimezoneFilter) {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			s.logger.Error(ctx, "[AGG_TZ_ERROR] Skipping timezone group with bad zone", logging.Fields{
				"timezone":   timezone,
				"park_count": len(group),
			}, err)
			continue
		}

		start, end := models.ParkLocalDayRange(date.Year(), date.Month(), date.Day(), loc)

		for _, park := range group {
			rides, maxSeen, err := s.aggregateParkDay(ctx, park, date, start, end)
			if err != nil {
				s.logger.Error(ctx, "[AGG_PARK_ERROR] Skipping park after aggregation error", logging.Fields{
					"park_id": park.ID,
					"date":    date.Format("2006-01-02"),
				}, err)
				continue
			}

			parksProcessed++
			ridesProcessed += rides
			if maxSeen != nil && (aggregatedUntil == nil || maxSeen.After(*aggregatedUntil)) {
				aggregatedUntil = maxSeen
			}
		}
	}

	return parksProcessed, ridesProcessed, aggregatedUntil, nil
}

// aggregateParkDay computes and upserts one park's daily stats plus
// its rides'. Returns the number of rides processed and the newest
// snapshot timestamp covered.
func (s *AggregationService) aggregateParkDay(ctx context.Context, park *models.Park, date time.Time, start, end time.Time) (int, *time.Time, error) {
	snapshots, err := s.snapshots.SnapshotsForPark(ctx, park.ID, start, end)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to fetch snapshots: %w", err)
	}

	weights, err := s.snapshots.RideWeights(ctx, park.ID)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to fetch ride weights: %w", err)
	}

	session := s.operatingHours.BuildSession(park.ID, date, snapshots)
	if session != nil {
		if err := s.sessions.UpsertSession(ctx, session); err != nil {
			return 0, nil, fmt.Errorf("failed to save session: %w", err)
		}
	}

	parkStats, rideStats, eventsByRide := ComputeDailyStats(park, date, snapshots, weights, session, s.statusChanges)

	ridesProcessed := 0
	now := s.clock.Now().UTC()

	for rideID, events := range eventsByRide {
		if _, err := s.events.InsertEvents(ctx, events); err != nil {
			s.logger.Error(ctx, "[AGG_RIDE_ERROR] Skipping ride after event insert error", logging.Fields{
				"ride_id": rideID,
			}, err)
			delete(rideStats, rideID)
			continue
		}
	}

	for rideID, stats := range rideStats {
		stats.CreatedAt = now
		stats.UpdatedAt = now
		if err := s.stats.UpsertRideStats(ctx, stats); err != nil {
			s.logger.Error(ctx, "[AGG_RIDE_ERROR] Skipping ride after stats upsert error", logging.Fields{
				"ride_id": rideID,
			}, err)
			continue
		}
		ridesProcessed++
	}

	if parkStats != nil {
		parkStats.CreatedAt = now
		parkStats.UpdatedAt = now
		if err := s.stats.UpsertParkStats(ctx, parkStats); err != nil {
			return ridesProcessed, nil, fmt.Errorf("failed to upsert park stats: %w", err)
		}
	}

	var maxSeen *time.Time
	if len(snapshots) > 0 {
		last := snapshots[len(snapshots)-1].RecordedAt
		maxSeen = &last
	}

	return ridesProcessed, maxSeen, nil
}

// aggregateHourly persists park-level hourly shame buckets for one
// calendar date, keyed by the UTC instant of each local hour start.
func (s *AggregationService) aggregateHourly(ctx context.Context, date time.Time, opts RunOptions) (int, int, *time.Time, error) {
	parks, err := s.snapshots.ListActiveParks(ctx)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to list active parks: %w", err)
	}

	parksProcessed := 0
	var aggregatedUntil *time.Time
	now := s.clock.Now().UTC()

	for timezone, group := range groupParksByTimezone(parks, opts.TimezoneFilter) {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			s.logger.Error(ctx, "[AGG_TZ_ERROR] Skipping timezone group with bad zone", logging.Fields{
				"timezone": timezone,
			}, err)
			continue
		}

		start, end := models.ParkLocalDayRange(date.Year(), date.Month(), date.Day(), loc)

		for _, park := range group {
			snapshots, err := s.snapshots.SnapshotsForPark(ctx, park.ID, start, end)
			if err != nil {
				s.logger.Error(ctx, "[AGG_PARK_ERROR] Skipping park after snapshot fetch error", logging.Fields{
					"park_id": park.ID,
				}, err)
				continue
			}
			if len(snapshots) == 0 {
				continue
			}

			weights, err := s.snapshots.RideWeights(ctx, park.ID)
			if err != nil {
				s.logger.Error(ctx, "[AGG_PARK_ERROR] Skipping park after weight fetch error", logging.Fields{
					"park_id": park.ID,
				}, err)
				continue
			}

			series := ScoreSeries(snapshots, weights, park.SeparatesClosedDown)

			// Count only scored instants: each bucket's value is the
			// mean of its non-nil instants, so nil instants (park
			// closed) must not inflate the bucket's weight when the
			// daily average is reconstructed from the hourly rows.
			instantsPerHour := make([]int, 24)
			for _, point := range series {
				if point.Value == nil {
					continue
				}
				instantsPerHour[point.At.In(loc).Hour()]++
			}

			for _, bucket := range BucketByHour(series, loc) {
				if bucket.Value == nil {
					continue
				}
				hourStart := time.Date(date.Year(), date.Month(), date.Day(), bucket.Hour, 0, 0, 0, loc).UTC()
				stats := &models.ParkPeriodStats{
					ParkID:        park.ID,
					PeriodType:    models.PeriodHourly,
					PeriodStart:   hourStart,
					ShameScore:    bucket.Value,
					SnapshotCount: instantsPerHour[bucket.Hour],
					CreatedAt:     now,
					UpdatedAt:     now,
				}
				if err := s.stats.UpsertParkStats(ctx, stats); err != nil {
					return parksProcessed, 0, aggregatedUntil, fmt.Errorf("failed to upsert hourly stats: %w", err)
				}
			}

			parksProcessed++
			last := snapshots[len(snapshots)-1].RecordedAt
			if aggregatedUntil == nil || last.After(*aggregatedUntil) {
				aggregatedUntil = &last
			}
		}
	}

	return parksProcessed, 0, aggregatedUntil, nil
}

// aggregateRollup builds weekly, monthly or yearly rows from persisted
// daily rows. Raw snapshots are not re-read, so no high-water mark is
// recorded; cleanup keys off daily jobs only.
func (s *AggregationService) aggregateRollup(ctx context.Context, periodStart time.Time, aggregationType models.PeriodType) (int, int, error) {
	periodEnd := aggregationType.PeriodEnd(periodStart)
	now := s.clock.Now().UTC()

	rideIDs, err := s.stats.RideIDsWithDaily(ctx, periodStart, periodEnd)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list rides with daily rows: %w", err)
	}

	ridesProcessed := 0
	for _, rideID := range rideIDs {
		rollup, err := s.stats.RollupRideDaily(ctx, rideID, periodStart, periodEnd)
		if err != nil {
			s.logger.Error(ctx, "[AGG_RIDE_ERROR] Skipping ride after rollup error", logging.Fields{
				"ride_id": rideID,
			}, err)
			continue
		}

		rollup.PeriodType = aggregationType
		rollup.PeriodStart = periodStart
		rollup.CreatedAt = now
		rollup.UpdatedAt = now

		if err := s.stats.UpsertRideStats(ctx, rollup); err != nil {
			s.logger.Error(ctx, "[AGG_RIDE_ERROR] Skipping ride after rollup upsert error", logging.Fields{
				"ride_id": rideID,
			}, err)
			continue
		}
		ridesProcessed++
	}

	parkIDs, err := s.stats.ParkIDsWithDaily(ctx, periodStart, periodEnd)
	if err != nil {
		return 0, ridesProcessed, fmt.Errorf("failed to list parks with daily rows: %w", err)
	}

	parksProcessed := 0
	for _, parkID := range parkIDs {
		rollup, err := s.stats.RollupParkDaily(ctx, parkID, periodStart, periodEnd)
		if err != nil {
			s.logger.Error(ctx, "[AGG_PARK_ERROR] Skipping park after rollup error", logging.Fields{
				"park_id": parkID,
			}, err)
			continue
		}

		rollup.PeriodType = aggregationType
		rollup.PeriodStart = periodStart
		rollup.CreatedAt = now
		rollup.UpdatedAt = now

		if err := s.stats.UpsertParkStats(ctx, rollup); err != nil {
			s.logger.Error(ctx, "[AGG_PARK_ERROR] Skipping park after rollup upsert error", logging.Fields{
				"park_id": parkID,
			}, err)
			continue
		}
		parksProcessed++
	}

	return parksProcessed, ridesProcessed, nil
}

// LastSuccessful exposes the cleanup consumer's contract: the most
// recent successful job of a type, or nil. Snapshots at or above its
// aggregated_until_ts must never be deleted.
func (s *AggregationService) LastSuccessful(ctx context.Context, aggregationType models.PeriodType) (*models.AggregationJob, error) {
	return s.jobs.LastSuccessful(ctx, aggregationType)
}

// ComputeDailyStats derives one park's daily stats row, its per-ride
// rows, and the transition events behind them, from one local day of
// snapshots. This is the one compute path shared by aggregation and
// verification, so the two can never disagree on formulas. Rides with
// zero snapshots in range are simply absent.
func ComputeDailyStats(
	park *models.Park,
	date time.Time,
	snapshots []*models.Snapshot,
	weights map[int64]models.RideWeight,
	session *models.OperatingSession,
	detector *StatusChangeDetector,
) (*models.ParkPeriodStats, map[int64]*models.RidePeriodStats, map[int64][]*models.StatusChangeEvent) {
	if len(snapshots) == 0 {
		return nil, map[int64]*models.RidePeriodStats{}, map[int64][]*models.StatusChangeEvent{}
	}

	periodStart := models.PeriodDaily.PeriodStart(date)
	byRide := GroupSnapshotsByRide(snapshots)

	// Park-open instants gate both park and ride shame scores.
	parkOpenAt := make(map[time.Time]bool)
	for _, snap := range snapshots {
		if snap.ComputedIsOpen {
			parkOpenAt[snap.RecordedAt.UTC()] = true
		}
	}

	operatingMinutes := 0
	if session != nil {
		operatingMinutes = session.OperatingMinutes
	}

	eventsByRide := make(map[int64][]*models.StatusChangeEvent, len(byRide))
	rideStats := make(map[int64]*models.RidePeriodStats, len(byRide))

	totalDowntime := 0
	totalChanges := 0

	for rideID, rideSnapshots := range byRide {
		events := detector.DetectFromSnapshots(rideSnapshots)
		eventsByRide[rideID] = events

		downtime := 0
		for _, event := range events {
			if event.DowntimeMinutes != nil {
				downtime += *event.DowntimeMinutes
			}
		}
		totalDowntime += downtime
		totalChanges += len(events)

		weight := models.DefaultTierWeight
		if w, ok := weights[rideID]; ok {
			weight = w.TierWeight
		}

		rideStats[rideID] = computeRideDay(rideID, rideSnapshots, events, parkOpenAt, park.SeparatesClosedDown, weight, operatingMinutes, downtime, periodStart)
	}

	parkStats := &models.ParkPeriodStats{
		ParkID:           park.ID,
		PeriodType:       models.PeriodDaily,
		PeriodStart:      periodStart,
		OperatingMinutes: operatingMinutes,
		DowntimeMinutes:  totalDowntime,
		StatusChanges:    totalChanges,
		ShameScore:       AverageFromSnapshots(snapshots, weights, park.SeparatesClosedDown),
		RidesTracked:     len(byRide),
		SnapshotCount:    len(snapshots),
	}

	parkStats.AvgWaitTime, parkStats.PeakWaitTime = waitStats(snapshots)

	capacity := operatingMinutes * len(byRide)
	if capacity > 0 {
		pct := float64(capacity-totalDowntime) / float64(capacity) * 100
		if pct < 0 {
			pct = 0
		}
		parkStats.UptimePct = &pct
	}

	return parkStats, rideStats, eventsByRide
}

// computeRideDay derives one ride's daily stats row.
func computeRideDay(
	rideID int64,
	snapshots []*models.Snapshot,
	events []*models.StatusChangeEvent,
	parkOpenAt map[time.Time]bool,
	separatesClosedDown bool,
	weight int,
	operatingMinutes int,
	downtime int,
	periodStart time.Time,
) *models.RidePeriodStats {
	stats := &models.RidePeriodStats{
		RideID:          rideID,
		PeriodType:      models.PeriodDaily,
		PeriodStart:     periodStart,
		DowntimeMinutes: downtime,
		StatusChanges:   len(events),
		SnapshotCount:   len(snapshots),
	}

	stats.AvgWaitTime, stats.PeakWaitTime = waitStats(snapshots)

	uptime := operatingMinutes - downtime
	if uptime < 0 {
		uptime = 0
	}
	stats.UptimeMinutes = uptime

	pct := 0.0
	if operatingMinutes > 0 {
		pct = float64(uptime) / float64(operatingMinutes) * 100
	}
	stats.UptimePct = &pct

	// Ride shame is the park formula restricted to one ride: its down
	// fraction over park-open instants, scaled to 0-10. Unclassified
	// rides carry no score.
	if weight > 0 {
		openInstants := 0
		downInstants := 0
		for _, snap := range snapshots {
			if snap.Status == models.StatusRefurbishment {
				continue
			}
			if !parkOpenAt[snap.RecordedAt.UTC()] {
				continue
			}
			openInstants++
			if IsDownStatus(snap.Status, separatesClosedDown) {
				downInstants++
			}
		}
		if openInstants > 0 {
			score := float64(downInstants) / float64(openInstants) * 10
			stats.ShameScore = &score
		}
	}

	return stats
}

// waitStats computes the mean and peak of the non-null wait times in a
// snapshot slice. Both nil when no snapshot reports a wait.
func waitStats(snapshots []*models.Snapshot) (*float64, *int) {
	sum := 0
	count := 0
	var peak *int

	for _, snap := range snapshots {
		if snap.WaitTime == nil {
			continue
		}
		sum += *snap.WaitTime
		count++
		if peak == nil || *snap.WaitTime > *peak {
			w := *snap.WaitTime
			peak = &w
		}
	}

	if count == 0 {
		return nil, nil
	}

	avg := float64(sum) / float64(count)
	return &avg, peak
}
