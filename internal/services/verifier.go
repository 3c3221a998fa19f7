package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"parkpulse/internal/config"
	"parkpulse/internal/models"
	"parkpulse/internal/repository"
	"parkpulse/pkg/logging"
	"parkpulse/pkg/metrics"
)

// Issue severities. CRITICAL means a stored value contradicts the
// recomputation; WARNING means a drift within explainable bounds or a
// data-quality smell.
const (
	SeverityCritical = "CRITICAL"
	SeverityWarning  = "WARNING"
)

// Score drift at or below shameTolerance is floating-point noise and
// not reported; above shameCriticalDrift it is a contradiction.
const (
	shameTolerance     = 0.05
	shameCriticalDrift = 0.5
)

// AuditTable selects which aggregate table an audit diffs.
type AuditTable string

const (
	AuditAll   AuditTable = "all"
	AuditParks AuditTable = "park"
	AuditRides AuditTable = "ride"
)

// ParseAuditTable maps a CLI value onto the table selector. The empty
// string means everything.
func ParseAuditTable(s string) (AuditTable, error) {
	switch s {
	case "", "all":
		return AuditAll, nil
	case "park", "parks":
		return AuditParks, nil
	case "ride", "rides":
		return AuditRides, nil
	}
	return "", fmt.Errorf("unknown audit table %q (want park, ride, or all)", s)
}

func (t AuditTable) includesParks() bool { return t == AuditAll || t == AuditParks }
func (t AuditTable) includesRides() bool { return t == AuditAll || t == AuditRides }

// AuditIssue is one discrepancy found by the verifier
type AuditIssue struct {
	Severity string    `json:"severity"`
	ParkID   *int64    `json:"park_id,omitempty"`
	RideID   *int64    `json:"ride_id,omitempty"`
	Field    string    `json:"field"`
	Stored   string    `json:"stored"`
	Expected string    `json:"expected"`
	Date     time.Time `json:"date"`
	Message  string    `json:"message"`
}

// AuditSummary is the outcome of one audit run
type AuditSummary struct {
	Date         time.Time    `json:"date"`
	ParksChecked int          `json:"parks_checked"`
	RidesChecked int          `json:"rides_checked"`
	Issues       []AuditIssue `json:"issues"`
}

// Criticals counts CRITICAL issues
func (s *AuditSummary) Criticals() int {
	n := 0
	for _, issue := range s.Issues {
		if issue.Severity == SeverityCritical {
			n++
		}
	}
	return n
}

// Warnings counts WARNING issues
func (s *AuditSummary) Warnings() int {
	return len(s.Issues) - s.Criticals()
}

// ExitCode maps the summary to the auditor binary's contract: 0 clean,
// 1 any critical, 2 warnings only.
func (s *AuditSummary) ExitCode() int {
	if s.Criticals() > 0 {
		return 1
	}
	if len(s.Issues) > 0 {
		return 2
	}
	return 0
}

// Merge folds another summary's results into this one.
func (s *AuditSummary) Merge(other *AuditSummary) {
	s.ParksChecked += other.ParksChecked
	s.RidesChecked += other.RidesChecked
	s.Issues = append(s.Issues, other.Issues...)
}

// AggregateVerifier audits persisted aggregates by recomputing them
// from raw snapshots through the same compute path the aggregation
// uses, then diffing stored against recomputed values.
type AggregateVerifier struct {
	snapshots repository.SnapshotRepository
	sessions  repository.SessionRepository
	stats     repository.StatsRepository

	statusChanges  *StatusChangeDetector
	operatingHours *OperatingHoursDetector

	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	clock   clockwork.Clock
	cfg     config.AggregationConfig
}

// NewAggregateVerifier creates a new aggregate verifier
func NewAggregateVerifier(
	snapshots repository.SnapshotRepository,
	sessions repository.SessionRepository,
	stats repository.StatsRepository,
	statusChanges *StatusChangeDetector,
	operatingHours *OperatingHoursDetector,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
	clock clockwork.Clock,
	cfg config.AggregationConfig,
) *AggregateVerifier {
	return &AggregateVerifier{
		snapshots:      snapshots,
		sessions:       sessions,
		stats:          stats,
		statusChanges:  statusChanges,
		operatingHours: operatingHours,
		logger:         logger,
		metrics:        metricsCollector,
		clock:          clock,
		cfg:            cfg,
	}
}

// Verify recomputes one date's daily aggregates for every active park
// and diffs them against the stored rows, restricted to the selected
// table. Audit-only: nothing is written.
func (v *AggregateVerifier) Verify(ctx context.Context, date time.Time, table AuditTable) (*AuditSummary, error) {
	periodStart := models.PeriodDaily.PeriodStart(date)
	summary := &AuditSummary{Date: periodStart}

	parks, err := v.snapshots.ListActiveParks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active parks: %w", err)
	}

	storedByPark := make(map[int64]*models.ParkPeriodStats)
	if table.includesParks() {
		storedParkRows, err := v.stats.ListParkStatsForPeriod(ctx, models.PeriodDaily, periodStart)
		if err != nil {
			return nil, fmt.Errorf("failed to list stored park stats: %w", err)
		}
		for _, row := range storedParkRows {
			storedByPark[row.ParkID] = row
		}
	}

	storedByRide := make(map[int64]*models.RidePeriodStats)
	if table.includesRides() {
		storedRideRows, err := v.stats.ListRideStatsForPeriod(ctx, models.PeriodDaily, periodStart)
		if err != nil {
			return nil, fmt.Errorf("failed to list stored ride stats: %w", err)
		}
		for _, row := range storedRideRows {
			storedByRide[row.RideID] = row
		}
	}

	for _, park := range parks {
		if err := v.verifyPark(ctx, park, periodStart, table, storedByPark[park.ID], storedByRide, summary); err != nil {
			v.logger.Error(ctx, "[AUDIT_PARK_ERROR] Skipping park after verification error", logging.Fields{
				"park_id": park.ID,
			}, err)
		}
	}

	v.reportSummary(ctx, summary)
	return summary, nil
}

// verifyPark recomputes one park's day and appends any discrepancies.
func (v *AggregateVerifier) verifyPark(
	ctx context.Context,
	park *models.Park,
	periodStart time.Time,
	table AuditTable,
	stored *models.ParkPeriodStats,
	storedByRide map[int64]*models.RidePeriodStats,
	summary *AuditSummary,
) error {
	loc, err := park.Location()
	if err != nil {
		return err
	}

	start, end := models.ParkLocalDayRange(periodStart.Year(), periodStart.Month(), periodStart.Day(), loc)
	snapshots, err := v.snapshots.SnapshotsForPark(ctx, park.ID, start, end)
	if err != nil {
		return fmt.Errorf("failed to fetch snapshots: %w", err)
	}

	if len(snapshots) == 0 {
		if table.includesParks() && stored != nil {
			summary.Issues = append(summary.Issues, AuditIssue{
				Severity: SeverityCritical,
				ParkID:   &park.ID,
				Field:    "park_period_stats",
				Stored:   "row present",
				Expected: "no row",
				Date:     periodStart,
				Message:  "stored daily row exists but no snapshots cover the date",
			})
		}
		return nil
	}

	weights, err := v.snapshots.RideWeights(ctx, park.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch ride weights: %w", err)
	}

	session := v.operatingHours.BuildSession(park.ID, periodStart, snapshots)
	expectedPark, expectedRides, _ := ComputeDailyStats(park, periodStart, snapshots, weights, session, v.statusChanges)

	if table.includesParks() {
		summary.ParksChecked++

		if stored == nil {
			summary.Issues = append(summary.Issues, AuditIssue{
				Severity: SeverityCritical,
				ParkID:   &park.ID,
				Field:    "park_period_stats",
				Stored:   "no row",
				Expected: "row present",
				Date:     periodStart,
				Message:  "snapshots cover the date but no stored daily row exists",
			})
		} else {
			v.diffParkRow(park, periodStart, stored, expectedPark, snapshots, weights, summary)
		}
	}

	if !table.includesRides() {
		return nil
	}

	for rideID, expected := range expectedRides {
		summary.RidesChecked++
		storedRide, ok := storedByRide[rideID]
		if !ok {
			id := rideID
			summary.Issues = append(summary.Issues, AuditIssue{
				Severity: SeverityCritical,
				ParkID:   &park.ID,
				RideID:   &id,
				Field:    "ride_period_stats",
				Stored:   "no row",
				Expected: "row present",
				Date:     periodStart,
				Message:  "snapshots cover the ride but no stored daily row exists",
			})
			continue
		}
		v.diffRideRow(park.ID, rideID, periodStart, storedRide, expected, summary)
	}

	return nil
}

func (v *AggregateVerifier) diffParkRow(
	park *models.Park,
	periodStart time.Time,
	stored, expected *models.ParkPeriodStats,
	snapshots []*models.Snapshot,
	weights map[int64]models.RideWeight,
	summary *AuditSummary,
) {
	add := func(severity, field, storedVal, expectedVal, message string) {
		summary.Issues = append(summary.Issues, AuditIssue{
			Severity: severity,
			ParkID:   &park.ID,
			Field:    field,
			Stored:   storedVal,
			Expected: expectedVal,
			Date:     periodStart,
			Message:  message,
		})
	}

	if severity, ok := scoreDrift(stored.ShameScore, expected.ShameScore); ok {
		message := "stored shame score diverges from recomputation"
		if severity == SeverityCritical {
			// A stored score matching the inverted closed/down rule
			// points at an operator misclassification, not drift.
			inverted := AverageFromSnapshots(snapshots, weights, !park.SeparatesClosedDown)
			if _, still := scoreDrift(stored.ShameScore, inverted); !still {
				message = "stored shame score matches the inverted closed/down rule; check the park's operator classification"
			}
		}
		add(severity, "shame_score", floatPtrString(stored.ShameScore), floatPtrString(expected.ShameScore), message)
	}

	if severity, ok := minuteDrift(stored.DowntimeMinutes, expected.DowntimeMinutes, v.cfg.SnapshotInterval); ok {
		add(severity, "downtime_minutes", fmt.Sprintf("%d", stored.DowntimeMinutes), fmt.Sprintf("%d", expected.DowntimeMinutes), "stored downtime diverges from recomputation")
	}

	if severity, ok := minuteDrift(stored.OperatingMinutes, expected.OperatingMinutes, v.cfg.SnapshotInterval); ok {
		add(severity, "operating_minutes", fmt.Sprintf("%d", stored.OperatingMinutes), fmt.Sprintf("%d", expected.OperatingMinutes), "stored operating minutes diverge from session recomputation")
	}

	if stored.StatusChanges != expected.StatusChanges {
		add(SeverityCritical, "status_changes", fmt.Sprintf("%d", stored.StatusChanges), fmt.Sprintf("%d", expected.StatusChanges), "stored status-change count diverges from recomputation")
	}

	if stored.RidesTracked != expected.RidesTracked {
		add(SeverityCritical, "rides_tracked", fmt.Sprintf("%d", stored.RidesTracked), fmt.Sprintf("%d", expected.RidesTracked), "stored ride count diverges from recomputation")
	}
}

func (v *AggregateVerifier) diffRideRow(
	parkID, rideID int64,
	periodStart time.Time,
	stored, expected *models.RidePeriodStats,
	summary *AuditSummary,
) {
	add := func(severity, field, storedVal, expectedVal, message string) {
		id := rideID
		summary.Issues = append(summary.Issues, AuditIssue{
			Severity: severity,
			ParkID:   &parkID,
			RideID:   &id,
			Field:    field,
			Stored:   storedVal,
			Expected: expectedVal,
			Date:     periodStart,
			Message:  message,
		})
	}

	if severity, ok := scoreDrift(stored.ShameScore, expected.ShameScore); ok {
		add(severity, "shame_score", floatPtrString(stored.ShameScore), floatPtrString(expected.ShameScore), "stored shame score diverges from recomputation")
	}

	if severity, ok := minuteDrift(stored.DowntimeMinutes, expected.DowntimeMinutes, v.cfg.SnapshotInterval); ok {
		add(severity, "downtime_minutes", fmt.Sprintf("%d", stored.DowntimeMinutes), fmt.Sprintf("%d", expected.DowntimeMinutes), "stored downtime diverges from recomputation")
	}

	if stored.StatusChanges != expected.StatusChanges {
		add(SeverityCritical, "status_changes", fmt.Sprintf("%d", stored.StatusChanges), fmt.Sprintf("%d", expected.StatusChanges), "stored status-change count diverges from recomputation")
	}

	if stored.SnapshotCount != expected.SnapshotCount {
		add(SeverityWarning, "snapshot_count", fmt.Sprintf("%d", stored.SnapshotCount), fmt.Sprintf("%d", expected.SnapshotCount), "stored snapshot count diverges; late-arriving snapshots are the usual cause")
	}
}

// FullAudit runs Verify plus the structural checks: snapshot cadence
// and the hourly/daily consistency contract. The hourly contract reads
// park rows, so a rides-only audit skips it; cadence inspects raw
// snapshots and runs regardless of the table selector.
func (v *AggregateVerifier) FullAudit(ctx context.Context, date time.Time, table AuditTable) (*AuditSummary, error) {
	summary, err := v.Verify(ctx, date, table)
	if err != nil {
		return nil, err
	}

	periodStart := models.PeriodDaily.PeriodStart(date)

	parks, err := v.snapshots.ListActiveParks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active parks: %w", err)
	}

	storedByPark := make(map[int64]*models.ParkPeriodStats)
	if table.includesParks() {
		storedParkRows, err := v.stats.ListParkStatsForPeriod(ctx, models.PeriodDaily, periodStart)
		if err != nil {
			return nil, fmt.Errorf("failed to list stored park stats: %w", err)
		}
		for _, row := range storedParkRows {
			storedByPark[row.ParkID] = row
		}
	}

	for _, park := range parks {
		loc, err := park.Location()
		if err != nil {
			continue
		}
		start, end := models.ParkLocalDayRange(periodStart.Year(), periodStart.Month(), periodStart.Day(), loc)
		snapshots, err := v.snapshots.SnapshotsForPark(ctx, park.ID, start, end)
		if err != nil || len(snapshots) == 0 {
			continue
		}

		v.checkCadence(park.ID, periodStart, snapshots, summary)

		if stored, ok := storedByPark[park.ID]; ok && stored.ShameScore != nil {
			if err := v.checkHourlyContract(ctx, park, periodStart, stored, summary); err != nil {
				v.logger.Error(ctx, "[AUDIT_PARK_ERROR] Hourly contract check failed", logging.Fields{
					"park_id": park.ID,
				}, err)
			}
		}
	}

	v.reportSummary(ctx, summary)
	return summary, nil
}

// checkCadence flags parks whose snapshot spacing drifted well past
// the collector interval, which silently degrades minute-based stats.
func (v *AggregateVerifier) checkCadence(parkID int64, periodStart time.Time, snapshots []*models.Snapshot, summary *AuditSummary) {
	instants := make([]time.Time, 0, len(snapshots))
	seen := make(map[time.Time]bool)
	for _, snap := range snapshots {
		at := snap.RecordedAt.UTC()
		if !seen[at] {
			seen[at] = true
			instants = append(instants, at)
		}
	}
	if len(instants) < 3 {
		return
	}
	sort.Slice(instants, func(i, j int) bool { return instants[i].Before(instants[j]) })

	gaps := make([]time.Duration, 0, len(instants)-1)
	for i := 1; i < len(instants); i++ {
		gaps = append(gaps, instants[i].Sub(instants[i-1]))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	median := gaps[len(gaps)/2]

	if median > v.cfg.SnapshotInterval*3/2 {
		summary.Issues = append(summary.Issues, AuditIssue{
			Severity: SeverityWarning,
			ParkID:   &parkID,
			Field:    "snapshot_cadence",
			Stored:   median.String(),
			Expected: v.cfg.SnapshotInterval.String(),
			Date:     periodStart,
			Message:  "median snapshot spacing exceeds the collector interval",
		})
	}
}

// checkHourlyContract verifies that the stored hourly buckets average
// back to the stored daily score. Both fold the same instant series,
// so a mismatch means one of the two aggregations is stale.
func (v *AggregateVerifier) checkHourlyContract(ctx context.Context, park *models.Park, periodStart time.Time, storedDaily *models.ParkPeriodStats, summary *AuditSummary) error {
	loc, err := park.Location()
	if err != nil {
		return err
	}

	weightedSum := 0.0
	instants := 0
	for hour := 0; hour < 24; hour++ {
		hourStart := time.Date(periodStart.Year(), periodStart.Month(), periodStart.Day(), hour, 0, 0, 0, loc).UTC()
		rows, err := v.stats.ListParkStatsForPeriod(ctx, models.PeriodHourly, hourStart)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.ParkID != park.ID || row.ShameScore == nil {
				continue
			}
			weightedSum += *row.ShameScore * float64(row.SnapshotCount)
			instants += row.SnapshotCount
		}
	}

	if instants == 0 {
		return nil
	}

	hourlyMean := weightedSum / float64(instants)
	diff := hourlyMean - *storedDaily.ShameScore
	if diff < 0 {
		diff = -diff
	}
	if diff > shameTolerance {
		m := hourlyMean
		summary.Issues = append(summary.Issues, AuditIssue{
			Severity: SeverityWarning,
			ParkID:   &park.ID,
			Field:    "hourly_daily_contract",
			Stored:   floatPtrString(storedDaily.ShameScore),
			Expected: floatPtrString(&m),
			Date:     periodStart,
			Message:  "hourly shame buckets do not average back to the daily score",
		})
	}
	return nil
}

// BackfillAudit runs FullAudit over every date in [startDate, endDate]
// and merges the results.
func (v *AggregateVerifier) BackfillAudit(ctx context.Context, startDate, endDate time.Time, table AuditTable) (*AuditSummary, error) {
	merged := &AuditSummary{Date: models.PeriodDaily.PeriodStart(startDate)}

	for date := models.PeriodDaily.PeriodStart(startDate); !date.After(models.PeriodDaily.PeriodStart(endDate)); date = date.AddDate(0, 0, 1) {
		daily, err := v.FullAudit(ctx, date, table)
		if err != nil {
			return nil, fmt.Errorf("audit failed for %s: %w", date.Format("2006-01-02"), err)
		}
		merged.Merge(daily)
	}

	return merged, nil
}

// reportSummary records audit metrics and logs the outcome.
func (v *AggregateVerifier) reportSummary(ctx context.Context, summary *AuditSummary) {
	result := "clean"
	if summary.Criticals() > 0 {
		result = "critical"
	} else if len(summary.Issues) > 0 {
		result = "warning"
	}
	v.metrics.AuditRunsTotal.WithLabelValues(result).Inc()
	for _, issue := range summary.Issues {
		v.metrics.RecordAuditIssue(issue.Severity)
	}

	v.logger.Info(ctx, "[AUDIT_COMPLETE] Audit finished", logging.Fields{
		"date":          summary.Date.Format("2006-01-02"),
		"parks_checked": summary.ParksChecked,
		"rides_checked": summary.RidesChecked,
		"criticals":     summary.Criticals(),
		"warnings":      summary.Warnings(),
	})
}

// scoreDrift classifies the difference between two optional scores.
// Null-vs-value disagreement is always a contradiction: null means the
// score was incomputable, which no numeric drift can explain.
func scoreDrift(stored, expected *float64) (string, bool) {
	if stored == nil && expected == nil {
		return "", false
	}
	if stored == nil || expected == nil {
		return SeverityCritical, true
	}
	diff := *stored - *expected
	if diff < 0 {
		diff = -diff
	}
	if diff <= shameTolerance {
		return "", false
	}
	if diff <= shameCriticalDrift {
		return SeverityWarning, true
	}
	return SeverityCritical, true
}

// minuteDrift classifies a minute-count difference. Drift within one
// collector interval is expected rounding at window edges.
func minuteDrift(stored, expected int, interval time.Duration) (string, bool) {
	diff := stored - expected
	if diff < 0 {
		diff = -diff
	}
	if diff == 0 {
		return "", false
	}
	if time.Duration(diff)*time.Minute <= interval {
		return SeverityWarning, true
	}
	return SeverityCritical, true
}

func floatPtrString(v *float64) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%.3f", *v)
}
