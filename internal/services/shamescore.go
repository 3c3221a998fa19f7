package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"parkpulse/internal/models"
	"parkpulse/internal/repository"
	"parkpulse/pkg/logging"
	"parkpulse/pkg/metrics"
)

// ShameScoreCalculator is the single source of truth for the
// tier-weighted downtime score. Average and HourlyBreakdown fold the
// same per-instant series, so the mean of the non-null hourly buckets
// matches Average for the identical window. Instantaneous is a
// separate path over only the latest instant and must never stand in
// for the time-averaged values.
type ShameScoreCalculator struct {
	snapshots repository.SnapshotRepository
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewShameScoreCalculator creates a new shame score calculator
func NewShameScoreCalculator(
	snapshots repository.SnapshotRepository,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *ShameScoreCalculator {
	return &ShameScoreCalculator{
		snapshots: snapshots,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// ScoreInstant is one evaluated instant of a park's score series.
// Value is nil when the park does not appear open at that instant or
// carries no classified weight.
type ScoreInstant struct {
	At    time.Time
	Value *float64
}

// IsDownStatus is the operator-type-aware down predicate. Operators
// that separate scheduled closures from malfunctions only count DOWN;
// the rest count CLOSED as well, since their CLOSED rows include
// breakdowns.
func IsDownStatus(status models.RideStatus, separatesClosedDown bool) bool {
	if separatesClosedDown {
		return status == models.StatusDown
	}
	return status == models.StatusDown || status == models.StatusClosed
}

// scoreOneInstant applies the core formula to all snapshots sharing
// one recorded_at: clamp(down weight / total weight * 10, 0, 10).
// Rides under refurbishment leave the weight pool entirely, and
// unclassified rides carry the default weight of zero.
func scoreOneInstant(snapshots []*models.Snapshot, weights map[int64]models.RideWeight, separatesClosedDown bool) *float64 {
	parkOpen := false
	totalWeight := 0
	downWeight := 0

	for _, snap := range snapshots {
		if snap.ComputedIsOpen {
			parkOpen = true
		}
		if snap.Status == models.StatusRefurbishment {
			continue
		}

		weight := models.DefaultTierWeight
		if w, ok := weights[snap.RideID]; ok {
			weight = w.TierWeight
		}
		if weight <= 0 {
			continue
		}

		totalWeight += weight
		if IsDownStatus(snap.Status, separatesClosedDown) {
			downWeight += weight
		}
	}

	if !parkOpen || totalWeight == 0 {
		return nil
	}

	score := float64(downWeight) / float64(totalWeight) * 10
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return &score
}

// ScoreSeries evaluates the formula at every distinct recorded_at in
// the snapshot slice, ascending. This is the one series both Average
// and HourlyBreakdown consume.
func ScoreSeries(snapshots []*models.Snapshot, weights map[int64]models.RideWeight, separatesClosedDown bool) []ScoreInstant {
	byInstant := make(map[time.Time][]*models.Snapshot)
	for _, snap := range snapshots {
		key := snap.RecordedAt.UTC()
		byInstant[key] = append(byInstant[key], snap)
	}

	instants := make([]time.Time, 0, len(byInstant))
	for at := range byInstant {
		instants = append(instants, at)
	}
	sort.Slice(instants, func(i, j int) bool { return instants[i].Before(instants[j]) })

	series := make([]ScoreInstant, 0, len(instants))
	for _, at := range instants {
		series = append(series, ScoreInstant{
			At:    at,
			Value: scoreOneInstant(byInstant[at], weights, separatesClosedDown),
		})
	}

	return series
}

// MeanScore averages the non-nil values of a series. Nil when no
// instant qualifies: that is "no data", which every caller must keep
// distinct from a zero score.
func MeanScore(series []ScoreInstant) *float64 {
	sum := 0.0
	count := 0
	for _, point := range series {
		if point.Value != nil {
			sum += *point.Value
			count++
		}
	}
	if count == 0 {
		return nil
	}
	mean := sum / float64(count)
	return &mean
}

// AverageFromSnapshots computes the time-averaged score from already
// fetched snapshots. Shared with the aggregation and verification
// paths so every consumer sees one formula.
func AverageFromSnapshots(snapshots []*models.Snapshot, weights map[int64]models.RideWeight, separatesClosedDown bool) *float64 {
	return MeanScore(ScoreSeries(snapshots, weights, separatesClosedDown))
}

// Average computes a park's mean score over snapshots in [start, end)
// where the park appears open. Nil when no qualifying snapshot exists,
// the park carries no classified weight, or the park never appears
// open in the window.
func (c *ShameScoreCalculator) Average(ctx context.Context, parkID int64, start, end time.Time) (*float64, error) {
	park, err := c.snapshots.GetPark(ctx, parkID)
	if err != nil {
		return nil, err
	}

	snapshots, err := c.snapshots.SnapshotsForPark(ctx, parkID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshots for park %d: %w", parkID, err)
	}

	weights, err := c.snapshots.RideWeights(ctx, parkID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch weights for park %d: %w", parkID, err)
	}

	return AverageFromSnapshots(snapshots, weights, park.SeparatesClosedDown), nil
}

// HourlyBreakdown buckets the same series by park-local hour for one
// local calendar date. All 24 buckets are returned; hours without a
// qualifying instant carry nil.
func (c *ShameScoreCalculator) HourlyBreakdown(ctx context.Context, parkID int64, date time.Time) ([]models.HourlyShame, error) {
	park, err := c.snapshots.GetPark(ctx, parkID)
	if err != nil {
		return nil, err
	}

	loc, err := park.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q for park %d: %w", park.Timezone, park.ID, err)
	}

	start, end := models.ParkLocalDayRange(date.Year(), date.Month(), date.Day(), loc)

	snapshots, err := c.snapshots.SnapshotsForPark(ctx, parkID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshots for park %d: %w", parkID, err)
	}

	weights, err := c.snapshots.RideWeights(ctx, parkID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch weights for park %d: %w", parkID, err)
	}

	series := ScoreSeries(snapshots, weights, park.SeparatesClosedDown)
	return BucketByHour(series, loc), nil
}

// BucketByHour folds a score series into 24 local-hour buckets, each
// the mean of its non-nil instants.
func BucketByHour(series []ScoreInstant, loc *time.Location) []models.HourlyShame {
	sums := make([]float64, 24)
	counts := make([]int, 24)

	for _, point := range series {
		if point.Value == nil {
			continue
		}
		hour := point.At.In(loc).Hour()
		sums[hour] += *point.Value
		counts[hour]++
	}

	breakdown := make([]models.HourlyShame, 24)
	for hour := 0; hour < 24; hour++ {
		breakdown[hour] = models.HourlyShame{Hour: hour}
		if counts[hour] > 0 {
			value := sums[hour] / float64(counts[hour])
			breakdown[hour].Value = &value
		}
	}

	return breakdown
}

// Instantaneous computes the score from only the park's single latest
// instant, for live displays. Nil when the park has no snapshots, is
// not open right now, or carries no classified weight.
func (c *ShameScoreCalculator) Instantaneous(ctx context.Context, parkID int64) (*float64, error) {
	park, err := c.snapshots.GetPark(ctx, parkID)
	if err != nil {
		return nil, err
	}

	snapshots, err := c.snapshots.LatestParkInstant(ctx, parkID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest instant for park %d: %w", parkID, err)
	}
	if len(snapshots) == 0 {
		return nil, nil
	}

	weights, err := c.snapshots.RideWeights(ctx, parkID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch weights for park %d: %w", parkID, err)
	}

	return scoreOneInstant(snapshots, weights, park.SeparatesClosedDown), nil
}
