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

// Shared across the package: promauto registers into the default
// registry, so the collector must be constructed exactly once.
var testMetrics = metrics.NewCollector("parkpulse_services_test")

func testLogger() *logging.StructuredLogger {
	return logging.NewStructuredLogger("services-test", "test", logging.FatalLevel)
}

// fakeSnapshotRepo is an in-memory SnapshotRepository
type fakeSnapshotRepo struct {
	parks     []*models.Park
	rides     []*models.Ride
	snapshots []*models.Snapshot
	activity  []*models.ParkActivitySnapshot
	weights   map[int64]map[int64]models.RideWeight // parkID -> rideID -> weight
	rideParks map[int64]int64                       // rideID -> parkID

	failSnapshots bool
}

func newFakeSnapshotRepo() *fakeSnapshotRepo {
	return &fakeSnapshotRepo{
		weights:   make(map[int64]map[int64]models.RideWeight),
		rideParks: make(map[int64]int64),
	}
}

func (f *fakeSnapshotRepo) addPark(park *models.Park) {
	f.parks = append(f.parks, park)
	if f.weights[park.ID] == nil {
		f.weights[park.ID] = make(map[int64]models.RideWeight)
	}
}

func (f *fakeSnapshotRepo) addRide(parkID, rideID int64, tier int) {
	f.rides = append(f.rides, &models.Ride{ID: rideID, ParkID: parkID, Active: true})
	f.rideParks[rideID] = parkID
	if tier > 0 {
		if f.weights[parkID] == nil {
			f.weights[parkID] = make(map[int64]models.RideWeight)
		}
		f.weights[parkID][rideID] = models.RideWeight{
			RideID:     rideID,
			Tier:       tier,
			TierWeight: models.WeightForTier(tier),
		}
	}
}

func (f *fakeSnapshotRepo) addSnapshot(rideID int64, at time.Time, wait *int, status models.RideStatus, isOpen *bool) {
	f.snapshots = append(f.snapshots, &models.Snapshot{
		ID:             int64(len(f.snapshots) + 1),
		RideID:         rideID,
		RecordedAt:     at.UTC(),
		WaitTime:       wait,
		Status:         status,
		ComputedIsOpen: models.ComputedIsOpen(wait, isOpen),
		CreatedAt:      at.UTC(),
	})
}

func (f *fakeSnapshotRepo) ListActiveParks(ctx context.Context) ([]*models.Park, error) {
	active := make([]*models.Park, 0, len(f.parks))
	for _, park := range f.parks {
		if park.Active {
			active = append(active, park)
		}
	}
	return active, nil
}

func (f *fakeSnapshotRepo) GetPark(ctx context.Context, parkID int64) (*models.Park, error) {
	for _, park := range f.parks {
		if park.ID == parkID {
			return park, nil
		}
	}
	return nil, &repository.NotFoundError{Resource: "park", ID: fmt.Sprintf("%d", parkID)}
}

func (f *fakeSnapshotRepo) ListRidesByPark(ctx context.Context, parkID int64) ([]*models.Ride, error) {
	rides := make([]*models.Ride, 0)
	for _, ride := range f.rides {
		if ride.ParkID == parkID {
			rides = append(rides, ride)
		}
	}
	return rides, nil
}

func (f *fakeSnapshotRepo) GetRide(ctx context.Context, rideID int64) (*models.Ride, error) {
	for _, ride := range f.rides {
		if ride.ID == rideID {
			return ride, nil
		}
	}
	return nil, &repository.NotFoundError{Resource: "ride", ID: fmt.Sprintf("%d", rideID)}
}

func (f *fakeSnapshotRepo) SnapshotsForRide(ctx context.Context, rideID int64, start, end time.Time) ([]*models.Snapshot, error) {
	if f.failSnapshots {
		return nil, fmt.Errorf("snapshot store unavailable")
	}
	result := make([]*models.Snapshot, 0)
	for _, snap := range f.snapshots {
		if snap.RideID == rideID && !snap.RecordedAt.Before(start) && snap.RecordedAt.Before(end) {
			result = append(result, snap)
		}
	}
	sortSnapshots(result)
	return result, nil
}

func (f *fakeSnapshotRepo) SnapshotsForPark(ctx context.Context, parkID int64, start, end time.Time) ([]*models.Snapshot, error) {
	if f.failSnapshots {
		return nil, fmt.Errorf("snapshot store unavailable")
	}
	result := make([]*models.Snapshot, 0)
	for _, snap := range f.snapshots {
		if f.rideParks[snap.RideID] == parkID && !snap.RecordedAt.Before(start) && snap.RecordedAt.Before(end) {
			result = append(result, snap)
		}
	}
	sortSnapshots(result)
	return result, nil
}

func (f *fakeSnapshotRepo) LatestParkInstant(ctx context.Context, parkID int64) ([]*models.Snapshot, error) {
	var latest time.Time
	for _, snap := range f.snapshots {
		if f.rideParks[snap.RideID] == parkID && snap.RecordedAt.After(latest) {
			latest = snap.RecordedAt
		}
	}
	if latest.IsZero() {
		return nil, nil
	}
	result := make([]*models.Snapshot, 0)
	for _, snap := range f.snapshots {
		if f.rideParks[snap.RideID] == parkID && snap.RecordedAt.Equal(latest) {
			result = append(result, snap)
		}
	}
	return result, nil
}

func (f *fakeSnapshotRepo) RideWeights(ctx context.Context, parkID int64) (map[int64]models.RideWeight, error) {
	weights := make(map[int64]models.RideWeight)
	for rideID, w := range f.weights[parkID] {
		weights[rideID] = w
	}
	return weights, nil
}

func (f *fakeSnapshotRepo) CreateSnapshotsBatch(ctx context.Context, snapshots []*models.Snapshot) error {
	for _, snap := range snapshots {
		duplicate := false
		for _, existing := range f.snapshots {
			if existing.RideID == snap.RideID && existing.RecordedAt.Equal(snap.RecordedAt) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			f.snapshots = append(f.snapshots, snap)
		}
	}
	return nil
}

func (f *fakeSnapshotRepo) CreateParkActivityBatch(ctx context.Context, activity []*models.ParkActivitySnapshot) error {
	f.activity = append(f.activity, activity...)
	return nil
}

func (f *fakeSnapshotRepo) HealthCheck(ctx context.Context) error { return nil }

func sortSnapshots(snapshots []*models.Snapshot) {
	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].RecordedAt.Equal(snapshots[j].RecordedAt) {
			return snapshots[i].RideID < snapshots[j].RideID
		}
		return snapshots[i].RecordedAt.Before(snapshots[j].RecordedAt)
	})
}

// fakeEventRepo is an in-memory EventRepository keyed like the real
// table: duplicate (ride_id, changed_at) inserts are ignored.
type fakeEventRepo struct {
	events []*models.StatusChangeEvent
}

func (f *fakeEventRepo) InsertEvents(ctx context.Context, events []*models.StatusChangeEvent) (int, error) {
	inserted := 0
	for _, event := range events {
		duplicate := false
		for _, existing := range f.events {
			if existing.RideID == event.RideID && existing.ChangedAt.Equal(event.ChangedAt) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			f.events = append(f.events, event)
			inserted++
		}
	}
	return inserted, nil
}

func (f *fakeEventRepo) EventsForRide(ctx context.Context, rideID int64, start, end time.Time) ([]*models.StatusChangeEvent, error) {
	result := make([]*models.StatusChangeEvent, 0)
	for _, event := range f.events {
		if event.RideID == rideID && !event.ChangedAt.Before(start) && event.ChangedAt.Before(end) {
			result = append(result, event)
		}
	}
	return result, nil
}

func (f *fakeEventRepo) LongestEvents(ctx context.Context, filter repository.LongestEventsFilter) ([]*models.StatusChangeEvent, error) {
	result := make([]*models.StatusChangeEvent, 0)
	for _, event := range f.events {
		if event.DowntimeMinutes != nil {
			result = append(result, event)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return *result[i].DowntimeMinutes > *result[j].DowntimeMinutes
	})
	limit := filter.Limit
	if limit == 0 {
		limit = 10
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// fakeSessionRepo is an in-memory SessionRepository
type fakeSessionRepo struct {
	sessions map[string]*models.OperatingSession
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*models.OperatingSession)}
}

func sessionKey(parkID int64, date time.Time) string {
	return fmt.Sprintf("%d:%s", parkID, date.Format("2006-01-02"))
}

func (f *fakeSessionRepo) UpsertSession(ctx context.Context, session *models.OperatingSession) error {
	f.sessions[sessionKey(session.ParkID, session.SessionDate)] = session
	return nil
}

func (f *fakeSessionRepo) GetSession(ctx context.Context, parkID int64, sessionDate time.Time) (*models.OperatingSession, error) {
	session, ok := f.sessions[sessionKey(parkID, sessionDate)]
	if !ok {
		return nil, &repository.NotFoundError{Resource: "operating_session", ID: sessionKey(parkID, sessionDate)}
	}
	return session, nil
}

// fakeStatsRepo is an in-memory StatsRepository with upsert semantics
type fakeStatsRepo struct {
	rideStats map[string]*models.RidePeriodStats
	parkStats map[string]*models.ParkPeriodStats

	rideUpserts int
	parkUpserts int
}

func newFakeStatsRepo() *fakeStatsRepo {
	return &fakeStatsRepo{
		rideStats: make(map[string]*models.RidePeriodStats),
		parkStats: make(map[string]*models.ParkPeriodStats),
	}
}

func statsKey(id int64, periodType models.PeriodType, periodStart time.Time) string {
	return fmt.Sprintf("%d:%s:%s", id, periodType, periodStart.Format(time.RFC3339))
}

func (f *fakeStatsRepo) UpsertRideStats(ctx context.Context, stats *models.RidePeriodStats) error {
	f.rideUpserts++
	f.rideStats[statsKey(stats.RideID, stats.PeriodType, stats.PeriodStart)] = stats
	return nil
}

func (f *fakeStatsRepo) UpsertParkStats(ctx context.Context, stats *models.ParkPeriodStats) error {
	f.parkUpserts++
	f.parkStats[statsKey(stats.ParkID, stats.PeriodType, stats.PeriodStart)] = stats
	return nil
}

func (f *fakeStatsRepo) GetRideStats(ctx context.Context, filter repository.RideStatsFilter) ([]*models.RidePeriodStats, int, error) {
	result := make([]*models.RidePeriodStats, 0)
	for _, stats := range f.rideStats {
		if filter.RideID != nil && stats.RideID != *filter.RideID {
			continue
		}
		if filter.PeriodType != nil && stats.PeriodType != *filter.PeriodType {
			continue
		}
		result = append(result, stats)
	}
	return result, len(result), nil
}

func (f *fakeStatsRepo) GetParkStats(ctx context.Context, filter repository.ParkStatsFilter) ([]*models.ParkPeriodStats, int, error) {
	result := make([]*models.ParkPeriodStats, 0)
	for _, stats := range f.parkStats {
		if filter.ParkID != nil && stats.ParkID != *filter.ParkID {
			continue
		}
		if filter.PeriodType != nil && stats.PeriodType != *filter.PeriodType {
			continue
		}
		result = append(result, stats)
	}
	return result, len(result), nil
}

func (f *fakeStatsRepo) ListRideStatsForPeriod(ctx context.Context, periodType models.PeriodType, periodStart time.Time) ([]*models.RidePeriodStats, error) {
	result := make([]*models.RidePeriodStats, 0)
	for _, stats := range f.rideStats {
		if stats.PeriodType == periodType && stats.PeriodStart.Equal(periodStart) {
			result = append(result, stats)
		}
	}
	return result, nil
}

func (f *fakeStatsRepo) ListParkStatsForPeriod(ctx context.Context, periodType models.PeriodType, periodStart time.Time) ([]*models.ParkPeriodStats, error) {
	result := make([]*models.ParkPeriodStats, 0)
	for _, stats := range f.parkStats {
		if stats.PeriodType == periodType && stats.PeriodStart.Equal(periodStart) {
			result = append(result, stats)
		}
	}
	return result, nil
}

func (f *fakeStatsRepo) RideIDsWithDaily(ctx context.Context, start, end time.Time) ([]int64, error) {
	seen := make(map[int64]bool)
	ids := make([]int64, 0)
	for _, stats := range f.rideStats {
		if stats.PeriodType == models.PeriodDaily && !stats.PeriodStart.Before(start) && stats.PeriodStart.Before(end) && !seen[stats.RideID] {
			seen[stats.RideID] = true
			ids = append(ids, stats.RideID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeStatsRepo) ParkIDsWithDaily(ctx context.Context, start, end time.Time) ([]int64, error) {
	seen := make(map[int64]bool)
	ids := make([]int64, 0)
	for _, stats := range f.parkStats {
		if stats.PeriodType == models.PeriodDaily && !stats.PeriodStart.Before(start) && stats.PeriodStart.Before(end) && !seen[stats.ParkID] {
			seen[stats.ParkID] = true
			ids = append(ids, stats.ParkID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeStatsRepo) RollupRideDaily(ctx context.Context, rideID int64, start, end time.Time) (*models.RidePeriodStats, error) {
	rollup := &models.RidePeriodStats{RideID: rideID}
	shameSum, shameCount := 0.0, 0
	waitSum, waitWeight := 0.0, 0

	for _, stats := range f.rideStats {
		if stats.RideID != rideID || stats.PeriodType != models.PeriodDaily {
			continue
		}
		if stats.PeriodStart.Before(start) || !stats.PeriodStart.Before(end) {
			continue
		}
		rollup.UptimeMinutes += stats.UptimeMinutes
		rollup.DowntimeMinutes += stats.DowntimeMinutes
		rollup.StatusChanges += stats.StatusChanges
		rollup.SnapshotCount += stats.SnapshotCount
		if stats.ShameScore != nil {
			shameSum += *stats.ShameScore
			shameCount++
		}
		if stats.AvgWaitTime != nil {
			waitSum += *stats.AvgWaitTime * float64(stats.SnapshotCount)
			waitWeight += stats.SnapshotCount
		}
		if stats.PeakWaitTime != nil && (rollup.PeakWaitTime == nil || *stats.PeakWaitTime > *rollup.PeakWaitTime) {
			peak := *stats.PeakWaitTime
			rollup.PeakWaitTime = &peak
		}
	}

	if shameCount > 0 {
		mean := shameSum / float64(shameCount)
		rollup.ShameScore = &mean
	}
	if waitWeight > 0 {
		avg := waitSum / float64(waitWeight)
		rollup.AvgWaitTime = &avg
	}
	total := rollup.UptimeMinutes + rollup.DowntimeMinutes
	if total > 0 {
		pct := float64(rollup.UptimeMinutes) / float64(total) * 100
		rollup.UptimePct = &pct
	}
	return rollup, nil
}

func (f *fakeStatsRepo) RollupParkDaily(ctx context.Context, parkID int64, start, end time.Time) (*models.ParkPeriodStats, error) {
	rollup := &models.ParkPeriodStats{ParkID: parkID}
	shameSum, shameCount := 0.0, 0

	for _, stats := range f.parkStats {
		if stats.ParkID != parkID || stats.PeriodType != models.PeriodDaily {
			continue
		}
		if stats.PeriodStart.Before(start) || !stats.PeriodStart.Before(end) {
			continue
		}
		rollup.OperatingMinutes += stats.OperatingMinutes
		rollup.DowntimeMinutes += stats.DowntimeMinutes
		rollup.StatusChanges += stats.StatusChanges
		rollup.SnapshotCount += stats.SnapshotCount
		if stats.RidesTracked > rollup.RidesTracked {
			rollup.RidesTracked = stats.RidesTracked
		}
		if stats.ShameScore != nil {
			shameSum += *stats.ShameScore
			shameCount++
		}
	}

	if shameCount > 0 {
		mean := shameSum / float64(shameCount)
		rollup.ShameScore = &mean
	}
	return rollup, nil
}

// fakeJobRepo is an in-memory JobRepository enforcing the same
// monotonic transition rule as the SQL implementation.
type fakeJobRepo struct {
	jobs   map[string]*models.AggregationJob
	nextID int64
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*models.AggregationJob), nextID: 1}
}

func jobKey(date time.Time, aggregationType models.PeriodType) string {
	return fmt.Sprintf("%s:%s", date.Format("2006-01-02"), aggregationType)
}

func (f *fakeJobRepo) GetJob(ctx context.Context, date time.Time, aggregationType models.PeriodType) (*models.AggregationJob, error) {
	job, ok := f.jobs[jobKey(date, aggregationType)]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (f *fakeJobRepo) ClaimJob(ctx context.Context, date time.Time, aggregationType models.PeriodType, startedAt time.Time) (*models.AggregationJob, error) {
	key := jobKey(date, aggregationType)
	job, ok := f.jobs[key]
	if !ok {
		job = &models.AggregationJob{
			ID:              f.nextID,
			AggregationDate: date,
			AggregationType: aggregationType,
		}
		f.nextID++
		f.jobs[key] = job
	}
	job.Status = models.JobRunning
	job.StartedAt = startedAt
	job.CompletedAt = nil
	job.AggregatedUntil = nil
	job.ParksProcessed = 0
	job.RidesProcessed = 0
	job.ErrorMessage = nil
	copied := *job
	return &copied, nil
}

func (f *fakeJobRepo) byID(jobID int64) *models.AggregationJob {
	for _, job := range f.jobs {
		if job.ID == jobID {
			return job
		}
	}
	return nil
}

func (f *fakeJobRepo) MarkJobSuccess(ctx context.Context, jobID int64, completedAt time.Time, aggregatedUntil *time.Time, parksProcessed, ridesProcessed int) error {
	job := f.byID(jobID)
	if job == nil || job.Status != models.JobRunning {
		return fmt.Errorf("job %d is not running", jobID)
	}
	job.Status = models.JobSuccess
	job.CompletedAt = &completedAt
	job.AggregatedUntil = aggregatedUntil
	job.ParksProcessed = parksProcessed
	job.RidesProcessed = ridesProcessed
	return nil
}

func (f *fakeJobRepo) MarkJobFailed(ctx context.Context, jobID int64, completedAt time.Time, errorMessage string) error {
	job := f.byID(jobID)
	if job == nil || job.Status != models.JobRunning {
		return fmt.Errorf("job %d is not running", jobID)
	}
	job.Status = models.JobFailed
	job.CompletedAt = &completedAt
	job.ErrorMessage = &errorMessage
	return nil
}

func (f *fakeJobRepo) LastSuccessful(ctx context.Context, aggregationType models.PeriodType) (*models.AggregationJob, error) {
	var last *models.AggregationJob
	for _, job := range f.jobs {
		if job.AggregationType != aggregationType || job.Status != models.JobSuccess {
			continue
		}
		if last == nil || job.CompletedAt.After(*last.CompletedAt) {
			last = job
		}
	}
	if last == nil {
		return nil, nil
	}
	copied := *last
	return &copied, nil
}
