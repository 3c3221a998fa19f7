package services

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkpulse/internal/models"
)

func newTestHoursDetector(repo *fakeSnapshotRepo, sessions *fakeSessionRepo, clock clockwork.Clock) *OperatingHoursDetector {
	return NewOperatingHoursDetector(repo, sessions, testLogger(), testMetrics, clock)
}

func TestBuildSession_SpansFirstToLastActivity(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC))
	detector := newTestHoursDetector(newFakeSnapshotRepo(), newFakeSessionRepo(), clock)

	// Park opens 08:55 local (12:55 UTC in New York summer) and the
	// last snapshot lands 13h05m later, for 785 operating minutes.
	first := time.Date(2025, 7, 1, 12, 55, 0, 0, time.UTC)
	last := first.Add(785 * time.Minute)
	open := true

	snapshots := []*models.Snapshot{
		snapAt(10, first, nil, models.StatusOperating, &open),
		snapAt(11, first.Add(4*time.Hour), nil, models.StatusOperating, &open),
		snapAt(10, last, nil, models.StatusOperating, &open),
	}

	date := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	session := detector.BuildSession(1, date, snapshots)
	require.NotNil(t, session)

	assert.Equal(t, int64(1), session.ParkID)
	assert.Equal(t, date, session.SessionDate)
	assert.Equal(t, first, session.SessionStartUTC)
	assert.Equal(t, last, session.SessionEndUTC)
	assert.Equal(t, 785, session.OperatingMinutes)
	assert.Equal(t, 2, session.RidesActive)
	assert.Equal(t, 3, session.OpenSnapshots)
	assert.Equal(t, clock.Now().UTC(), session.UpdatedAt)
}

func TestBuildSession_NoSnapshots(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC))
	detector := newTestHoursDetector(newFakeSnapshotRepo(), newFakeSessionRepo(), clock)

	date := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	assert.Nil(t, detector.BuildSession(1, date, nil))
}

func TestBuildSession_CountsClosedSnapshotsInWindow(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC))
	detector := newTestHoursDetector(newFakeSnapshotRepo(), newFakeSessionRepo(), clock)

	first := time.Date(2025, 7, 1, 13, 0, 0, 0, time.UTC)
	open := true
	closed := false

	// Closed snapshots still bound the session window; only the open
	// ones count toward OpenSnapshots.
	snapshots := []*models.Snapshot{
		snapAt(10, first, nil, models.StatusClosed, &closed),
		snapAt(10, first.Add(30*time.Minute), nil, models.StatusOperating, &open),
		snapAt(10, first.Add(60*time.Minute), nil, models.StatusClosed, &closed),
	}

	date := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	session := detector.BuildSession(1, date, snapshots)
	require.NotNil(t, session)
	assert.Equal(t, 60, session.OperatingMinutes)
	assert.Equal(t, 1, session.OpenSnapshots)
	assert.Equal(t, 1, session.RidesActive)
}

func TestDetect_UsesParkLocalDay(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC))
	repo := newFakeSnapshotRepo()
	detector := newTestHoursDetector(repo, newFakeSessionRepo(), clock)

	park := &models.Park{ID: 1, Timezone: "America/New_York", Active: true}
	repo.addPark(park)
	repo.addRide(1, 10, models.TierHeadliner)

	open := true
	// 01:30 UTC on July 2 is still the evening of July 1 in New York.
	lateEvening := time.Date(2025, 7, 2, 1, 30, 0, 0, time.UTC)
	repo.addSnapshot(10, lateEvening, nil, models.StatusOperating, &open)
	repo.addSnapshot(10, lateEvening.Add(30*time.Minute), nil, models.StatusOperating, &open)

	date := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	session, err := detector.Detect(context.Background(), park, date)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, 30, session.OperatingMinutes)

	// The same activity does not belong to July 2's local day.
	nextDay := time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC)
	session, err = detector.Detect(context.Background(), park, nextDay)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestDetect_InvalidTimezone(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC))
	detector := newTestHoursDetector(newFakeSnapshotRepo(), newFakeSessionRepo(), clock)

	park := &models.Park{ID: 1, Timezone: "Mars/Olympus_Mons", Active: true}
	_, err := detector.Detect(context.Background(), park, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)
}

func TestDetectAndSave_DarkParkSavesNothing(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC))
	repo := newFakeSnapshotRepo()
	sessions := newFakeSessionRepo()
	detector := newTestHoursDetector(repo, sessions, clock)

	park := &models.Park{ID: 1, Timezone: "UTC", Active: true}
	repo.addPark(park)

	session, err := detector.DetectAndSave(context.Background(), park, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.Empty(t, sessions.sessions)
}

func TestDetectForAllParks(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC))
	repo := newFakeSnapshotRepo()
	sessions := newFakeSessionRepo()
	detector := newTestHoursDetector(repo, sessions, clock)

	repo.addPark(&models.Park{ID: 1, Timezone: "UTC", Active: true})
	repo.addPark(&models.Park{ID: 2, Timezone: "UTC", Active: true})
	repo.addRide(1, 10, models.TierHeadliner)

	open := true
	at := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	repo.addSnapshot(10, at, nil, models.StatusOperating, &open)
	repo.addSnapshot(10, at.Add(15*time.Minute), nil, models.StatusOperating, &open)

	saved, err := detector.DetectForAllParks(context.Background(), time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, saved, "park 2 is dark and produces no session")
	assert.Len(t, sessions.sessions, 1)
}

func TestBackfill(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 5, 12, 0, 0, 0, time.UTC))
	repo := newFakeSnapshotRepo()
	sessions := newFakeSessionRepo()
	detector := newTestHoursDetector(repo, sessions, clock)

	repo.addPark(&models.Park{ID: 1, Timezone: "UTC", Active: true})
	repo.addRide(1, 10, models.TierHeadliner)

	open := true
	for day := 1; day <= 3; day++ {
		at := time.Date(2025, 7, day, 10, 0, 0, 0, time.UTC)
		repo.addSnapshot(10, at, nil, models.StatusOperating, &open)
		repo.addSnapshot(10, at.Add(8*time.Hour), nil, models.StatusOperating, &open)
	}

	start := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 7, 4, 0, 0, 0, 0, time.UTC)
	saved, err := detector.Backfill(context.Background(), 1, start, end)
	require.NoError(t, err)
	assert.Equal(t, 3, saved, "July 4 has no activity")
	assert.Len(t, sessions.sessions, 3)
}
