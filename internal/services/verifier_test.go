package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkpulse/internal/models"
)

func newTestVerifier(f *aggFixture) *AggregateVerifier {
	return NewAggregateVerifier(
		f.snapshots, f.sessions, f.stats,
		f.service.statusChanges, f.service.operatingHours,
		testLogger(), testMetrics, f.clock, testAggConfig(),
	)
}

// aggregateThenVerify is the core property: an audit of the
// aggregation's own output must come back clean.
func TestVerify_CleanAfterAggregation(t *testing.T) {
	f := newAggFixture(t)
	date := f.seedParkDay(t)

	_, err := f.service.Run(context.Background(), date, models.PeriodDaily, RunOptions{})
	require.NoError(t, err)

	verifier := newTestVerifier(f)
	summary, err := verifier.Verify(context.Background(), date, AuditAll)
	require.NoError(t, err)

	assert.Empty(t, summary.Issues)
	assert.Equal(t, 1, summary.ParksChecked)
	assert.Equal(t, 2, summary.RidesChecked)
	assert.Equal(t, 0, summary.ExitCode())
}

func TestVerify_TamperedShameScoreIsCritical(t *testing.T) {
	f := newAggFixture(t)
	date := f.seedParkDay(t)

	_, err := f.service.Run(context.Background(), date, models.PeriodDaily, RunOptions{})
	require.NoError(t, err)

	stored := f.stats.parkStats[statsKey(1, models.PeriodDaily, date)]
	require.NotNil(t, stored)
	require.NotNil(t, stored.ShameScore)
	tampered := *stored.ShameScore + 3.0
	stored.ShameScore = &tampered

	verifier := newTestVerifier(f)
	summary, err := verifier.Verify(context.Background(), date, AuditAll)
	require.NoError(t, err)

	require.NotEmpty(t, summary.Issues)
	assert.Equal(t, 1, summary.Criticals())
	assert.Equal(t, 1, summary.ExitCode())
	assert.Equal(t, "shame_score", summary.Issues[0].Field)
}

func TestVerify_SmallDriftIsWarning(t *testing.T) {
	f := newAggFixture(t)
	date := f.seedParkDay(t)

	_, err := f.service.Run(context.Background(), date, models.PeriodDaily, RunOptions{})
	require.NoError(t, err)

	stored := f.stats.parkStats[statsKey(1, models.PeriodDaily, date)]
	require.NotNil(t, stored.ShameScore)
	drifted := *stored.ShameScore + 0.2
	stored.ShameScore = &drifted

	verifier := newTestVerifier(f)
	summary, err := verifier.Verify(context.Background(), date, AuditAll)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Criticals())
	assert.Equal(t, 1, summary.Warnings())
	assert.Equal(t, 2, summary.ExitCode())
}

func TestVerify_DriftWithinToleranceIsClean(t *testing.T) {
	f := newAggFixture(t)
	date := f.seedParkDay(t)

	_, err := f.service.Run(context.Background(), date, models.PeriodDaily, RunOptions{})
	require.NoError(t, err)

	stored := f.stats.parkStats[statsKey(1, models.PeriodDaily, date)]
	require.NotNil(t, stored.ShameScore)
	nudged := *stored.ShameScore + 0.01
	stored.ShameScore = &nudged

	verifier := newTestVerifier(f)
	summary, err := verifier.Verify(context.Background(), date, AuditAll)
	require.NoError(t, err)
	assert.Empty(t, summary.Issues)
}

func TestVerify_NullVsValueIsCritical(t *testing.T) {
	f := newAggFixture(t)
	date := f.seedParkDay(t)

	_, err := f.service.Run(context.Background(), date, models.PeriodDaily, RunOptions{})
	require.NoError(t, err)

	// Null means incomputable; no numeric drift can explain it.
	stored := f.stats.parkStats[statsKey(1, models.PeriodDaily, date)]
	stored.ShameScore = nil

	verifier := newTestVerifier(f)
	summary, err := verifier.Verify(context.Background(), date, AuditAll)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Criticals())
	assert.Equal(t, 1, summary.ExitCode())
}

func TestVerify_MissingStoredRowIsCritical(t *testing.T) {
	f := newAggFixture(t)
	date := f.seedParkDay(t)

	// Snapshots exist but nothing was aggregated.
	verifier := newTestVerifier(f)
	summary, err := verifier.Verify(context.Background(), date, AuditAll)
	require.NoError(t, err)

	// Park row plus both ride rows are missing.
	assert.Equal(t, 3, summary.Criticals())
	assert.Equal(t, 1, summary.ExitCode())
}

func TestVerify_OrphanedStoredRowIsCritical(t *testing.T) {
	f := newAggFixture(t)

	f.snapshots.addPark(&models.Park{ID: 1, Timezone: "UTC", Active: true})
	date := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	// A stored daily row with no snapshots behind it.
	score := 2.5
	require.NoError(t, f.stats.UpsertParkStats(context.Background(), &models.ParkPeriodStats{
		ParkID: 1, PeriodType: models.PeriodDaily, PeriodStart: date,
		ShameScore: &score, RidesTracked: 1,
	}))

	verifier := newTestVerifier(f)
	summary, err := verifier.Verify(context.Background(), date, AuditAll)
	require.NoError(t, err)

	require.Len(t, summary.Issues, 1)
	assert.Equal(t, SeverityCritical, summary.Issues[0].Severity)
	assert.Equal(t, "park_period_stats", summary.Issues[0].Field)
}

func TestVerify_InvertedOperatorRuleDiagnostic(t *testing.T) {
	f := newAggFixture(t)
	date := f.seedParkDay(t)

	_, err := f.service.Run(context.Background(), date, models.PeriodDaily, RunOptions{})
	require.NoError(t, err)

	// Replace the stored score with the value the opposite
	// closed/down rule produces. The park separates closures from
	// breakdowns, so the inverted rule also charges the CLOSED
	// snapshots; seed one to make the two rules diverge widely.
	park, err := f.snapshots.GetPark(context.Background(), 1)
	require.NoError(t, err)

	start, end := models.ParkLocalDayRange(2025, 7, 1, time.UTC)
	snapshots, err := f.snapshots.SnapshotsForPark(context.Background(), 1, start, end)
	require.NoError(t, err)
	weights, err := f.snapshots.RideWeights(context.Background(), 1)
	require.NoError(t, err)

	// Force a large divergence by marking every ride-11 snapshot
	// CLOSED; the separated rule ignores those, the lumped rule does
	// not.
	for _, snap := range snapshots {
		if snap.RideID == 11 && snap.Status == models.StatusOperating {
			snap.Status = models.StatusClosed
		}
	}

	_, err = f.service.Run(context.Background(), date, models.PeriodDaily, RunOptions{Force: true})
	require.NoError(t, err)

	inverted := AverageFromSnapshots(snapshots, weights, !park.SeparatesClosedDown)
	require.NotNil(t, inverted)

	stored := f.stats.parkStats[statsKey(1, models.PeriodDaily, date)]
	stored.ShameScore = inverted

	verifier := newTestVerifier(f)
	summary, err := verifier.Verify(context.Background(), date, AuditAll)
	require.NoError(t, err)

	found := false
	for _, issue := range summary.Issues {
		if issue.Field == "shame_score" && issue.RideID == nil {
			found = true
			assert.Equal(t, SeverityCritical, issue.Severity)
			assert.Contains(t, issue.Message, "operator classification")
		}
	}
	assert.True(t, found, "expected a park-level shame score issue")
}

func TestFullAudit_HourlyContractHolds(t *testing.T) {
	f := newAggFixture(t)
	date := f.seedParkDay(t)

	_, err := f.service.Run(context.Background(), date, models.PeriodDaily, RunOptions{})
	require.NoError(t, err)
	_, err = f.service.Run(context.Background(), date, models.PeriodHourly, RunOptions{})
	require.NoError(t, err)

	verifier := newTestVerifier(f)
	summary, err := verifier.FullAudit(context.Background(), date, AuditAll)
	require.NoError(t, err)
	assert.Empty(t, summary.Issues)
}

// Pre-opening and post-closing instants score nil; an hour mixing
// those with open instants must not tilt the hourly reconstruction of
// the daily score on untampered data.
func TestFullAudit_MixedHourContractHolds(t *testing.T) {
	f := newAggFixture(t)

	f.snapshots.addPark(&models.Park{ID: 1, Slug: "magic-gardens", Timezone: "UTC", SeparatesClosedDown: true, Active: true})
	f.snapshots.addRide(1, 10, models.TierHeadliner)
	f.snapshots.addRide(1, 11, models.TierMajor)

	open := true
	closed := false
	wait := 25

	// Hours 9 and 11 each mix an all-closed instant with an open one;
	// hour 10 holds the only breakdown.
	base := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		at := base.Add(time.Duration(i) * 30 * time.Minute)
		switch i {
		case 0, 5:
			f.snapshots.addSnapshot(10, at, nil, models.StatusClosed, &closed)
			f.snapshots.addSnapshot(11, at, nil, models.StatusClosed, &closed)
		case 3:
			f.snapshots.addSnapshot(10, at, &wait, models.StatusOperating, &open)
			f.snapshots.addSnapshot(11, at, nil, models.StatusDown, &closed)
		default:
			f.snapshots.addSnapshot(10, at, &wait, models.StatusOperating, &open)
			f.snapshots.addSnapshot(11, at, &wait, models.StatusOperating, &open)
		}
	}

	date := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	_, err := f.service.Run(context.Background(), date, models.PeriodDaily, RunOptions{})
	require.NoError(t, err)
	_, err = f.service.Run(context.Background(), date, models.PeriodHourly, RunOptions{})
	require.NoError(t, err)

	// The closed instant carries no score, so the opening hour's
	// bucket weighs a single scored instant.
	nine := f.stats.parkStats[statsKey(1, models.PeriodHourly, time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))]
	require.NotNil(t, nine)
	assert.Equal(t, 1, nine.SnapshotCount)

	verifier := newTestVerifier(f)
	summary, err := verifier.FullAudit(context.Background(), date, AuditAll)
	require.NoError(t, err)
	assert.Empty(t, summary.Issues)
	assert.Equal(t, 0, summary.ExitCode())
}

func TestFullAudit_StaleHourlyRowsFlagged(t *testing.T) {
	f := newAggFixture(t)
	date := f.seedParkDay(t)

	_, err := f.service.Run(context.Background(), date, models.PeriodDaily, RunOptions{})
	require.NoError(t, err)
	_, err = f.service.Run(context.Background(), date, models.PeriodHourly, RunOptions{})
	require.NoError(t, err)

	// Drift one hourly bucket far enough to break the contract.
	noon := f.stats.parkStats[statsKey(1, models.PeriodHourly, time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC))]
	require.NotNil(t, noon)
	stale := 9.0
	noon.ShameScore = &stale

	verifier := newTestVerifier(f)
	summary, err := verifier.FullAudit(context.Background(), date, AuditAll)
	require.NoError(t, err)

	found := false
	for _, issue := range summary.Issues {
		if issue.Field == "hourly_daily_contract" {
			found = true
			assert.Equal(t, SeverityWarning, issue.Severity)
		}
	}
	assert.True(t, found)
	assert.Equal(t, 2, summary.ExitCode())

	// A rides-only audit never reads park rows, so the contract check
	// is skipped and the stale bucket goes unnoticed.
	ridesOnly, err := verifier.FullAudit(context.Background(), date, AuditRides)
	require.NoError(t, err)
	assert.Empty(t, ridesOnly.Issues)
}

func TestFullAudit_CadenceGapFlagged(t *testing.T) {
	f := newAggFixture(t)

	f.snapshots.addPark(&models.Park{ID: 1, Timezone: "UTC", SeparatesClosedDown: true, Active: true})
	f.snapshots.addRide(1, 10, models.TierHeadliner)

	open := true
	// Median spacing of two hours against a 30-minute interval.
	base := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		f.snapshots.addSnapshot(10, base.Add(time.Duration(i)*2*time.Hour), nil, models.StatusOperating, &open)
	}

	date := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	_, err := f.service.Run(context.Background(), date, models.PeriodDaily, RunOptions{})
	require.NoError(t, err)

	verifier := newTestVerifier(f)
	summary, err := verifier.FullAudit(context.Background(), date, AuditAll)
	require.NoError(t, err)

	found := false
	for _, issue := range summary.Issues {
		if issue.Field == "snapshot_cadence" {
			found = true
			assert.Equal(t, SeverityWarning, issue.Severity)
		}
	}
	assert.True(t, found)
}

func TestBackfillAudit_MergesDays(t *testing.T) {
	f := newAggFixture(t)
	date := f.seedParkDay(t)

	_, err := f.service.Run(context.Background(), date, models.PeriodDaily, RunOptions{})
	require.NoError(t, err)

	verifier := newTestVerifier(f)
	// July 2 has no snapshots and no rows, so it contributes nothing.
	summary, err := verifier.BackfillAudit(context.Background(), date, date.AddDate(0, 0, 1), AuditAll)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ParksChecked)
	assert.Equal(t, 2, summary.RidesChecked)
	assert.Empty(t, summary.Issues)
}

func TestVerify_TableFilterScopesDiff(t *testing.T) {
	f := newAggFixture(t)
	date := f.seedParkDay(t)

	_, err := f.service.Run(context.Background(), date, models.PeriodDaily, RunOptions{})
	require.NoError(t, err)

	stored := f.stats.parkStats[statsKey(1, models.PeriodDaily, date)]
	require.NotNil(t, stored.ShameScore)
	tampered := *stored.ShameScore + 3.0
	stored.ShameScore = &tampered

	verifier := newTestVerifier(f)

	// The tampered park row is invisible to a rides-only audit.
	rides, err := verifier.Verify(context.Background(), date, AuditRides)
	require.NoError(t, err)
	assert.Empty(t, rides.Issues)
	assert.Equal(t, 0, rides.ParksChecked)
	assert.Equal(t, 2, rides.RidesChecked)

	parks, err := verifier.Verify(context.Background(), date, AuditParks)
	require.NoError(t, err)
	assert.Equal(t, 1, parks.Criticals())
	assert.Equal(t, 1, parks.ParksChecked)
	assert.Equal(t, 0, parks.RidesChecked)
}

func TestParseAuditTable(t *testing.T) {
	tests := []struct {
		in      string
		want    AuditTable
		wantErr bool
	}{
		{"", AuditAll, false},
		{"all", AuditAll, false},
		{"park", AuditParks, false},
		{"parks", AuditParks, false},
		{"ride", AuditRides, false},
		{"rides", AuditRides, false},
		{"bogus", "", true},
	}

	for _, tt := range tests {
		got, err := ParseAuditTable(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestAuditSummary_ExitCode(t *testing.T) {
	clean := &AuditSummary{}
	assert.Equal(t, 0, clean.ExitCode())

	// Criticals take exit code 1 so automation can gate hard failures;
	// warnings-only runs exit 2.
	warned := &AuditSummary{Issues: []AuditIssue{{Severity: SeverityWarning}}}
	assert.Equal(t, 2, warned.ExitCode())

	critical := &AuditSummary{Issues: []AuditIssue{{Severity: SeverityWarning}, {Severity: SeverityCritical}}}
	assert.Equal(t, 1, critical.ExitCode())
}

func TestScoreDrift(t *testing.T) {
	val := func(v float64) *float64 { return &v }

	tests := []struct {
		name     string
		stored   *float64
		expected *float64
		severity string
		flagged  bool
	}{
		{"both null", nil, nil, "", false},
		{"stored null", nil, val(1.0), SeverityCritical, true},
		{"expected null", val(1.0), nil, SeverityCritical, true},
		{"within tolerance", val(1.04), val(1.0), "", false},
		{"warning drift", val(1.3), val(1.0), SeverityWarning, true},
		{"critical drift", val(2.0), val(1.0), SeverityCritical, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			severity, flagged := scoreDrift(tt.stored, tt.expected)
			assert.Equal(t, tt.flagged, flagged)
			assert.Equal(t, tt.severity, severity)
		})
	}
}

func TestMinuteDrift(t *testing.T) {
	interval := 5 * time.Minute

	severity, flagged := minuteDrift(100, 100, interval)
	assert.False(t, flagged)
	assert.Empty(t, severity)

	severity, flagged = minuteDrift(103, 100, interval)
	assert.True(t, flagged)
	assert.Equal(t, SeverityWarning, severity)

	severity, flagged = minuteDrift(120, 100, interval)
	assert.True(t, flagged)
	assert.Equal(t, SeverityCritical, severity)
}
