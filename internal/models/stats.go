package models

import "time"

// RidePeriodStats holds per-ride metrics for one period. Upserted
// keyed by (ride_id, period_type, period_start); re-aggregation
// overwrites, never duplicates. Metrics that can be legitimately
// absent (no qualifying data) are pointers so NULL stays
// distinguishable from zero.
type RidePeriodStats struct {
	ID              int64      `json:"id" db:"id"`
	RideID          int64      `json:"ride_id" db:"ride_id"`
	PeriodType      PeriodType `json:"period_type" db:"period_type"`
	PeriodStart     time.Time  `json:"period_start" db:"period_start"`
	UptimeMinutes   int        `json:"uptime_minutes" db:"uptime_minutes"`
	DowntimeMinutes int        `json:"downtime_minutes" db:"downtime_minutes"`
	UptimePct       *float64   `json:"uptime_pct,omitempty" db:"uptime_pct"`
	AvgWaitTime     *float64   `json:"avg_wait_time,omitempty" db:"avg_wait_time"`
	PeakWaitTime    *int       `json:"peak_wait_time,omitempty" db:"peak_wait_time"`
	StatusChanges   int        `json:"status_changes" db:"status_changes"`
	ShameScore      *float64   `json:"shame_score,omitempty" db:"shame_score"`
	SnapshotCount   int        `json:"snapshot_count" db:"snapshot_count"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// ParkPeriodStats holds per-park metrics for one period, keyed like
// RidePeriodStats. ShameScore is the time-averaged tier-weighted score
// from the calculator; nil means no qualifying data, never zero
// downtime.
type ParkPeriodStats struct {
	ID               int64      `json:"id" db:"id"`
	ParkID           int64      `json:"park_id" db:"park_id"`
	PeriodType       PeriodType `json:"period_type" db:"period_type"`
	PeriodStart      time.Time  `json:"period_start" db:"period_start"`
	OperatingMinutes int        `json:"operating_minutes" db:"operating_minutes"`
	DowntimeMinutes  int        `json:"downtime_minutes" db:"downtime_minutes"`
	UptimePct        *float64   `json:"uptime_pct,omitempty" db:"uptime_pct"`
	AvgWaitTime      *float64   `json:"avg_wait_time,omitempty" db:"avg_wait_time"`
	PeakWaitTime     *int       `json:"peak_wait_time,omitempty" db:"peak_wait_time"`
	StatusChanges    int        `json:"status_changes" db:"status_changes"`
	ShameScore       *float64   `json:"shame_score,omitempty" db:"shame_score"`
	RidesTracked     int        `json:"rides_tracked" db:"rides_tracked"`
	SnapshotCount    int        `json:"snapshot_count" db:"snapshot_count"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// HourlyShame is one hour bucket of a park's shame breakdown. Value is
// nil for hours with no qualifying instants.
type HourlyShame struct {
	Hour  int      `json:"hour"`
	Value *float64 `json:"value"`
}
