package models

import "time"

// StatusChangeEvent records one observed open/closed transition for a
// ride. Append-only and derived: one row per transition, created when
// computed_is_open differs between chronologically adjacent snapshots.
// DowntimeMinutes is populated only on closed-to-open transitions and
// measures from the last snapshot observed open to the reopening one.
type StatusChangeEvent struct {
	ID              int64      `json:"id" db:"id"`
	RideID          int64      `json:"ride_id" db:"ride_id"`
	ChangedAt       time.Time  `json:"changed_at" db:"changed_at"`
	PreviousStatus  RideStatus `json:"previous_status" db:"previous_status"`
	NewStatus       RideStatus `json:"new_status" db:"new_status"`
	IsOpen          bool       `json:"is_open" db:"is_open"`
	DowntimeMinutes *int       `json:"downtime_minutes,omitempty" db:"downtime_minutes"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// OperatingSession is a park's inferred local-day window of actual
// ride activity. One row per (park, date); upserted, not append-only.
type OperatingSession struct {
	ID               int64     `json:"id" db:"id"`
	ParkID           int64     `json:"park_id" db:"park_id"`
	SessionDate      time.Time `json:"session_date" db:"session_date"`
	SessionStartUTC  time.Time `json:"session_start_utc" db:"session_start_utc"`
	SessionEndUTC    time.Time `json:"session_end_utc" db:"session_end_utc"`
	OperatingMinutes int       `json:"operating_minutes" db:"operating_minutes"`
	RidesActive      int       `json:"rides_active" db:"rides_active"`
	OpenSnapshots    int       `json:"open_snapshots" db:"open_snapshots"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}
