package models

import (
	"fmt"
	"time"
)

// RideStatus is the raw status string reported by the collector.
type RideStatus string

const (
	StatusOperating     RideStatus = "OPERATING"
	StatusDown          RideStatus = "DOWN"
	StatusClosed        RideStatus = "CLOSED"
	StatusRefurbishment RideStatus = "REFURBISHMENT"
)

// Valid reports whether s is one of the known collector statuses.
func (s RideStatus) Valid() bool {
	switch s {
	case StatusOperating, StatusDown, StatusClosed, StatusRefurbishment:
		return true
	}
	return false
}

// Snapshot is one 5-minute observation of a ride's live status.
// Immutable and append-only; deleted only below the safe-aggregation
// threshold. NULL values represented as pointers.
type Snapshot struct {
	ID             int64      `json:"id" db:"id"`
	RideID         int64      `json:"ride_id" db:"ride_id"`
	RecordedAt     time.Time  `json:"recorded_at" db:"recorded_at"`
	WaitTime       *int       `json:"wait_time,omitempty" db:"wait_time"`
	Status         RideStatus `json:"status" db:"status"`
	ComputedIsOpen bool       `json:"computed_is_open" db:"computed_is_open"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// ComputedIsOpen is the canonical openness rule, total over all inputs:
// a positive wait time means open regardless of the reported flag; a
// zero or absent wait defers to the reported flag; with neither signal
// the ride is considered closed.
func ComputedIsOpen(waitTime *int, isOpen *bool) bool {
	if waitTime != nil && *waitTime > 0 {
		return true
	}
	if isOpen != nil {
		return *isOpen
	}
	return false
}

// ParkActivitySnapshot is one observation of whole-park activity,
// derived from whether any ride at the park is open at that instant.
type ParkActivitySnapshot struct {
	ID              int64     `json:"id" db:"id"`
	ParkID          int64     `json:"park_id" db:"park_id"`
	RecordedAt      time.Time `json:"recorded_at" db:"recorded_at"`
	ParkAppearsOpen bool      `json:"park_appears_open" db:"park_appears_open"`
	RidesTotal      int       `json:"rides_total" db:"rides_total"`
	RidesOpen       int       `json:"rides_open" db:"rides_open"`
}

// RawSnapshotRecord is one collector row before normalization.
// Absent values arrive as negative sentinels from some sources.
type RawSnapshotRecord struct {
	RideID     int64  `json:"ride_id"`
	RecordedAt string `json:"recorded_at"`
	WaitTime   *int   `json:"wait_time"`
	Status     string `json:"status"`
	IsOpen     *bool  `json:"is_open"`
}

// ToSnapshot converts a raw collector record to a normalized Snapshot.
// Negative wait times are treated as absent, and computed_is_open is
// fixed at conversion time so every downstream reader sees one rule.
func (r *RawSnapshotRecord) ToSnapshot(now time.Time) (*Snapshot, error) {
	recordedAt, err := time.Parse(time.RFC3339, r.RecordedAt)
	if err != nil {
		return nil, &ValidationError{
			Field:   "recorded_at",
			Value:   r.RecordedAt,
			Message: "invalid timestamp, expected RFC3339",
		}
	}

	status := RideStatus(r.Status)
	if !status.Valid() {
		return nil, &ValidationError{
			Field:   "status",
			Value:   r.Status,
			Message: "unknown ride status",
		}
	}

	wait := r.WaitTime
	if wait != nil && *wait < 0 {
		wait = nil
	}

	return &Snapshot{
		RideID:         r.RideID,
		RecordedAt:     recordedAt.UTC(),
		WaitTime:       wait,
		Status:         status,
		ComputedIsOpen: ComputedIsOpen(wait, r.IsOpen),
		CreatedAt:      now.UTC(),
	}, nil
}

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}
