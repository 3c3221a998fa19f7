package models

import "time"

// JobStatus is the state of one aggregation attempt. Transitions are
// monotonic: running moves to success or failed, both terminal.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// AggregationJob is the job-log row for one (date, type) aggregation,
// unique per pair. AggregatedUntil is the high-water mark below which
// raw snapshots are provably safe to delete; the external cleanup job
// reads nothing else from this pipeline.
type AggregationJob struct {
	ID              int64      `json:"id" db:"id"`
	AggregationDate time.Time  `json:"aggregation_date" db:"aggregation_date"`
	AggregationType PeriodType `json:"aggregation_type" db:"aggregation_type"`
	Status          JobStatus  `json:"status" db:"status"`
	StartedAt       time.Time  `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	AggregatedUntil *time.Time `json:"aggregated_until_ts,omitempty" db:"aggregated_until_ts"`
	ParksProcessed  int        `json:"parks_processed" db:"parks_processed"`
	RidesProcessed  int        `json:"rides_processed" db:"rides_processed"`
	ErrorMessage    *string    `json:"error_message,omitempty" db:"error_message"`
}

// Terminal reports whether the job reached a final state.
func (j *AggregationJob) Terminal() bool {
	return j.Status == JobSuccess || j.Status == JobFailed
}

// StaleRunning reports whether a running row has outlived the
// scheduler's retry window and should no longer block a new attempt.
func (j *AggregationJob) StaleRunning(now time.Time, staleAfter time.Duration) bool {
	return j.Status == JobRunning && now.Sub(j.StartedAt) > staleAfter
}
