package models

import (
	"fmt"
	"time"
)

// PeriodType is the granularity of an aggregation run or a stats row.
type PeriodType string

const (
	PeriodHourly  PeriodType = "hourly"
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
	PeriodYearly  PeriodType = "yearly"
)

// Valid reports whether t is a known period type.
func (t PeriodType) Valid() bool {
	switch t {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodYearly:
		return true
	}
	return false
}

// ParsePeriodType parses a period type from user input.
func ParsePeriodType(s string) (PeriodType, error) {
	t := PeriodType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown period type %q", s)
	}
	return t, nil
}

// ParkLocalDayRange is the per-park day-boundary policy: the half-open
// UTC range covering the given calendar date in the park's own
// timezone. Operating-session detection and aggregation windows use
// this, never a global clock, so late-evening activity stays on the
// local day it belongs to.
func ParkLocalDayRange(year int, month time.Month, day int, loc *time.Location) (start, end time.Time) {
	localStart := time.Date(year, month, day, 0, 0, 0, 0, loc)
	return localStart.UTC(), localStart.AddDate(0, 0, 1).UTC()
}

// ReportingDayRange is the site-wide day-boundary policy: the same
// half-open range but in the single configured reporting timezone.
// Scheduler "yesterday" windows and site-wide today views use this.
// Deliberately a distinct policy from ParkLocalDayRange; the two must
// not be unified.
func ReportingDayRange(year int, month time.Month, day int, reporting *time.Location) (start, end time.Time) {
	localStart := time.Date(year, month, day, 0, 0, 0, 0, reporting)
	return localStart.UTC(), localStart.AddDate(0, 0, 1).UTC()
}

// PeriodStart returns the canonical period key for the period
// containing the given local calendar date: the date itself for daily,
// the preceding Monday for weekly, the first of the month or year
// otherwise. Hourly keys carry the hour and are built separately.
func (t PeriodType) PeriodStart(date time.Time) time.Time {
	d := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	switch t {
	case PeriodWeekly:
		offset := (int(d.Weekday()) + 6) % 7 // Monday-based week
		return d.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	case PeriodYearly:
		return time.Date(d.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return d
}

// PeriodEnd returns the exclusive end date of the period starting at
// the given period key.
func (t PeriodType) PeriodEnd(periodStart time.Time) time.Time {
	switch t {
	case PeriodWeekly:
		return periodStart.AddDate(0, 0, 7)
	case PeriodMonthly:
		return periodStart.AddDate(0, 1, 0)
	case PeriodYearly:
		return periodStart.AddDate(1, 0, 0)
	}
	return periodStart.AddDate(0, 0, 1)
}
