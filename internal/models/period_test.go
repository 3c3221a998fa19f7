package models

import (
	"testing"
	"time"
)

// TestParkLocalDayRange verifies the per-park day boundary policy,
// including DST transition days which are not 24 hours long.
func TestParkLocalDayRange(t *testing.T) {
	newYork, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("failed to load timezone: %v", err)
	}
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("failed to load timezone: %v", err)
	}

	tests := []struct {
		name      string
		year      int
		month     time.Month
		day       int
		loc       *time.Location
		wantStart time.Time
		wantHours float64
	}{
		{
			name: "summer day in New York",
			year: 2025, month: time.July, day: 1, loc: newYork,
			wantStart: time.Date(2025, 7, 1, 4, 0, 0, 0, time.UTC),
			wantHours: 24,
		},
		{
			name: "Tokyo day starts the previous UTC afternoon",
			year: 2025, month: time.July, day: 1, loc: tokyo,
			wantStart: time.Date(2025, 6, 30, 15, 0, 0, 0, time.UTC),
			wantHours: 24,
		},
		{
			name: "spring-forward day is 23 hours",
			year: 2025, month: time.March, day: 9, loc: newYork,
			wantStart: time.Date(2025, 3, 9, 5, 0, 0, 0, time.UTC),
			wantHours: 23,
		},
		{
			name: "fall-back day is 25 hours",
			year: 2025, month: time.November, day: 2, loc: newYork,
			wantStart: time.Date(2025, 11, 2, 4, 0, 0, 0, time.UTC),
			wantHours: 25,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := ParkLocalDayRange(tt.year, tt.month, tt.day, tt.loc)
			if !start.Equal(tt.wantStart) {
				t.Errorf("start = %v, want %v", start, tt.wantStart)
			}
			if hours := end.Sub(start).Hours(); hours != tt.wantHours {
				t.Errorf("day length = %v hours, want %v", hours, tt.wantHours)
			}
		})
	}
}

// TestReportingDayRange verifies the site-wide policy is the same
// arithmetic in the single reporting timezone, independent of parks.
func TestReportingDayRange(t *testing.T) {
	reporting, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("failed to load timezone: %v", err)
	}

	start, end := ReportingDayRange(2025, time.July, 1, reporting)

	wantStart := time.Date(2025, 7, 1, 4, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", start, wantStart)
	}
	if !end.Equal(wantStart.AddDate(0, 0, 1)) {
		t.Errorf("end = %v, want %v", end, wantStart.AddDate(0, 0, 1))
	}
}

// TestPeriodType_PeriodStart verifies canonical period keys
func TestPeriodType_PeriodStart(t *testing.T) {
	// 2025-07-03 is a Thursday.
	date := time.Date(2025, 7, 3, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		periodType PeriodType
		want       time.Time
	}{
		{PeriodDaily, time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)},
		{PeriodWeekly, time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)},
		{PeriodMonthly, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)},
		{PeriodYearly, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(string(tt.periodType), func(t *testing.T) {
			if got := tt.periodType.PeriodStart(date); !got.Equal(tt.want) {
				t.Errorf("PeriodStart = %v, want %v", got, tt.want)
			}
		})
	}

	// A Monday is its own week start.
	monday := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	if got := PeriodWeekly.PeriodStart(monday); !got.Equal(monday) {
		t.Errorf("week start of a Monday = %v, want %v", got, monday)
	}

	// Sundays belong to the week that started six days earlier.
	sunday := time.Date(2025, 7, 6, 0, 0, 0, 0, time.UTC)
	if got := PeriodWeekly.PeriodStart(sunday); !got.Equal(monday) {
		t.Errorf("week start of a Sunday = %v, want %v", got, monday)
	}
}

// TestPeriodType_PeriodEnd verifies exclusive period bounds
func TestPeriodType_PeriodEnd(t *testing.T) {
	tests := []struct {
		periodType  PeriodType
		periodStart time.Time
		want        time.Time
	}{
		{PeriodDaily, time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC), time.Date(2025, 7, 4, 0, 0, 0, 0, time.UTC)},
		{PeriodWeekly, time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), time.Date(2025, 7, 7, 0, 0, 0, 0, time.UTC)},
		{PeriodMonthly, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		{PeriodYearly, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(string(tt.periodType), func(t *testing.T) {
			if got := tt.periodType.PeriodEnd(tt.periodStart); !got.Equal(tt.want) {
				t.Errorf("PeriodEnd = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestParsePeriodType tests user-input parsing
func TestParsePeriodType(t *testing.T) {
	for _, valid := range []string{"hourly", "daily", "weekly", "monthly", "yearly"} {
		if _, err := ParsePeriodType(valid); err != nil {
			t.Errorf("ParsePeriodType(%q) unexpected error: %v", valid, err)
		}
	}

	if _, err := ParsePeriodType("fortnightly"); err == nil {
		t.Error("ParsePeriodType should reject unknown types")
	}
	if _, err := ParsePeriodType(""); err == nil {
		t.Error("ParsePeriodType should reject empty input")
	}
}
