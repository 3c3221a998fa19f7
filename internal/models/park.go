package models

import "time"

// Park represents one tracked theme park.
//
// SeparatesClosedDown is the operator-type flag driving the shame-score
// down predicate: operators that report scheduled closures distinctly
// from malfunctions get true, and only DOWN counts against them;
// operators that lump both together get false, and CLOSED counts too.
// This is data, not a per-entity rule in code.
type Park struct {
	ID                  int64     `json:"id" db:"id"`
	Slug                string    `json:"slug" db:"slug"`
	Name                string    `json:"name" db:"name"`
	Timezone            string    `json:"timezone" db:"timezone"`
	SeparatesClosedDown bool      `json:"separates_closed_down" db:"separates_closed_down"`
	Active              bool      `json:"active" db:"active"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// Location returns the park's IANA timezone location.
func (p *Park) Location() (*time.Location, error) {
	return time.LoadLocation(p.Timezone)
}

// Ride represents one tracked ride belonging to a park.
type Ride struct {
	ID        int64     `json:"id" db:"id"`
	ParkID    int64     `json:"park_id" db:"park_id"`
	Name      string    `json:"name" db:"name"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Tier weights for the shame-score formula. The classifier assigns
// tiers externally; this pipeline only reads them.
const (
	TierHeadliner = 1
	TierMajor     = 2
	TierMinor     = 3

	// DefaultTierWeight applies to rides with no classification row.
	// Zero keeps unclassified rides out of the weight pool, so a park
	// with no classified rides has no score rather than a zero score.
	DefaultTierWeight = 0
)

// RideWeight is the external classifier's (tier, weight) lookup row.
// Read-only to this pipeline.
type RideWeight struct {
	RideID     int64 `json:"ride_id" db:"ride_id"`
	Tier       int   `json:"tier" db:"tier"`
	TierWeight int   `json:"tier_weight" db:"tier_weight"`
}

// WeightForTier maps a classifier tier to its score weight (3/2/1).
func WeightForTier(tier int) int {
	switch tier {
	case TierHeadliner:
		return 3
	case TierMajor:
		return 2
	case TierMinor:
		return 1
	}
	return DefaultTierWeight
}
