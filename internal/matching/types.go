package matching

import (
	"fmt"

	"github.com/synastry/matchd/internal/scoring"
)

// SortBy selects the ranking criterion of a match page.
type SortBy string

const (
	SortByCompatibility SortBy = "compatibility"
	SortByDistance      SortBy = "distance"
	SortByActivity      SortBy = "activity"
	SortByPremium       SortBy = "premium"
)

func (s SortBy) valid() bool {
	switch s {
	case SortByCompatibility, SortByDistance, SortByActivity, SortByPremium:
		return true
	}
	return false
}

// HeightRange bounds candidate height in centimeters. Zero bounds are open.
type HeightRange struct {
	MinCm int `json:"min_cm"`
	MaxCm int `json:"max_cm"`
}

// Filters narrows the candidate set. The zero value applies no optional
// filters; the reciprocal age check always runs.
type Filters struct {
	MinAge         int         `json:"min_age"`
	MaxAge         int         `json:"max_age"`
	MaxDistanceKm  float64     `json:"max_distance_km"`
	ZodiacSign     string      `json:"zodiac_sign"`
	Interests      []string    `json:"interests"`
	EducationLevel string      `json:"education_level"`
	HeightRange    HeightRange `json:"height_range"`
	ExcludeIDs     []string    `json:"exclude_ids"`
	PremiumOnly    bool        `json:"premium_only"`
}

func (f Filters) validate() error {
	if f.MinAge < 0 || f.MaxAge < 0 {
		return &ValidationError{Field: "age", Reason: "bounds must not be negative"}
	}
	if f.MinAge > 0 && f.MaxAge > 0 && f.MinAge > f.MaxAge {
		return &ValidationError{Field: "age", Reason: fmt.Sprintf("minAge %d exceeds maxAge %d", f.MinAge, f.MaxAge)}
	}
	if f.MaxDistanceKm < 0 {
		return &ValidationError{Field: "maxDistance", Reason: "must not be negative"}
	}
	if f.HeightRange.MinCm < 0 || f.HeightRange.MaxCm < 0 {
		return &ValidationError{Field: "heightRange", Reason: "bounds must not be negative"}
	}
	if f.HeightRange.MinCm > 0 && f.HeightRange.MaxCm > 0 && f.HeightRange.MinCm > f.HeightRange.MaxCm {
		return &ValidationError{Field: "heightRange", Reason: "min exceeds max"}
	}
	return nil
}

// Options tunes pagination, caching and ordering of one request.
type Options struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	// Cursor, when set, supersedes Offset with a continuation point from a
	// previous page.
	Cursor       string `json:"cursor"`
	UseCache     bool   `json:"use_cache"`
	RefreshCache bool   `json:"refresh_cache"`
	SortBy       SortBy `json:"sort_by"`
}

// Match pairs one candidate with the compatibility verdict against the
// requester. DistanceKm is nil when either side lacks coordinates.
type Match struct {
	Profile          *CandidateProfile `json:"profile"`
	Compatibility    scoring.Result    `json:"compatibility"`
	DistanceKm       *float64          `json:"distance_km,omitempty"`
	HoursSinceActive float64           `json:"hours_since_active"`
}

// Page is one assembled result page. ResponseTimeMs and CacheHit are
// volatile and excluded from the response cache; PoolStats likewise reflects
// the serving process, not the page content.
type Page struct {
	Matches        []Match `json:"matches"`
	TotalCount     int     `json:"total_count"`
	HasMore        bool    `json:"has_more"`
	NextCursor     string  `json:"next_cursor,omitempty"`
	CacheHit       bool    `json:"cache_hit"`
	ResponseTimeMs float64 `json:"response_time_ms"`
}
