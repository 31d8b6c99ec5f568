package matching

import (
	"fmt"
	"math"
	"time"

	"github.com/synastry/matchd/internal/scoring"
	"github.com/synastry/matchd/internal/store"
)

// Location is a WGS84 coordinate pair. Valid is false for profiles without
// location data; those requesters use the demographic candidate path. Valid
// is serialized so cached profiles keep their coordinates across the JSON
// round trip.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Valid     bool    `json:"valid"`
}

// CandidateProfile is the strict in-memory shape of one profile row. Store
// rows are loosely typed maps; everything the pipeline touches goes through
// parseProfile first so ambiguous shapes never travel further inward.
type CandidateProfile struct {
	ID           string    `json:"id"`
	Age          int       `json:"age"`
	Gender       string    `json:"gender"`
	InterestedIn string    `json:"interested_in"`
	Location     Location  `json:"location,omitempty"`
	Interests    []string  `json:"interests,omitempty"`
	Education    string    `json:"education_level,omitempty"`
	HeightCm     int       `json:"height_cm,omitempty"`
	LastActiveAt time.Time `json:"last_active_at"`
	Premium      bool      `json:"premium"`

	// Reciprocal filter bounds declared by this user.
	MinAgePref    int     `json:"min_age_preference"`
	MaxAgePref    int     `json:"max_age_preference"`
	MaxDistanceKm float64 `json:"max_distance_km"`

	Astro         scoring.AstroProfile  `json:"astro"`
	Questionnaire scoring.Questionnaire `json:"questionnaire"`
}

// HoursSinceActive measures activity recency against now.
func (p *CandidateProfile) HoursSinceActive(now time.Time) float64 {
	if p.LastActiveAt.IsZero() {
		return math.Inf(1)
	}
	return now.Sub(p.LastActiveAt).Hours()
}

// acceptsAge applies this user's declared age bounds to the other's age.
// Unset bounds accept everything.
func (p *CandidateProfile) acceptsAge(age int) bool {
	if p.MinAgePref > 0 && age < p.MinAgePref {
		return false
	}
	if p.MaxAgePref > 0 && age > p.MaxAgePref {
		return false
	}
	return true
}

// parseProfile converts one loosely typed store row into the strict model.
// A row without an id is rejected; other missing fields default to zero.
func parseProfile(row store.Row) (*CandidateProfile, error) {
	id := rowString(row, "id")
	if id == "" {
		return nil, fmt.Errorf("matching: profile row without id")
	}

	p := &CandidateProfile{
		ID:           id,
		Age:          rowInt(row, "age"),
		Gender:       rowString(row, "gender"),
		InterestedIn: rowString(row, "interested_in"),
		Interests:    rowStrings(row, "interests"),
		Education:    rowString(row, "education_level"),
		HeightCm:     rowInt(row, "height_cm"),
		LastActiveAt: rowTime(row, "last_active_at"),
		Premium:      rowBool(row, "premium"),

		MinAgePref:    rowInt(row, "min_age_preference"),
		MaxAgePref:    rowInt(row, "max_age_preference"),
		MaxDistanceKm: rowFloat(row, "max_distance_km"),

		Astro: scoring.AstroProfile{
			SunSign:            rowString(row, "sun_sign"),
			Activity:           rowString(row, "activity"),
			SignPreference:     rowString(row, "sign_preference"),
			ActivityPreference: rowString(row, "activity_preference"),
		},
	}

	lat, latOK := rowFloatOK(row, "latitude")
	lng, lngOK := rowFloatOK(row, "longitude")
	if latOK && lngOK {
		p.Location = Location{Latitude: lat, Longitude: lng, Valid: true}
	}

	for i, answer := range rowInts(row, "questionnaire_answers") {
		if i >= scoring.ItemCount {
			break
		}
		if answer >= 1 && answer <= 5 {
			p.Questionnaire.Answers[i] = answer
		}
	}
	return p, nil
}

func rowString(row store.Row, key string) string {
	if s, ok := row[key].(string); ok {
		return s
	}
	return ""
}

func rowBool(row store.Row, key string) bool {
	b, _ := row[key].(bool)
	return b
}

func rowInt(row store.Row, key string) int {
	f, _ := rowFloatOK(row, key)
	return int(f)
}

func rowFloat(row store.Row, key string) float64 {
	f, _ := rowFloatOK(row, key)
	return f
}

func rowFloatOK(row store.Row, key string) (float64, bool) {
	switch v := row[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func rowTime(row store.Row, key string) time.Time {
	if t, ok := row[key].(time.Time); ok {
		return t
	}
	return time.Time{}
}

func rowStrings(row store.Row, key string) []string {
	switch v := row[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func rowInts(row store.Row, key string) []int {
	switch v := row[key].(type) {
	case []int:
		return v
	case []any:
		out := make([]int, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case int:
				out = append(out, n)
			case int16:
				out = append(out, int(n))
			case int32:
				out = append(out, int(n))
			case int64:
				out = append(out, int(n))
			case float64:
				out = append(out, int(n))
			}
		}
		return out
	default:
		return nil
	}
}

const earthRadiusKm = 6371.0

// distanceKm is the haversine great-circle distance between two coordinates.
func distanceKm(a, b Location) float64 {
	latA := a.Latitude * math.Pi / 180
	latB := b.Latitude * math.Pi / 180
	dLat := latB - latA
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
