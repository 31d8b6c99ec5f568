package store

import (
	"context"
	"fmt"
	"time"
)

// AstroScore is one element of a batch compatibility computation, aligned by
// candidate with the request order. The score itself comes from the store's
// ephemeris routine and is treated as an opaque [0,100] value here.
type AstroScore struct {
	CandidateID string
	Score       float64
	Valid       bool
}

// Client wraps the pool with the named operations the matching pipeline
// consumes. The two stored procedures are black boxes on the store side.
type Client struct {
	pool *Pool

	candidateCacheTTL time.Duration
}

// NewClient builds the high-level store surface. candidateCacheTTL bounds how
// long candidate-id lookups may be served from the query-result cache.
func NewClient(pool *Pool, candidateCacheTTL time.Duration) *Client {
	return &Client{pool: pool, candidateCacheTTL: candidateCacheTTL}
}

// Pool exposes the underlying pool for stats reporting.
func (c *Client) Pool() *Pool { return c.pool }

// FetchProfile loads one profile row by id. A missing profile is not an
// error at this layer; the row is nil.
func (c *Client) FetchProfile(ctx context.Context, id string) (Row, error) {
	res, err := c.pool.ExecuteQuery(ctx, Operation{
		SQL:  `SELECT * FROM profiles WHERE id = $1`,
		Args: []any{id},
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	return res.Rows[0], nil
}

// FetchProfiles loads full profile rows for the given ids, restricted to
// candidates whose orientation preference is mutual with the requester's.
func (c *Client) FetchProfiles(ctx context.Context, ids []string, gender, interestedIn string) ([]Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	res, err := c.pool.ExecuteQuery(ctx, Operation{
		SQL: `SELECT * FROM profiles
		      WHERE id = ANY($1)
		        AND ($2 = 'everyone' OR gender = $2)
		        AND (interested_in = 'everyone' OR interested_in = $3)`,
		Args: []any{ids, interestedIn, gender},
	})
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// FindCandidatesWithinRadius invokes the spatial stored procedure and returns
// candidate ids. Results are cacheable per (requester, radius) fingerprint.
func (c *Client) FindCandidatesWithinRadius(ctx context.Context, lat, lng, radiusKm float64, excludeID string, limit int) ([]string, error) {
	res, err := c.pool.ExecuteQuery(ctx, Operation{
		SQL:       `SELECT candidate_id FROM find_candidates_within_radius($1, $2, $3, $4, $5)`,
		Args:      []any{lat, lng, radiusKm, excludeID, limit},
		Cacheable: true,
		CacheTTL:  c.candidateCacheTTL,
	})
	if err != nil {
		return nil, err
	}
	return rowsToIDs(res.Rows, "candidate_id")
}

// FindCandidatesByDemographics is the fallback candidate query for requesters
// without coordinates, cached per gender and age bucket.
func (c *Client) FindCandidatesByDemographics(ctx context.Context, interestedIn string, minAge, maxAge, limit int) ([]string, error) {
	res, err := c.pool.ExecuteQuery(ctx, Operation{
		SQL: `SELECT id AS candidate_id FROM profiles
		      WHERE ($1 = 'everyone' OR gender = $1)
		        AND age BETWEEN $2 AND $3
		      ORDER BY last_active_at DESC
		      LIMIT $4`,
		Args:      []any{interestedIn, minAge, maxAge, limit},
		Cacheable: true,
		CacheTTL:  c.candidateCacheTTL,
	})
	if err != nil {
		return nil, err
	}
	return rowsToIDs(res.Rows, "candidate_id")
}

// BatchScoreCompatibility invokes the astrological scoring procedure for one
// requester against many candidates. The result slice is aligned with the
// candidate order of the request; candidates the store could not score come
// back with Valid=false.
func (c *Client) BatchScoreCompatibility(ctx context.Context, userID string, candidateIDs []string) ([]AstroScore, error) {
	if len(candidateIDs) == 0 {
		return nil, nil
	}
	res, err := c.pool.ExecuteQuery(ctx, Operation{
		SQL:  `SELECT candidate_id, score FROM batch_score_compatibility($1, $2)`,
		Args: []any{userID, candidateIDs},
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]float64, len(res.Rows))
	for _, row := range res.Rows {
		id, ok := stringValue(row["candidate_id"])
		if !ok {
			continue
		}
		score, ok := floatValue(row["score"])
		if !ok {
			continue
		}
		byID[id] = score
	}

	scores := make([]AstroScore, len(candidateIDs))
	for i, id := range candidateIDs {
		scores[i] = AstroScore{CandidateID: id}
		if score, ok := byID[id]; ok {
			scores[i].Score = score
			scores[i].Valid = true
		}
	}
	return scores, nil
}

func rowsToIDs(rows []Row, column string) ([]string, error) {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		id, ok := stringValue(row[column])
		if !ok {
			return nil, fmt.Errorf("store: row missing %q column", column)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func stringValue(v any) (string, bool) {
	switch value := v.(type) {
	case string:
		return value, true
	case fmt.Stringer:
		return value.String(), true
	default:
		return "", false
	}
}

func floatValue(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int64:
		return float64(value), true
	case int:
		return float64(value), true
	default:
		return 0, false
	}
}
