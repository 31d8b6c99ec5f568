package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/synastry/matchd/internal/cache"
	"github.com/synastry/matchd/internal/config"
	"github.com/synastry/matchd/internal/scoring"
	"github.com/synastry/matchd/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]store.Row
	radius   []string
	demo     []string

	profileFetches int
	batchFetches   int
	radiusCalls    int
	demoCalls      int
	scoreBatches   []int

	scores map[string]float64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles: make(map[string]store.Row),
		scores:   make(map[string]float64),
	}
}

func (f *fakeStore) FetchProfile(_ context.Context, id string) (store.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileFetches++
	row, ok := f.profiles[id]
	if !ok {
		return nil, nil
	}
	return row, nil
}

func (f *fakeStore) FetchProfiles(_ context.Context, ids []string, _, _ string) ([]store.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchFetches++
	rows := make([]store.Row, 0, len(ids))
	for _, id := range ids {
		if row, ok := f.profiles[id]; ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (f *fakeStore) FindCandidatesWithinRadius(_ context.Context, _, _, _ float64, _ string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.radiusCalls++
	return capIDs(f.radius, limit), nil
}

func (f *fakeStore) FindCandidatesByDemographics(_ context.Context, _ string, _, _, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.demoCalls++
	return capIDs(f.demo, limit), nil
}

func (f *fakeStore) BatchScoreCompatibility(_ context.Context, _ string, candidateIDs []string) ([]store.AstroScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scoreBatches = append(f.scoreBatches, len(candidateIDs))
	scores := make([]store.AstroScore, len(candidateIDs))
	for i, id := range candidateIDs {
		scores[i] = store.AstroScore{CandidateID: id}
		if score, ok := f.scores[id]; ok {
			scores[i].Score = score
			scores[i].Valid = true
		}
	}
	return scores, nil
}

func profileRow(id string, age int, overrides ...func(store.Row)) store.Row {
	row := store.Row{
		"id":                  id,
		"age":                 int64(age),
		"gender":              "woman",
		"interested_in":       "everyone",
		"sun_sign":            "aries",
		"activity":            "hiking",
		"sign_preference":     "any",
		"activity_preference": "any",
		"last_active_at":      time.Now().Add(-2 * time.Hour),
		"premium":             false,
	}
	for _, override := range overrides {
		override(row)
	}
	return row
}

func withCoords(lat, lng float64) func(store.Row) {
	return func(row store.Row) {
		row["latitude"] = lat
		row["longitude"] = lng
	}
}

func newTestService(t *testing.T, fs *fakeStore, withCache bool, hooks ...HookFunc) *Service {
	t.Helper()
	var tiered *cache.Tiered
	if withCache {
		server, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(server.Close)

		remote, err := cache.NewValkey(cache.ValkeyConfig{Address: server.Addr()})
		require.NoError(t, err)
		tiered = cache.NewTiered(cache.Options{L1: cache.NewMemory(1 << 20), Store: remote})
		t.Cleanup(func() { _ = tiered.Close(context.Background()) })
	}

	svc := NewService(ServiceOptions{
		Store:  fs,
		Cache:  tiered,
		Config: config.DefaultConfig().Matching,
		TTL:    config.DefaultConfig().Cache.TTL,
		Hooks:  hooks,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc.Start(ctx)
	return svc
}

func seedCandidates(fs *fakeStore, n int) []string {
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("cand-%03d", i)
		ids[i] = id
		fs.profiles[id] = profileRow(id, 30)
		fs.scores[id] = 75
	}
	return ids
}

func TestGetMatchesRequesterNotFound(t *testing.T) {
	svc := newTestService(t, newFakeStore(), false)

	_, err := svc.GetMatches(context.Background(), "ghost", Filters{}, Options{})
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "ghost", notFound.ID)
}

func TestGetMatchesValidation(t *testing.T) {
	svc := newTestService(t, newFakeStore(), false)
	ctx := context.Background()

	cases := []struct {
		name    string
		userID  string
		filters Filters
		opts    Options
	}{
		{name: "empty user", userID: ""},
		{name: "inverted ages", userID: "u", filters: Filters{MinAge: 40, MaxAge: 20}},
		{name: "negative offset", userID: "u", opts: Options{Offset: -1}},
		{name: "unknown sort", userID: "u", opts: Options{SortBy: "charisma"}},
		{name: "garbage cursor", userID: "u", opts: Options{Cursor: "???"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.GetMatches(ctx, tc.userID, tc.filters, tc.opts)
			var invalid *ValidationError
			require.ErrorAs(t, err, &invalid)
		})
	}
}

func TestGetMatchesDemographicFallbackWithoutCoordinates(t *testing.T) {
	fs := newFakeStore()
	fs.profiles["me"] = profileRow("me", 30)
	fs.demo = seedCandidates(fs, 3)
	for _, id := range fs.demo {
		fs.profiles[id] = profileRow(id, 30, withCoords(40.7, -74.0))
	}

	svc := newTestService(t, fs, false)
	page, err := svc.GetMatches(context.Background(), "me", Filters{}, Options{})
	require.NoError(t, err)
	require.Len(t, page.Matches, 3)

	require.Equal(t, 1, fs.demoCalls)
	require.Zero(t, fs.radiusCalls)
	for _, match := range page.Matches {
		require.Nil(t, match.DistanceKm, "requester without coordinates must not see distances")
	}
}

func TestGetMatchesRadiusPathWithCoordinates(t *testing.T) {
	fs := newFakeStore()
	fs.profiles["me"] = profileRow("me", 30, withCoords(40.7, -74.0))
	fs.radius = seedCandidates(fs, 2)
	fs.profiles["cand-000"] = profileRow("cand-000", 30, withCoords(40.8, -74.0))

	svc := newTestService(t, fs, false)
	page, err := svc.GetMatches(context.Background(), "me", Filters{}, Options{})
	require.NoError(t, err)
	require.Len(t, page.Matches, 2)

	require.Equal(t, 1, fs.radiusCalls)
	require.Zero(t, fs.demoCalls)

	var withDistance int
	for _, match := range page.Matches {
		if match.DistanceKm != nil {
			withDistance++
			require.Greater(t, *match.DistanceKm, 0.0)
			require.Less(t, *match.DistanceKm, 50.0)
		}
	}
	require.Equal(t, 1, withDistance, "only the candidate with coordinates gets a distance")
}

func TestCachedRequesterKeepsRadiusPath(t *testing.T) {
	fs := newFakeStore()
	fs.profiles["me"] = profileRow("me", 30, withCoords(40.7, -74.0))
	fs.radius = seedCandidates(fs, 2)
	fs.profiles["cand-000"] = profileRow("cand-000", 30, withCoords(40.8, -74.0))

	noop := func(context.Context, HookEvent) {}
	svc := newTestService(t, fs, true, noop)
	ctx := context.Background()

	first, err := svc.GetMatches(ctx, "me", Filters{}, Options{UseCache: true})
	require.NoError(t, err)
	require.Equal(t, 1, fs.radiusCalls)

	// RefreshCache reruns the pipeline while the requester comes from the
	// profile cache. The cached copy must keep its coordinates, so the
	// spatial path stays in effect; its id list is served from cache too.
	second, err := svc.GetMatches(ctx, "me", Filters{}, Options{UseCache: true, RefreshCache: true})
	require.NoError(t, err)
	require.Equal(t, 1, fs.profileFetches, "requester must resolve from cache on the second run")
	require.Equal(t, 1, fs.radiusCalls)
	require.Zero(t, fs.demoCalls, "cached requesters with coordinates never fall back to demographics")

	require.Len(t, second.Matches, len(first.Matches))
	var withDistance int
	for _, match := range second.Matches {
		if match.DistanceKm != nil {
			withDistance++
		}
	}
	require.Equal(t, 1, withDistance)
}

func TestScoringRunsInBatchesPreservingOrder(t *testing.T) {
	fs := newFakeStore()
	fs.profiles["me"] = profileRow("me", 30)
	fs.demo = seedCandidates(fs, 120)
	// Identical scores: a stable compatibility sort keeps candidate order.
	for _, id := range fs.demo {
		fs.scores[id] = 80
	}

	svc := newTestService(t, fs, false)
	page, err := svc.GetMatches(context.Background(), "me", Filters{}, Options{Limit: 120})
	require.NoError(t, err)

	require.Equal(t, []int{50, 50, 20}, fs.scoreBatches)
	require.Equal(t, 120, page.TotalCount)
	require.Len(t, page.Matches, 100, "limit is clamped to the configured maximum")
	for i, match := range page.Matches {
		require.Equal(t, fmt.Sprintf("cand-%03d", i), match.Profile.ID)
	}
}

func TestGetMatchesPaginationAndCursor(t *testing.T) {
	fs := newFakeStore()
	fs.profiles["me"] = profileRow("me", 30)
	fs.demo = seedCandidates(fs, 25)
	for _, id := range fs.demo {
		fs.scores[id] = 80
	}

	svc := newTestService(t, fs, false)
	ctx := context.Background()

	first, err := svc.GetMatches(ctx, "me", Filters{}, Options{Limit: 10})
	require.NoError(t, err)
	require.Len(t, first.Matches, 10)
	require.Equal(t, 25, first.TotalCount)
	require.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	second, err := svc.GetMatches(ctx, "me", Filters{}, Options{Limit: 10, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Matches, 10)
	require.True(t, second.HasMore)
	require.NotEqual(t, first.Matches[0].Profile.ID, second.Matches[0].Profile.ID)

	third, err := svc.GetMatches(ctx, "me", Filters{}, Options{Limit: 10, Cursor: second.NextCursor})
	require.NoError(t, err)
	require.Len(t, third.Matches, 5)
	require.False(t, third.HasMore)
	require.Empty(t, third.NextCursor)
}

func TestGetMatchesAppliesFilters(t *testing.T) {
	fs := newFakeStore()
	fs.profiles["me"] = profileRow("me", 30)
	fs.demo = []string{"young", "old", "nerd", "tall", "vip", "shunned", "match"}
	fs.profiles["young"] = profileRow("young", 19)
	fs.profiles["old"] = profileRow("old", 60)
	fs.profiles["nerd"] = profileRow("nerd", 30, func(r store.Row) { r["education_level"] = "phd" })
	fs.profiles["tall"] = profileRow("tall", 30, func(r store.Row) { r["height_cm"] = int64(201) })
	fs.profiles["vip"] = profileRow("vip", 30, func(r store.Row) { r["premium"] = true })
	fs.profiles["shunned"] = profileRow("shunned", 30)
	fs.profiles["match"] = profileRow("match", 30, func(r store.Row) {
		r["education_level"] = "masters"
		r["height_cm"] = int64(170)
		r["interests"] = []any{"hiking", "jazz"}
	})
	for _, id := range fs.demo {
		fs.scores[id] = 70
	}

	svc := newTestService(t, fs, false)
	page, err := svc.GetMatches(context.Background(), "me", Filters{
		MinAge:         25,
		MaxAge:         40,
		EducationLevel: "masters",
		HeightRange:    HeightRange{MaxCm: 200},
		Interests:      []string{"jazz"},
		ExcludeIDs:     []string{"shunned"},
	}, Options{})
	require.NoError(t, err)
	require.Len(t, page.Matches, 1)
	require.Equal(t, "match", page.Matches[0].Profile.ID)
}

func TestGetMatchesReciprocalAgeCheck(t *testing.T) {
	fs := newFakeStore()
	fs.profiles["me"] = profileRow("me", 45)
	fs.demo = []string{"picky", "open"}
	// Candidate accepts only up to 40; the 45-year-old requester fails the
	// reverse direction even though the candidate's age fits every filter.
	fs.profiles["picky"] = profileRow("picky", 30, func(r store.Row) {
		r["min_age_preference"] = int64(25)
		r["max_age_preference"] = int64(40)
	})
	fs.profiles["open"] = profileRow("open", 30)
	fs.scores["picky"] = 90
	fs.scores["open"] = 90

	svc := newTestService(t, fs, false)
	page, err := svc.GetMatches(context.Background(), "me", Filters{}, Options{})
	require.NoError(t, err)
	require.Len(t, page.Matches, 1)
	require.Equal(t, "open", page.Matches[0].Profile.ID)
}

func TestGetMatchesPageCacheHit(t *testing.T) {
	fs := newFakeStore()
	fs.profiles["me"] = profileRow("me", 30)
	fs.demo = seedCandidates(fs, 5)

	svc := newTestService(t, fs, true)
	ctx := context.Background()
	opts := Options{UseCache: true}

	first, err := svc.GetMatches(ctx, "me", Filters{}, opts)
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	fetchesAfterFirst := fs.batchFetches
	second, err := svc.GetMatches(ctx, "me", Filters{}, opts)
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	require.Equal(t, fetchesAfterFirst, fs.batchFetches, "cached page must not touch the store")

	require.Equal(t, len(first.Matches), len(second.Matches))
	for i := range first.Matches {
		require.Equal(t, first.Matches[i].Profile.ID, second.Matches[i].Profile.ID)
		require.Equal(t, first.Matches[i].Compatibility, second.Matches[i].Compatibility)
	}
}

func TestGetMatchesRefreshCacheBypassesRead(t *testing.T) {
	fs := newFakeStore()
	fs.profiles["me"] = profileRow("me", 30)
	fs.demo = seedCandidates(fs, 2)

	svc := newTestService(t, fs, true)
	ctx := context.Background()

	_, err := svc.GetMatches(ctx, "me", Filters{}, Options{UseCache: true})
	require.NoError(t, err)

	page, err := svc.GetMatches(ctx, "me", Filters{}, Options{UseCache: true, RefreshCache: true})
	require.NoError(t, err)
	require.False(t, page.CacheHit)
}

func TestGetMatchesPairCacheSkipsRescoring(t *testing.T) {
	fs := newFakeStore()
	fs.profiles["me"] = profileRow("me", 30)
	fs.demo = seedCandidates(fs, 4)

	svc := newTestService(t, fs, true)
	ctx := context.Background()

	_, err := svc.GetMatches(ctx, "me", Filters{}, Options{})
	require.NoError(t, err)
	require.Len(t, fs.scoreBatches, 1)

	// Same candidates again, caching of the page itself disabled: the pair
	// cache alone must absorb the scoring work.
	_, err = svc.GetMatches(ctx, "me", Filters{}, Options{})
	require.NoError(t, err)
	require.Len(t, fs.scoreBatches, 1, "cached pairs must not be rescored")
}

func TestGetMatchesInvalidAstroScoresStillServed(t *testing.T) {
	fs := newFakeStore()
	fs.profiles["me"] = profileRow("me", 30)
	fs.demo = seedCandidates(fs, 2)
	delete(fs.scores, "cand-001")

	svc := newTestService(t, fs, false)
	page, err := svc.GetMatches(context.Background(), "me", Filters{}, Options{})
	require.NoError(t, err)
	require.Len(t, page.Matches, 2)

	var naSeen bool
	for _, match := range page.Matches {
		if match.Profile.ID == "cand-001" {
			require.Equal(t, scoring.GradeNA, match.Compatibility.AstroGrade)
			naSeen = true
		}
	}
	require.True(t, naSeen)
}

func TestHooksReceiveTopMatches(t *testing.T) {
	fs := newFakeStore()
	fs.profiles["me"] = profileRow("me", 30)
	fs.demo = seedCandidates(fs, 3)

	events := make(chan HookEvent, 1)
	hook := func(_ context.Context, event HookEvent) { events <- event }

	svc := newTestService(t, fs, false, hook)
	_, err := svc.GetMatches(context.Background(), "me", Filters{}, Options{})
	require.NoError(t, err)

	select {
	case event := <-events:
		require.Equal(t, "me", event.UserID)
		require.Len(t, event.MatchIDs, 3)
	case <-time.After(2 * time.Second):
		t.Fatal("hook never ran")
	}
}

func TestInvalidateUserDropsCachedPages(t *testing.T) {
	fs := newFakeStore()
	fs.profiles["me"] = profileRow("me", 30)
	fs.demo = seedCandidates(fs, 2)

	svc := newTestService(t, fs, true)
	ctx := context.Background()

	_, err := svc.GetMatches(ctx, "me", Filters{}, Options{UseCache: true})
	require.NoError(t, err)

	count := svc.InvalidateUser(ctx, "me")
	require.Greater(t, count, 0)

	page, err := svc.GetMatches(ctx, "me", Filters{}, Options{UseCache: true})
	require.NoError(t, err)
	require.False(t, page.CacheHit)
}

func TestSortMatchesCriteria(t *testing.T) {
	mk := func(id string, priority int, astro float64, distance *float64, hours float64, premium bool) Match {
		return Match{
			Profile:          &CandidateProfile{ID: id, Premium: premium},
			Compatibility:    scoring.Result{Priority: priority, AstroScore: astro},
			DistanceKm:       distance,
			HoursSinceActive: hours,
		}
	}
	dist := func(km float64) *float64 { return &km }

	matches := []Match{
		mk("a", 2, 70, dist(12), 5, false),
		mk("b", 6, 88, nil, 1, false),
		mk("c", 6, 95, dist(3), 48, true),
	}

	sortMatches(matches, SortByCompatibility)
	require.Equal(t, []string{"c", "b", "a"}, matchIDs(matches))

	sortMatches(matches, SortByDistance)
	require.Equal(t, []string{"c", "a", "b"}, matchIDs(matches), "unknown distance sorts last")

	sortMatches(matches, SortByActivity)
	require.Equal(t, []string{"b", "a", "c"}, matchIDs(matches))

	sortMatches(matches, SortByPremium)
	require.Equal(t, []string{"c", "b", "a"}, matchIDs(matches))
}

func matchIDs(matches []Match) []string {
	ids := make([]string, len(matches))
	for i, match := range matches {
		ids[i] = match.Profile.ID
	}
	return ids
}

func TestGetMatchesErrorsAreTyped(t *testing.T) {
	svc := newTestService(t, newFakeStore(), false)
	_, err := svc.GetMatches(context.Background(), "ghost", Filters{}, Options{})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "not found"))
	require.False(t, errors.Is(err, context.Canceled))
}
