package matching

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/synastry/matchd/internal/cache"
	"github.com/synastry/matchd/internal/config"
	"github.com/synastry/matchd/internal/metrics"
	"github.com/synastry/matchd/internal/scoring"
	"github.com/synastry/matchd/internal/store"
)

const (
	defaultRadiusKm = 50
	defaultMinAge   = 18
	defaultMaxAge   = 99
	preWarmMatchCap = 10
)

// Store is the backing-store surface the pipeline consumes. *store.Client
// satisfies it.
type Store interface {
	FetchProfile(ctx context.Context, id string) (store.Row, error)
	FetchProfiles(ctx context.Context, ids []string, gender, interestedIn string) ([]store.Row, error)
	FindCandidatesWithinRadius(ctx context.Context, lat, lng, radiusKm float64, excludeID string, limit int) ([]string, error)
	FindCandidatesByDemographics(ctx context.Context, interestedIn string, minAge, maxAge, limit int) ([]string, error)
	BatchScoreCompatibility(ctx context.Context, userID string, candidateIDs []string) ([]store.AstroScore, error)
}

// ServiceOptions wires the pipeline's collaborators. Cache may be nil: the
// pipeline then runs degraded, every stage hitting the store directly.
type ServiceOptions struct {
	Store   Store
	Cache   *cache.Tiered
	Config  config.MatchingConfig
	TTL     config.CacheTTLConfig
	Hooks   []HookFunc
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Service runs the match recommendation pipeline: candidate retrieval,
// filtering, batched compatibility scoring, ranking and pagination, with the
// tiered cache in front of every expensive stage.
type Service struct {
	store   Store
	cache   *cache.Tiered
	cfg     config.MatchingConfig
	ttl     config.CacheTTLConfig
	logger  *slog.Logger
	metrics *metrics.Recorder
	hooks   *hookQueue

	now func() time.Time
}

// NewService builds the pipeline. Start must be called before matches are
// served so the hook worker is running.
func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "matching"))

	s := &Service{
		store:   opts.Store,
		cache:   opts.Cache,
		cfg:     opts.Config,
		ttl:     opts.TTL,
		logger:  logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}
	hooks := opts.Hooks
	if len(hooks) == 0 {
		hooks = []HookFunc{s.preWarmProfiles}
	}
	s.hooks = newHookQueue(opts.Config.HookQueueDepth, hooks, logger, opts.Metrics)
	return s
}

// Start launches the hook worker; it stops when ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	go s.hooks.run(ctx)
}

// GetMatches serves one ranked, paginated match page. It returns either a
// complete page or a typed error, never partial results.
func (s *Service) GetMatches(ctx context.Context, userID string, filters Filters, opts Options) (*Page, error) {
	start := s.now()

	if userID == "" {
		s.metrics.ObserveMatchRequest("invalid", false, s.now().Sub(start))
		return nil, &ValidationError{Field: "userId", Reason: "must not be empty"}
	}
	if err := filters.validate(); err != nil {
		s.metrics.ObserveMatchRequest("invalid", false, s.now().Sub(start))
		return nil, err
	}
	offset, limit, err := s.resolvePagination(opts)
	if err != nil {
		s.metrics.ObserveMatchRequest("invalid", false, s.now().Sub(start))
		return nil, err
	}
	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = SortByCompatibility
	}
	if !sortBy.valid() {
		s.metrics.ObserveMatchRequest("invalid", false, s.now().Sub(start))
		return nil, &ValidationError{Field: "sortBy", Reason: "unknown sort criterion"}
	}
	opts.SortBy = sortBy
	opts.Limit = limit

	pageKey := responseKey(userID, filters, opts, offset)
	if s.cache != nil && opts.UseCache && !opts.RefreshCache {
		if raw, ok := s.cache.Get(ctx, pageKey); ok {
			var page Page
			if err := json.Unmarshal(raw, &page); err == nil {
				page.CacheHit = true
				page.ResponseTimeMs = msSince(start, s.now())
				s.metrics.ObserveMatchRequest("ok", true, s.now().Sub(start))
				return &page, nil
			}
			s.cache.Delete(ctx, pageKey)
		}
	}

	requester, err := s.resolveRequester(ctx, userID)
	if err != nil {
		s.metrics.ObserveMatchRequest("error", false, s.now().Sub(start))
		return nil, err
	}

	candidateIDs, err := s.findCandidates(ctx, requester, filters)
	if err != nil {
		s.metrics.ObserveMatchRequest("error", false, s.now().Sub(start))
		return nil, err
	}

	candidates, err := s.loadCandidates(ctx, requester, candidateIDs, filters)
	if err != nil {
		s.metrics.ObserveMatchRequest("error", false, s.now().Sub(start))
		return nil, err
	}

	results, err := s.scoreCandidates(ctx, requester, candidates)
	if err != nil {
		s.metrics.ObserveMatchRequest("error", false, s.now().Sub(start))
		return nil, err
	}

	matches := s.assembleMatches(requester, candidates, results)
	sortMatches(matches, sortBy)

	total := len(matches)
	end := offset + limit
	if end > total {
		end = total
	}
	pageStart := offset
	if pageStart > total {
		pageStart = total
	}

	page := &Page{
		Matches:    matches[pageStart:end],
		TotalCount: total,
		HasMore:    end < total,
	}
	if page.HasMore {
		page.NextCursor = encodeCursor(end)
	}

	if s.cache != nil && opts.UseCache {
		if raw, err := json.Marshal(page); err == nil {
			s.cache.Set(ctx, pageKey, raw, s.ttl.Response, userTag(userID))
		}
	}

	s.hooks.enqueue(HookEvent{UserID: userID, MatchIDs: topMatchIDs(page.Matches, preWarmMatchCap)})

	page.ResponseTimeMs = msSince(start, s.now())
	s.metrics.ObserveMatchRequest("ok", false, s.now().Sub(start))
	return page, nil
}

// InvalidateUser drops every cached entry touching one user: profile,
// candidate lists, pair scores and response pages tagged with them.
func (s *Service) InvalidateUser(ctx context.Context, userID string) int {
	if s.cache == nil {
		return 0
	}
	return s.cache.InvalidateByTags(ctx, userTag(userID))
}

func (s *Service) resolvePagination(opts Options) (offset, limit int, err error) {
	limit = opts.Limit
	if limit == 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit <= 0 {
		return 0, 0, &ValidationError{Field: "limit", Reason: "must be positive"}
	}
	if s.cfg.MaxLimit > 0 && limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}

	offset = opts.Offset
	if opts.Cursor != "" {
		offset, err = decodeCursor(opts.Cursor)
		if err != nil {
			return 0, 0, err
		}
	}
	if offset < 0 {
		return 0, 0, &ValidationError{Field: "offset", Reason: "must not be negative"}
	}
	return offset, limit, nil
}

// resolveRequester loads the requester profile cache-first. A missing
// profile aborts the pipeline with a not-found error.
func (s *Service) resolveRequester(ctx context.Context, userID string) (*CandidateProfile, error) {
	key := profileKey(userID)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var profile CandidateProfile
			if err := json.Unmarshal(raw, &profile); err == nil {
				return &profile, nil
			}
			s.cache.Delete(ctx, key)
		}
	}

	row, err := s.store.FetchProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &NotFoundError{Resource: "profile", ID: userID}
	}
	profile, err := parseProfile(row)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(profile); err == nil {
			s.cache.Set(ctx, key, raw, s.ttl.Profile, userTag(userID))
		}
	}
	return profile, nil
}

// findCandidates retrieves candidate ids, spatially when the requester has
// coordinates and demographically otherwise. Both paths cache their id list.
func (s *Service) findCandidates(ctx context.Context, requester *CandidateProfile, filters Filters) ([]string, error) {
	var key string
	var fetch func(ctx context.Context) ([]string, error)

	if requester.Location.Valid {
		radius := filters.MaxDistanceKm
		if radius <= 0 {
			radius = requester.MaxDistanceKm
		}
		if radius <= 0 {
			radius = defaultRadiusKm
		}
		key = radiusCandidatesKey(requester.ID, radius)
		fetch = func(ctx context.Context) ([]string, error) {
			return s.store.FindCandidatesWithinRadius(ctx,
				requester.Location.Latitude, requester.Location.Longitude,
				radius, requester.ID, s.cfg.MaxCandidates)
		}
	} else {
		minAge, maxAge := filters.MinAge, filters.MaxAge
		if minAge == 0 {
			minAge = defaultMinAge
		}
		if maxAge == 0 {
			maxAge = defaultMaxAge
		}
		key = demographicCandidatesKey(requester.InterestedIn, minAge, maxAge)
		fetch = func(ctx context.Context) ([]string, error) {
			return s.store.FindCandidatesByDemographics(ctx,
				requester.InterestedIn, minAge, maxAge, s.cfg.MaxCandidates)
		}
	}

	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var ids []string
			if err := json.Unmarshal(raw, &ids); err == nil {
				return capIDs(ids, s.cfg.MaxCandidates), nil
			}
			s.cache.Delete(ctx, key)
		}
	}

	ids, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	ids = capIDs(ids, s.cfg.MaxCandidates)

	if s.cache != nil {
		if raw, err := json.Marshal(ids); err == nil {
			s.cache.Set(ctx, key, raw, s.ttl.Candidates, userTag(requester.ID))
		}
	}
	return ids, nil
}

// loadCandidates batch-fetches candidate profiles and applies the in-memory
// filters. Rows the strict model rejects are skipped, not fatal.
func (s *Service) loadCandidates(ctx context.Context, requester *CandidateProfile, ids []string, filters Filters) ([]*CandidateProfile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.store.FetchProfiles(ctx, ids, requester.Gender, requester.InterestedIn)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{}, len(filters.ExcludeIDs))
	for _, id := range filters.ExcludeIDs {
		excluded[id] = struct{}{}
	}

	now := s.now()
	candidates := make([]*CandidateProfile, 0, len(rows))
	for _, row := range rows {
		candidate, err := parseProfile(row)
		if err != nil {
			s.logger.Warn("skipping malformed profile row", slog.Any("error", err))
			continue
		}
		if candidate.ID == requester.ID {
			continue
		}
		if _, ok := excluded[candidate.ID]; ok {
			continue
		}
		if !s.passesFilters(requester, candidate, filters, now) {
			continue
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

// passesFilters applies the reciprocal age check plus every optional filter.
func (s *Service) passesFilters(requester, candidate *CandidateProfile, filters Filters, now time.Time) bool {
	// Reciprocal: each side's declared bounds accept the other's age.
	if !requester.acceptsAge(candidate.Age) || !candidate.acceptsAge(requester.Age) {
		return false
	}
	if filters.MinAge > 0 && candidate.Age < filters.MinAge {
		return false
	}
	if filters.MaxAge > 0 && candidate.Age > filters.MaxAge {
		return false
	}
	if filters.ZodiacSign != "" && candidate.Astro.SunSign != filters.ZodiacSign {
		return false
	}
	if filters.EducationLevel != "" && candidate.Education != filters.EducationLevel {
		return false
	}
	if filters.HeightRange.MinCm > 0 && candidate.HeightCm < filters.HeightRange.MinCm {
		return false
	}
	if filters.HeightRange.MaxCm > 0 && candidate.HeightCm > filters.HeightRange.MaxCm {
		return false
	}
	if filters.PremiumOnly && !candidate.Premium {
		return false
	}
	if len(filters.Interests) > 0 && !sharesInterest(filters.Interests, candidate.Interests) {
		return false
	}
	if filters.MaxDistanceKm > 0 && requester.Location.Valid && candidate.Location.Valid {
		if distanceKm(requester.Location, candidate.Location) > filters.MaxDistanceKm {
			return false
		}
	}
	return true
}

// scoreCandidates computes compatibility for every candidate, preserving the
// candidate order. Pairs already in the cache are reused; misses are scored
// in fixed-size batches against the store.
func (s *Service) scoreCandidates(ctx context.Context, requester *CandidateProfile, candidates []*CandidateProfile) ([]scoring.Result, error) {
	results := make([]scoring.Result, len(candidates))
	if len(candidates) == 0 {
		return results, nil
	}

	missed := make([]int, 0, len(candidates))
	if s.cache != nil {
		keys := make([]string, len(candidates))
		for i, candidate := range candidates {
			keys[i] = pairKey(requester.ID, candidate.ID)
		}
		cached := s.cache.MultiGet(ctx, keys)
		for i, key := range keys {
			raw, ok := cached[key]
			if !ok {
				missed = append(missed, i)
				continue
			}
			if err := json.Unmarshal(raw, &results[i]); err != nil {
				s.cache.Delete(ctx, keys[i])
				missed = append(missed, i)
			}
		}
	} else {
		for i := range candidates {
			missed = append(missed, i)
		}
	}

	requesterPerson := scoring.Person{Astro: requester.Astro, Questionnaire: requester.Questionnaire}

	batchSize := s.cfg.ScoreBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	for batchStart := 0; batchStart < len(missed); batchStart += batchSize {
		batch := missed[batchStart:min(batchStart+batchSize, len(missed))]
		ids := make([]string, len(batch))
		for j, idx := range batch {
			ids[j] = candidates[idx].ID
		}

		astro, err := s.store.BatchScoreCompatibility(ctx, requester.ID, ids)
		if err != nil {
			return nil, err
		}
		s.metrics.ObserveScoringBatch()

		for j, idx := range batch {
			candidate := candidates[idx]
			person := scoring.Person{Astro: candidate.Astro, Questionnaire: candidate.Questionnaire}
			var score float64
			var valid bool
			if j < len(astro) {
				score, valid = astro[j].Score, astro[j].Valid
			}
			results[idx] = scoring.Score(requesterPerson, person, score, valid)

			if s.cache != nil {
				if raw, err := json.Marshal(results[idx]); err == nil {
					s.cache.Set(ctx, pairKey(requester.ID, candidate.ID), raw,
						s.ttl.Compatibility, userTag(requester.ID), userTag(candidate.ID))
				}
			}
		}
	}
	return results, nil
}

// assembleMatches zips candidates with their verdicts. The distance field is
// only populated when both sides have coordinates.
func (s *Service) assembleMatches(requester *CandidateProfile, candidates []*CandidateProfile, results []scoring.Result) []Match {
	now := s.now()
	matches := make([]Match, len(candidates))
	for i, candidate := range candidates {
		match := Match{
			Profile:          candidate,
			Compatibility:    results[i],
			HoursSinceActive: candidate.HoursSinceActive(now),
		}
		if requester.Location.Valid && candidate.Location.Valid {
			d := distanceKm(requester.Location, candidate.Location)
			match.DistanceKm = &d
		}
		matches[i] = match
	}
	return matches
}

// sortMatches orders a match list in place. Every criterion uses a stable
// sort so equal keys keep their pre-sort order.
func sortMatches(matches []Match, sortBy SortBy) {
	switch sortBy {
	case SortByDistance:
		sort.SliceStable(matches, func(i, j int) bool {
			return lessDistance(matches[i], matches[j])
		})
	case SortByActivity:
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].HoursSinceActive < matches[j].HoursSinceActive
		})
	case SortByPremium:
		sort.SliceStable(matches, func(i, j int) bool {
			if matches[i].Profile.Premium != matches[j].Profile.Premium {
				return matches[i].Profile.Premium
			}
			return lessCompatibility(matches[i], matches[j])
		})
	default:
		sort.SliceStable(matches, func(i, j int) bool {
			return lessCompatibility(matches[i], matches[j])
		})
	}
}

func lessCompatibility(a, b Match) bool {
	if a.Compatibility.Priority != b.Compatibility.Priority {
		return a.Compatibility.Priority > b.Compatibility.Priority
	}
	return a.Compatibility.AstroScore > b.Compatibility.AstroScore
}

// lessDistance sorts ascending with unknown distances last.
func lessDistance(a, b Match) bool {
	switch {
	case a.DistanceKm == nil:
		return false
	case b.DistanceKm == nil:
		return true
	default:
		return *a.DistanceKm < *b.DistanceKm
	}
}

// preWarmProfiles is the default post-processing hook: it pulls the top
// matches' profiles into the cache before the user opens them.
func (s *Service) preWarmProfiles(ctx context.Context, event HookEvent) {
	if s.cache == nil {
		return
	}
	for _, id := range event.MatchIDs {
		key := profileKey(id)
		if _, ok := s.cache.Get(ctx, key); ok {
			continue
		}
		row, err := s.store.FetchProfile(ctx, id)
		if err != nil || row == nil {
			continue
		}
		profile, err := parseProfile(row)
		if err != nil {
			continue
		}
		if raw, err := json.Marshal(profile); err == nil {
			s.cache.Set(ctx, key, raw, s.ttl.Profile, userTag(id))
		}
	}
}

func sharesInterest(wanted, have []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, interest := range have {
		set[interest] = struct{}{}
	}
	for _, interest := range wanted {
		if _, ok := set[interest]; ok {
			return true
		}
	}
	return false
}

func capIDs(ids []string, limit int) []string {
	if limit > 0 && len(ids) > limit {
		return ids[:limit]
	}
	return ids
}

func topMatchIDs(matches []Match, limit int) []string {
	if len(matches) < limit {
		limit = len(matches)
	}
	ids := make([]string, 0, limit)
	for _, match := range matches[:limit] {
		ids = append(ids, match.Profile.ID)
	}
	return ids
}

func msSince(start, now time.Time) float64 {
	return float64(now.Sub(start).Microseconds()) / 1000
}
