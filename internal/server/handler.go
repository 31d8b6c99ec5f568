package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/synastry/matchd/internal/matching"
	"github.com/synastry/matchd/internal/store"
)

// Matcher is the pipeline surface the HTTP adapter serves.
type Matcher interface {
	GetMatches(ctx context.Context, userID string, filters matching.Filters, opts matching.Options) (*matching.Page, error)
}

// StatsSource reports live pool occupancy and breaker state for health
// responses. *store.Pool satisfies it.
type StatsSource interface {
	Stats() store.Stats
	Breaker() *store.Breaker
}

// HandlerOptions wires the HTTP adapter's collaborators. Metrics may be nil
// when no metrics endpoint should be exposed.
type HandlerOptions struct {
	Matcher Matcher
	Pool    StatsSource
	Metrics http.Handler
	Logger  *slog.Logger
}

type handler struct {
	matcher Matcher
	pool    StatsSource
	logger  *slog.Logger
}

// NewHandler routes the public surface: GET /matches, GET /healthz and, when
// a metrics handler is supplied, GET /metrics.
func NewHandler(opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{
		matcher: opts.Matcher,
		pool:    opts.Pool,
		logger:  logger.With(slog.String("component", "http")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /matches", h.serveMatches)
	mux.HandleFunc("GET /healthz", h.serveHealth)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return mux
}

func (h *handler) serveMatches(w http.ResponseWriter, r *http.Request) {
	filters, opts, err := parseMatchRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	userID := r.URL.Query().Get("userId")

	page, err := h.matcher.GetMatches(r.Context(), userID, filters, opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

type healthResponse struct {
	Status  string      `json:"status"`
	Pool    store.Stats `json:"pool"`
	Breaker string      `json:"breaker"`
}

func (h *handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.pool != nil {
		resp.Pool = h.pool.Stats()
		resp.Breaker = h.pool.Breaker().State().String()
		if resp.Breaker == "open" {
			resp.Status = "degraded"
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// parseMatchRequest converts query parameters into the pipeline's typed
// filters and options. Unparsable numerics are rejected rather than
// defaulted so clients notice malformed requests.
func parseMatchRequest(r *http.Request) (matching.Filters, matching.Options, error) {
	q := r.URL.Query()
	var filters matching.Filters
	var opts matching.Options
	var err error

	intParams := []struct {
		name string
		dst  *int
	}{
		{"minAge", &filters.MinAge},
		{"maxAge", &filters.MaxAge},
		{"minHeight", &filters.HeightRange.MinCm},
		{"maxHeight", &filters.HeightRange.MaxCm},
		{"limit", &opts.Limit},
		{"offset", &opts.Offset},
	}
	for _, param := range intParams {
		if *param.dst, err = intParam(q.Get(param.name), param.name); err != nil {
			return filters, opts, err
		}
	}

	if raw := q.Get("maxDistance"); raw != "" {
		filters.MaxDistanceKm, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return filters, opts, &matching.ValidationError{Field: "maxDistance", Reason: "not a number"}
		}
	}

	filters.ZodiacSign = q.Get("zodiacSign")
	filters.EducationLevel = q.Get("educationLevel")
	filters.Interests = splitParam(q.Get("interests"))
	filters.ExcludeIDs = splitParam(q.Get("excludeIds"))
	filters.PremiumOnly = q.Get("premiumOnly") == "true"

	opts.Cursor = q.Get("cursor")
	opts.SortBy = matching.SortBy(q.Get("sortBy"))
	opts.UseCache = q.Get("useCache") != "false"
	opts.RefreshCache = q.Get("refreshCache") == "true"

	return filters, opts, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &matching.ValidationError{Field: name, Reason: "not an integer"}
	}
	return value, nil
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var invalid *matching.ValidationError
	var notFound *matching.NotFoundError
	switch {
	case errors.As(err, &invalid):
		status = http.StatusBadRequest
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("match request failed", slog.Any("error", err))
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("response write failed", slog.Any("error", err))
	}
}
