package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/onnwee/autofeed/internal/feed"
	"github.com/onnwee/autofeed/internal/listing"
	"github.com/onnwee/autofeed/internal/ranking"
)

// ListingView is a listing with its current hotness badge.
type ListingView struct {
	listing.Listing
	Tier ranking.Tier `json:"tier"`
}

// ListListingsResponse is the body of GET /listings.
type ListListingsResponse struct {
	Listings         []ListingView `json:"listings"`
	Page             int           `json:"page"`
	Limit            int           `json:"limit"`
	ApproximateTotal int           `json:"approximate_total"`
	HasMore          bool          `json:"has_more"`
}

// RecordViewResponse is the body of POST /listings/{id}/views.
type RecordViewResponse struct {
	ID         string `json:"id"`
	ViewsCount int64  `json:"views_count"`
}

// ListingHandlers serves the paged listing endpoint and view recording.
type ListingHandlers struct {
	store           listing.Store
	views           listing.ViewRecorder
	ranker          *ranking.Ranker
	clock           func() time.Time
	defaultPageSize int
	maxPageSize     int
	logger          *slog.Logger
}

// ListingHandlersConfig configures ListingHandlers.
type ListingHandlersConfig struct {
	Store           listing.Store
	Views           listing.ViewRecorder // nil disables view recording
	Ranker          *ranking.Ranker
	Clock           func() time.Time
	DefaultPageSize int
	MaxPageSize     int
	Logger          *slog.Logger
}

// NewListingHandlers creates listing handlers.
func NewListingHandlers(cfg ListingHandlersConfig) *ListingHandlers {
	if cfg.Ranker == nil {
		cfg.Ranker = ranking.NewRanker(nil, cfg.Logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxPageSize <= 0 || cfg.MaxPageSize > feed.MaxPageSize {
		cfg.MaxPageSize = feed.MaxPageSize
	}
	if cfg.DefaultPageSize <= 0 || cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = min(feed.DefaultPageSize, cfg.MaxPageSize)
	}
	return &ListingHandlers{
		store:           cfg.Store,
		views:           cfg.Views,
		ranker:          cfg.Ranker,
		clock:           cfg.Clock,
		defaultPageSize: cfg.DefaultPageSize,
		maxPageSize:     cfg.MaxPageSize,
		logger:          cfg.Logger,
	}
}

// ListListings handles GET /listings.
//
// Query parameters: status, brand, min_price, max_price, min_year, max_year,
// city, state, q, sort, page (1-based) and limit. Rank is evaluated per
// request, so consecutive pages can overlap or skip listings while the corpus
// changes; feed sessions de-duplicate on top of this endpoint.
func (h *ListingHandlers) ListListings(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	filter, err := parseFilter(params)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	page, err := parsePositiveInt(params, "page", 1)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	limit, err := parsePositiveInt(params, "limit", h.defaultPageSize)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if limit > h.maxPageSize {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("limit must not exceed %d", h.maxPageSize))
		return
	}

	mode := listing.ParseSortMode(params.Get("sort"))

	// One extra row tells whether another page exists without trusting the estimate.
	items, err := h.store.QueryListings(r.Context(), listing.Query{
		Filter:   filter,
		SortMode: mode,
		Skip:     (page - 1) * limit,
		Limit:    limit + 1,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to query listings", "error", err)
		WriteError(w, r.Context(), http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "Failed to load listings")
		return
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}

	total, err := h.store.EstimateMatchingTotal(r.Context(), filter)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to estimate listing total", "error", err)
		total = 0
	}

	writeJSON(w, r, http.StatusOK, ListListingsResponse{
		Listings:         h.withTiers(items),
		Page:             page,
		Limit:            limit,
		ApproximateTotal: total,
		HasMore:          hasMore,
	})
}

// RecordView handles POST /listings/{id}/views.
func (h *ListingHandlers) RecordView(w http.ResponseWriter, r *http.Request) {
	if h.views == nil {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "View recording is not enabled")
		return
	}

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "listing id is required")
		return
	}

	count, err := h.views.RecordView(r.Context(), id)
	if err != nil {
		if errors.Is(err, listing.ErrListingNotFound) {
			WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "Listing not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to record listing view", "listing_id", id, "error", err)
		WriteError(w, r.Context(), http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "Failed to record view")
		return
	}

	writeJSON(w, r, http.StatusOK, RecordViewResponse{ID: id, ViewsCount: count})
}

// withTiers attaches the current tier to each listing. The result is never nil.
func (h *ListingHandlers) withTiers(items []listing.Listing) []ListingView {
	return toViews(h.ranker, items, h.clock())
}

func toViews(r *ranking.Ranker, items []listing.Listing, now time.Time) []ListingView {
	out := make([]ListingView, len(items))
	for i := range items {
		out[i] = ListingView{Listing: items[i], Tier: r.Classify(&items[i], now)}
	}
	return out
}

// parseFilter reads listing filter query parameters.
func parseFilter(params url.Values) (listing.Filter, error) {
	status, err := listing.ParseStatus(params.Get("status"))
	if err != nil {
		return listing.Filter{}, errors.New("status must be one of active, sold, reserved, inactive")
	}

	f := listing.Filter{
		Status:     status,
		Brand:      params.Get("brand"),
		City:       params.Get("city"),
		State:      params.Get("state"),
		SearchText: params.Get("q"),
	}

	if f.MinPrice, err = parseDecimal(params, "min_price"); err != nil {
		return listing.Filter{}, err
	}
	if f.MaxPrice, err = parseDecimal(params, "max_price"); err != nil {
		return listing.Filter{}, err
	}
	if f.MinYear, err = parseOptionalInt(params, "min_year"); err != nil {
		return listing.Filter{}, err
	}
	if f.MaxYear, err = parseOptionalInt(params, "max_year"); err != nil {
		return listing.Filter{}, err
	}
	return f.Normalized(), validateFilter(f)
}

// validateFilter rejects inverted or negative bounds.
func validateFilter(f listing.Filter) error {
	if _, err := listing.ParseStatus(string(f.Status)); err != nil {
		return errors.New("status must be one of active, sold, reserved, inactive")
	}
	if f.MinPrice != nil && f.MinPrice.IsNegative() {
		return errors.New("min_price must not be negative")
	}
	if f.MinPrice != nil && f.MaxPrice != nil && f.MinPrice.GreaterThan(*f.MaxPrice) {
		return errors.New("min_price must not exceed max_price")
	}
	if f.MinYear != nil && f.MaxYear != nil && *f.MinYear > *f.MaxYear {
		return errors.New("min_year must not exceed max_year")
	}
	return nil
}

func parseDecimal(params url.Values, key string) (*decimal.Decimal, error) {
	raw := strings.TrimSpace(params.Get(key))
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", key)
	}
	return &d, nil
}

func parseOptionalInt(params url.Values, key string) (*int, error) {
	raw := strings.TrimSpace(params.Get(key))
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	return &n, nil
}

func parsePositiveInt(params url.Values, key string, def int) (int, error) {
	raw := strings.TrimSpace(params.Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}
