package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/autofeed/internal/feed"
	"github.com/onnwee/autofeed/internal/listing"
	"github.com/onnwee/autofeed/internal/middleware"
	"github.com/onnwee/autofeed/internal/ranking"
)

// maxBodyBytes bounds request bodies of feed endpoints.
const maxBodyBytes = 64 << 10

// FeedQueryRequest is the body of POST /feed/sessions and PUT /feed/sessions/{id}/query.
// PageSize is ignored on PUT.
type FeedQueryRequest struct {
	Filter   listing.Filter `json:"filter"`
	Sort     string         `json:"sort,omitempty"`
	PageSize int            `json:"page_size,omitempty"`
}

// CreateSessionResponse is the body returned when a session is created.
type CreateSessionResponse struct {
	SessionID string           `json:"session_id"`
	PageSize  int              `json:"page_size"`
	Sort      listing.SortMode `json:"sort"`
}

// SessionResponse describes the full visible feed of a session.
type SessionResponse struct {
	SessionID        string           `json:"session_id"`
	Listings         []ListingView    `json:"listings"`
	Exhausted        bool             `json:"exhausted"`
	Cursor           int              `json:"cursor"`
	PageSize         int              `json:"page_size"`
	ApproximateTotal int              `json:"approximate_total"`
	Sort             listing.SortMode `json:"sort"`
	Filter           listing.Filter   `json:"filter"`
}

// NextPageResponse is the body of POST /feed/sessions/{id}/next. Listings
// holds only the listings appended by this load.
type NextPageResponse struct {
	SessionID string        `json:"session_id"`
	Appended  int           `json:"appended"`
	Exhausted bool          `json:"exhausted"`
	Page      int           `json:"page"`
	Cursor    int           `json:"cursor"`
	Listings  []ListingView `json:"listings"`
}

// FeedHandlers serves the feed session endpoints.
type FeedHandlers struct {
	registry    *feed.Registry
	ranker      *ranking.Ranker
	clock       func() time.Time
	maxPageSize int
	logger      *slog.Logger
}

// FeedHandlersConfig configures FeedHandlers.
type FeedHandlersConfig struct {
	Registry    *feed.Registry
	Ranker      *ranking.Ranker
	Clock       func() time.Time
	MaxPageSize int
	Logger      *slog.Logger
}

// NewFeedHandlers creates feed session handlers.
func NewFeedHandlers(cfg FeedHandlersConfig) *FeedHandlers {
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
	return &FeedHandlers{
		registry:    cfg.Registry,
		ranker:      cfg.Ranker,
		clock:       cfg.Clock,
		maxPageSize: cfg.MaxPageSize,
		logger:      cfg.Logger,
	}
}

// CreateSession handles POST /feed/sessions.
func (h *FeedHandlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}
	if req.PageSize < 0 || req.PageSize > h.maxPageSize {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("page_size must be between 1 and %d", h.maxPageSize))
		return
	}

	s := h.registry.Create(feed.FeedQuery{
		Filter:   req.Filter,
		SortMode: listing.SortMode(req.Sort),
	}, req.PageSize)
	middleware.SetSessionID(r.Context(), s.ID)

	writeJSON(w, r, http.StatusCreated, CreateSessionResponse{
		SessionID: s.ID,
		PageSize:  s.PageSize(),
		Sort:      s.Query().SortMode,
	})
}

// GetSession handles GET /feed/sessions/{id}.
func (h *FeedHandlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, h.describe(s))
}

// NextPage handles POST /feed/sessions/{id}/next.
//
// A second trigger while a load is running gets 409 fetch_in_flight and
// the running load is not repeated. An exhausted session answers with
// exhausted=true and no listings without touching the store.
func (h *FeedHandlers) NextPage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	res, err := s.LoadNext(r.Context())
	switch {
	case err == nil:
	case errors.Is(err, feed.ErrFetchInFlight):
		WriteError(w, r.Context(), http.StatusConflict, ErrCodeFetchInFlight, "A page load is already in progress for this session")
		return
	case errors.Is(err, feed.ErrInvalidPageSequence):
		WriteError(w, r.Context(), http.StatusConflict, ErrCodeConflict, "The session was reset during the page load")
		return
	default:
		WriteError(w, r.Context(), http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "Failed to load the next page; retry is safe")
		return
	}

	writeJSON(w, r, http.StatusOK, NextPageResponse{
		SessionID: s.ID,
		Appended:  res.Appended,
		Exhausted: res.Exhausted,
		Page:      res.Page,
		Cursor:    res.Cursor,
		Listings:  toViews(h.ranker, res.Listings, h.clock()),
	})
}

// ReplaceQuery handles PUT /feed/sessions/{id}/query. The session restarts
// from page 1 with an empty feed.
func (h *FeedHandlers) ReplaceQuery(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}

	s.Reset(feed.FeedQuery{
		Filter:   req.Filter,
		SortMode: listing.SortMode(req.Sort),
	})
	writeJSON(w, r, http.StatusOK, h.describe(s))
}

// DeleteSession handles DELETE /feed/sessions/{id}.
func (h *FeedHandlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	middleware.SetSessionID(r.Context(), id)
	if err := h.registry.Delete(id); err != nil {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeSessionNotFound, "Feed session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FeedHandlers) session(w http.ResponseWriter, r *http.Request) (*feed.Session, bool) {
	id := r.PathValue("id")
	middleware.SetSessionID(r.Context(), id)
	s, err := h.registry.Get(id)
	if err != nil {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeSessionNotFound, "Feed session not found")
		return nil, false
	}
	return s, true
}

// decodeQuery reads and validates a FeedQueryRequest. An empty body means
// the default query.
func (h *FeedHandlers) decodeQuery(w http.ResponseWriter, r *http.Request) (FeedQueryRequest, bool) {
	var req FeedQueryRequest
	if r.Body != nil {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
			return FeedQueryRequest{}, false
		}
	}

	req.Filter = req.Filter.Normalized()
	if err := validateFilter(req.Filter); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return FeedQueryRequest{}, false
	}
	return req, true
}

func (h *FeedHandlers) describe(s *feed.Session) SessionResponse {
	q := s.Query()
	return SessionResponse{
		SessionID:        s.ID,
		Listings:         toViews(h.ranker, s.VisibleFeed(), h.clock()),
		Exhausted:        s.IsExhausted(),
		Cursor:           s.Cursor(),
		PageSize:         s.PageSize(),
		ApproximateTotal: s.ApproximateTotal(),
		Sort:             q.SortMode,
		Filter:           q.Filter,
	}
}
