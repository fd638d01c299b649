package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/autofeed/internal/listing"
	"github.com/onnwee/autofeed/internal/ranking"
	"github.com/onnwee/autofeed/internal/tracing"
)

// FeedQuery is the filter and sort a session pages through.
type FeedQuery struct {
	Filter   listing.Filter   `json:"filter"`
	SortMode listing.SortMode `json:"sort"`
}

// Normalized applies filter defaults and resolves the sort mode.
func (q FeedQuery) Normalized() FeedQuery {
	return FeedQuery{
		Filter:   q.Filter.Normalized(),
		SortMode: listing.ParseSortMode(string(q.SortMode)),
	}
}

// LoadResult is the outcome of one LoadNext call.
type LoadResult struct {
	IngestResult
	Page     int               `json:"page"`
	Cursor   int               `json:"cursor"`
	Listings []listing.Listing `json:"listings"`
}

// Session binds one accumulator to one query and a listing store.
type Session struct {
	ID string

	store   listing.Store
	ranker  *ranking.Ranker
	clock   func() time.Time
	logger  *slog.Logger
	metrics *Metrics
	acc     *Accumulator

	inFlight atomic.Bool

	mu         sync.Mutex
	query      FeedQuery
	total      int
	lastAccess time.Time
}

// SessionConfig holds the collaborators of a Session.
type SessionConfig struct {
	Store    listing.Store
	Ranker   *ranking.Ranker
	Clock    func() time.Time
	Logger   *slog.Logger
	Metrics  *Metrics
	PageSize int
}

// NewSession creates a session over cfg.Store for query.
func NewSession(id string, query FeedQuery, cfg SessionConfig) *Session {
	if cfg.Ranker == nil {
		cfg.Ranker = ranking.NewRanker(nil, cfg.Logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		ID:      id,
		store:   cfg.Store,
		ranker:  cfg.Ranker,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("session_id", id),
		metrics: cfg.Metrics,
		query:   query.Normalized(),
	}
	s.acc = NewAccumulator(cfg.PageSize, WithLogger(s.logger), WithMetrics(cfg.Metrics))
	s.lastAccess = cfg.Clock()
	return s
}

// LoadNext fetches the page at the cursor, ranks it and ingests it.
//
// Only one fetch runs at a time; a trigger while one is running returns
// ErrFetchInFlight without waiting. A store failure leaves the feed untouched,
// so calling LoadNext again retries the same page. An exhausted feed returns
// immediately without contacting the store.
func (s *Session) LoadNext(ctx context.Context) (res LoadResult, err error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.metrics.incCoalesced()
		return LoadResult{}, ErrFetchInFlight
	}
	defer s.inFlight.Store(false)

	s.touch()

	// Query and position are read together so a concurrent Reset is seen as
	// a generation change at ingest time.
	s.mu.Lock()
	query := s.query
	cursor, generation := s.acc.Position()
	s.mu.Unlock()

	if s.acc.IsExhausted() {
		return LoadResult{IngestResult: IngestResult{Exhausted: true}, Page: cursor, Cursor: cursor}, nil
	}

	pageSize := s.acc.PageSize()

	ctx, endSpan := tracing.StartSpan(ctx, "feed.load_next")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx,
		attribute.String("feed.session_id", s.ID),
		attribute.Int("feed.page", cursor),
		attribute.Int("feed.page_size", pageSize),
		attribute.String("feed.sort", string(query.SortMode)),
	)

	start := time.Now()
	items, err := s.store.QueryListings(ctx, listing.Query{
		Filter:   query.Filter,
		SortMode: query.SortMode,
		Skip:     (cursor - 1) * pageSize,
		Limit:    pageSize,
	})
	s.metrics.observeFetch(time.Since(start).Seconds())
	if err != nil {
		s.metrics.incFetchErrors()
		s.logger.Error("feed page fetch failed", "page", cursor, "error", err)
		return LoadResult{Page: cursor, Cursor: cursor}, fmt.Errorf("failed to fetch feed page %d: %w", cursor, err)
	}

	ranked := s.ranker.RankBatch(items, query.SortMode, s.clock())

	before := s.acc.Len()
	ingest, err := s.acc.IngestPageAt(ranked, cursor, generation)
	if err != nil {
		return LoadResult{IngestResult: ingest, Page: cursor, Cursor: s.acc.Cursor()}, err
	}

	// Only page 1 refreshes the hint; it is advisory and never ends the feed.
	if cursor == 1 {
		if total, terr := s.store.EstimateMatchingTotal(ctx, query.Filter); terr != nil {
			s.logger.Warn("failed to estimate feed total", "error", terr)
		} else {
			s.mu.Lock()
			if s.acc.Generation() == generation {
				s.total = total
			}
			s.mu.Unlock()
		}
	}

	visible := s.acc.VisibleFeed()
	if before > len(visible) {
		// Reset landed after the ingest.
		before = len(visible)
	}
	res = LoadResult{
		IngestResult: ingest,
		Page:         cursor,
		Cursor:       s.acc.Cursor(),
		Listings:     visible[before:],
	}
	tracing.SetAttributes(ctx,
		attribute.Int("feed.appended", ingest.Appended),
		attribute.Bool("feed.exhausted", ingest.Exhausted),
	)
	return res, nil
}

// Reset replaces the query and discards every delivered listing. A fetch
// still running for the old query fails with ErrInvalidPageSequence.
func (s *Session) Reset(query FeedQuery) {
	s.mu.Lock()
	s.query = query.Normalized()
	s.total = 0
	s.acc.Reset()
	s.mu.Unlock()

	s.touch()
	s.logger.Debug("feed session reset", "sort", string(query.SortMode))
}

// Query returns the current query.
func (s *Session) Query() FeedQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

// ApproximateTotal returns the last total estimate. It is a display hint only.
func (s *Session) ApproximateTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// VisibleFeed returns every delivered listing in delivery order.
func (s *Session) VisibleFeed() []listing.Listing {
	s.touch()
	return s.acc.VisibleFeed()
}

// IsExhausted reports whether the session has reached the end of its feed.
func (s *Session) IsExhausted() bool {
	return s.acc.IsExhausted()
}

// Cursor returns the next page index the session will fetch.
func (s *Session) Cursor() int {
	return s.acc.Cursor()
}

// PageSize returns the session's page size.
func (s *Session) PageSize() int {
	return s.acc.PageSize()
}

// LastAccess returns the time of the last read or fetch.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Session) touch() {
	now := s.clock()
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}
