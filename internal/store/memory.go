// Package store provides listing.Store implementations backed by memory,
// PostgreSQL and a Redis cache for total estimates.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/autofeed/internal/listing"
	"github.com/onnwee/autofeed/internal/ranking"
)

// DefaultTotalEstimateRatio is the share of all listings reported as the
// approximate matching total.
const DefaultTotalEstimateRatio = 0.8

// ErrDuplicateListing is returned when inserting a listing whose ID exists.
var ErrDuplicateListing = errors.New("listing already exists")

// MemoryStore is an in-memory listing store. It orders listings with the same
// ranking code the feed uses, so results match a database-backed store.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*listing.Listing

	ranker *ranking.Ranker
	clock  func() time.Time
	ratio  float64
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithRanker sets the ranker used to order query results.
func WithRanker(r *ranking.Ranker) MemoryOption {
	return func(s *MemoryStore) {
		s.ranker = r
	}
}

// WithClock sets the clock used for hotness at query time.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.clock = clock
	}
}

// WithTotalEstimateRatio sets the ratio used by EstimateMatchingTotal.
// Non-positive values keep DefaultTotalEstimateRatio.
func WithTotalEstimateRatio(ratio float64) MemoryOption {
	return func(s *MemoryStore) {
		if ratio > 0 {
			s.ratio = ratio
		}
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		listings: make(map[string]*listing.Listing),
		clock:    time.Now,
		ratio:    DefaultTotalEstimateRatio,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ranker == nil {
		s.ranker = ranking.NewRanker(nil, nil)
	}
	return s
}

// Insert adds a listing. An empty ID is replaced with a new UUID and a zero
// CreatedAt with the store clock. The stored ID is returned.
func (s *MemoryStore) Insert(ctx context.Context, l *listing.Listing) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *l
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = listing.StatusActive
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.clock()
	}
	if _, exists := s.listings[stored.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateListing, stored.ID)
	}

	s.listings[stored.ID] = &stored
	return stored.ID, nil
}

// Get returns a copy of the listing with id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*listing.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, listing.ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

// QueryListings filters, ranks and pages the corpus. Ranking happens on every
// call against current counters.
func (s *MemoryStore) QueryListings(ctx context.Context, q listing.Query) ([]listing.Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filter := q.Filter.Normalized()

	s.mu.RLock()
	matched := make([]listing.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		if filter.Matches(l) {
			matched = append(matched, *l)
		}
	}
	s.mu.RUnlock()

	ranked := s.ranker.RankBatch(matched, q.SortMode, s.clock())

	skip := q.Skip
	if skip < 0 {
		skip = 0
	}
	if skip >= len(ranked) {
		return []listing.Listing{}, nil
	}
	end := len(ranked)
	if q.Limit > 0 && skip+q.Limit < end {
		end = skip + q.Limit
	}
	return ranked[skip:end], nil
}

// EstimateMatchingTotal returns the configured share of every stored listing.
// The filter is ignored; callers must treat the value as a display hint.
func (s *MemoryStore) EstimateMatchingTotal(ctx context.Context, f listing.Filter) (int, error) {
	s.mu.RLock()
	n := len(s.listings)
	s.mu.RUnlock()
	return estimateTotal(n, s.ratio), nil
}

// RecordView increments the view counter of a listing and returns the new count.
func (s *MemoryStore) RecordView(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return 0, listing.ErrListingNotFound
	}
	l.ViewsCount++
	return l.ViewsCount, nil
}

// AdjustLikes adds delta to the like counter, never going below zero.
func (s *MemoryStore) AdjustLikes(ctx context.Context, id string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return 0, listing.ErrListingNotFound
	}
	l.LikesCount += delta
	if l.LikesCount < 0 {
		l.LikesCount = 0
	}
	return l.LikesCount, nil
}

// SetStatus changes the lifecycle status of a listing.
func (s *MemoryStore) SetStatus(ctx context.Context, id string, status listing.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return listing.ErrListingNotFound
	}
	l.Status = status
	return nil
}

// Len returns the number of stored listings.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listings)
}

func estimateTotal(n int, ratio float64) int {
	if ratio <= 0 {
		ratio = DefaultTotalEstimateRatio
	}
	return int(math.Floor(float64(n) * ratio))
}
