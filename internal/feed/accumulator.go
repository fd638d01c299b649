// Package feed merges successive listing pages into a stable, duplicate-free
// client feed and drives infinite-scroll pagination for a browsing session.
package feed

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/autofeed/internal/listing"
)

// Common errors for feed operations.
var (
	// ErrInvalidPageSequence is returned when a page arrives for an index other
	// than the accumulator's cursor. The page is ignored; it is never fatal.
	ErrInvalidPageSequence = errors.New("page index does not match cursor")

	// ErrFetchInFlight is returned when a fetch is triggered while another one
	// for the same session has not completed.
	ErrFetchInFlight = errors.New("page fetch already in flight")

	// ErrSessionNotFound is returned when a session ID is unknown or expired.
	ErrSessionNotFound = errors.New("feed session not found")
)

// Default and maximum page sizes.
const (
	DefaultPageSize = 20
	MaxPageSize     = 50
)

// ExhaustReason records why an accumulator stopped requesting pages.
type ExhaustReason string

// Exhaust reasons.
const (
	ExhaustNone      ExhaustReason = ""
	ExhaustEmptyPage ExhaustReason = "empty_page"
	ExhaustShortPage ExhaustReason = "short_page"
	ExhaustAllSeen   ExhaustReason = "all_seen"
)

// IngestResult reports the effect of one IngestPage call.
type IngestResult struct {
	Appended  int  `json:"appended"`
	Exhausted bool `json:"exhausted"`
}

// Accumulator holds the client-visible state of one browsing session.
// All methods are safe for concurrent use; state changes only through
// IngestPage and Reset.
type Accumulator struct {
	mu        sync.Mutex
	pageSize  int
	seen      map[string]struct{}
	buffer    []listing.Listing
	cursor    int
	exhausted bool
	reason    ExhaustReason
	// generation increments on every Reset.
	generation uint64

	logger  *slog.Logger
	metrics *Metrics
}

// AccumulatorOption configures an Accumulator.
type AccumulatorOption func(*Accumulator)

// WithLogger sets the logger used for rejected pages.
func WithLogger(logger *slog.Logger) AccumulatorOption {
	return func(a *Accumulator) {
		a.logger = logger
	}
}

// WithMetrics records ingest outcomes in m.
func WithMetrics(m *Metrics) AccumulatorOption {
	return func(a *Accumulator) {
		a.metrics = m
	}
}

// NewAccumulator creates an empty accumulator expecting pages of pageSize items.
// pageSize is clamped to [1, MaxPageSize]; zero or negative means DefaultPageSize.
func NewAccumulator(pageSize int, opts ...AccumulatorOption) *Accumulator {
	a := &Accumulator{
		pageSize: NormalizePageSize(pageSize),
		seen:     make(map[string]struct{}),
		cursor:   1,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// NormalizePageSize applies the default and maximum page size.
func NormalizePageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

// IngestPage merges the items fetched for pageIndex into the feed.
//
// A page for any index other than the cursor is rejected with
// ErrInvalidPageSequence and changes nothing. Items already delivered are
// dropped, keeping arrival order for the rest. A non-empty page with nothing
// new, an empty page, or a page shorter than the page size marks the feed
// exhausted. Once exhausted, further pages are ignored.
func (a *Accumulator) IngestPage(items []listing.Listing, pageIndex int) (IngestResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ingest(items, pageIndex)
}

// IngestPageAt is IngestPage for a page fetched at generation. A page fetched
// before the latest Reset is rejected with ErrInvalidPageSequence even when
// its index matches the restarted cursor.
func (a *Accumulator) IngestPageAt(items []listing.Listing, pageIndex int, generation uint64) (IngestResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if generation != a.generation {
		a.logger.Warn("rejected feed page fetched before reset",
			"page", pageIndex,
			"generation", generation,
			"current_generation", a.generation,
			"items", len(items))
		a.metrics.incRejected()
		return IngestResult{Exhausted: a.exhausted},
			fmt.Errorf("%w: page %d fetched before reset", ErrInvalidPageSequence, pageIndex)
	}
	return a.ingest(items, pageIndex)
}

// ingest must be called with a.mu held.
func (a *Accumulator) ingest(items []listing.Listing, pageIndex int) (IngestResult, error) {
	if pageIndex != a.cursor {
		a.logger.Warn("rejected out-of-sequence feed page",
			"page", pageIndex,
			"cursor", a.cursor,
			"items", len(items))
		a.metrics.incRejected()
		return IngestResult{Exhausted: a.exhausted},
			fmt.Errorf("%w: got page %d, expected %d", ErrInvalidPageSequence, pageIndex, a.cursor)
	}

	if a.exhausted {
		return IngestResult{Exhausted: true}, nil
	}

	if len(items) == 0 {
		a.markExhausted(ExhaustEmptyPage)
		return IngestResult{Exhausted: true}, nil
	}

	fresh := make([]listing.Listing, 0, len(items))
	for _, l := range items {
		if _, dup := a.seen[l.ID]; dup {
			continue
		}
		// Marking here also collapses repeats inside a single page.
		a.seen[l.ID] = struct{}{}
		fresh = append(fresh, l)
	}

	if len(fresh) == 0 {
		a.markExhausted(ExhaustAllSeen)
		return IngestResult{Exhausted: true}, nil
	}

	a.buffer = append(a.buffer, fresh...)
	a.cursor++
	a.metrics.observeIngest(len(items), len(fresh))

	if len(items) < a.pageSize {
		a.markExhausted(ExhaustShortPage)
	}

	return IngestResult{Appended: len(fresh), Exhausted: a.exhausted}, nil
}

// markExhausted must be called with a.mu held.
func (a *Accumulator) markExhausted(reason ExhaustReason) {
	if a.exhausted {
		return
	}
	a.exhausted = true
	a.reason = reason
	a.metrics.incExhausted(reason)
	a.logger.Debug("feed exhausted",
		"reason", string(reason),
		"delivered", len(a.buffer),
		"cursor", a.cursor)
}

// VisibleFeed returns a copy of every delivered listing in delivery order.
func (a *Accumulator) VisibleFeed() []listing.Listing {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]listing.Listing, len(a.buffer))
	copy(out, a.buffer)
	return out
}

// Len returns the number of delivered listings.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

// IsExhausted reports whether pagination is complete.
func (a *Accumulator) IsExhausted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exhausted
}

// ExhaustReason reports why pagination completed, or ExhaustNone.
func (a *Accumulator) ExhaustReason() ExhaustReason {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

// Cursor returns the next page index the accumulator will accept.
func (a *Accumulator) Cursor() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

// Position returns the cursor together with the reset generation it belongs to.
func (a *Accumulator) Position() (cursor int, generation uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor, a.generation
}

// Generation returns how many times the accumulator has been reset.
func (a *Accumulator) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// PageSize returns the requested page size.
func (a *Accumulator) PageSize() int {
	return a.pageSize
}

// Reset discards every delivered listing and starts again from page 1.
// Called when the session's filter or sort changes; nothing is reused.
// Pages fetched before the reset are rejected by IngestPageAt.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seen = make(map[string]struct{})
	a.buffer = nil
	a.cursor = 1
	a.exhausted = false
	a.reason = ExhaustNone
	a.generation++
}
