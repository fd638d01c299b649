package ranking

import (
	"cmp"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/autofeed/internal/listing"
)

// parallelClassifyMin is the batch size from which tiers are computed concurrently.
const parallelClassifyMin = 512

// Ranker orders listings for the feed using calibrated hotness thresholds.
// A Ranker holds no mutable state and is safe for concurrent use.
type Ranker struct {
	thresholds *Thresholds
	logger     *slog.Logger
}

// NewRanker creates a Ranker. Nil thresholds use DefaultThresholds, a nil
// logger resolves to slog.Default at log time.
func NewRanker(thresholds *Thresholds, logger *slog.Logger) *Ranker {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Ranker{thresholds: thresholds, logger: logger}
}

// Thresholds returns a copy of the thresholds in use.
func (r *Ranker) Thresholds() Thresholds {
	return *r.thresholds
}

// Classify maps l to a tier at now.
func (r *Ranker) Classify(l *listing.Listing, now time.Time) Tier {
	return ClassifyWithThresholds(l, now, r.thresholds)
}

// ranked pairs a listing with the tier computed for this pass.
type ranked struct {
	l    *listing.Listing
	tier Tier
}

// RankBatch returns a new slice holding listings in the canonical order for mode.
// The input slice is not modified. now must be the same for every listing in the
// pass; callers hold it fixed so tiers near a bucket boundary stay consistent.
func (r *Ranker) RankBatch(listings []listing.Listing, mode listing.SortMode, now time.Time) []listing.Listing {
	mode = listing.ParseSortMode(string(mode))

	entries := make([]ranked, len(listings))
	for i := range listings {
		entries[i].l = &listings[i]
	}

	if mode == listing.SortHot {
		r.classifyAll(entries, now)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return compare(&entries[i], &entries[j], mode) < 0
	})

	out := make([]listing.Listing, len(entries))
	for i, e := range entries {
		out[i] = *e.l
	}
	return out
}

// classifyAll fills in tiers, splitting large batches across goroutines.
// Each goroutine writes a disjoint range of entries.
func (r *Ranker) classifyAll(entries []ranked, now time.Time) {
	skewed := 0
	if len(entries) < parallelClassifyMin {
		for i := range entries {
			if _, s := ListingAge(entries[i].l, now); s {
				skewed++
			}
			entries[i].tier = r.Classify(entries[i].l, now)
		}
	} else {
		workers := runtime.GOMAXPROCS(0)
		chunk := (len(entries) + workers - 1) / workers
		skewCounts := make([]int, workers)

		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			start := w * chunk
			if start >= len(entries) {
				break
			}
			end := min(start+chunk, len(entries))
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := start; i < end; i++ {
					if _, s := ListingAge(entries[i].l, now); s {
						skewCounts[w]++
					}
					entries[i].tier = r.Classify(entries[i].l, now)
				}
			}()
		}
		wg.Wait()

		for _, c := range skewCounts {
			skewed += c
		}
	}

	if skewed > 0 {
		logger := r.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Debug("listings created after ranking time, age clamped to zero",
			"count", skewed,
			"now", now)
	}
}

// compare returns a negative number when a sorts before b in mode.
// Every branch falls through to createdAt and id so the order is total.
func compare(a, b *ranked, mode listing.SortMode) int {
	switch mode {
	case listing.SortRecent:
		// created_at DESC, id ASC below
	case listing.SortOldest:
		if c := a.l.CreatedAt.Compare(b.l.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.l.ID, b.l.ID)
	case listing.SortPriceLow:
		if c := a.l.Price.Cmp(b.l.Price); c != 0 {
			return c
		}
	case listing.SortPriceHigh:
		if c := b.l.Price.Cmp(a.l.Price); c != 0 {
			return c
		}
	case listing.SortPopular:
		if c := cmp.Compare(b.l.LikesCount, a.l.LikesCount); c != 0 {
			return c
		}
	case listing.SortViews:
		if c := cmp.Compare(b.l.ViewsCount, a.l.ViewsCount); c != 0 {
			return c
		}
	default: // hot
		if c := cmp.Compare(b.tier, a.tier); c != 0 {
			return c
		}
		if c := cmp.Compare(b.l.ViewsCount, a.l.ViewsCount); c != 0 {
			return c
		}
	}

	// created_at DESC
	if c := b.l.CreatedAt.Compare(a.l.CreatedAt); c != 0 {
		return c
	}
	// id ASC
	return cmp.Compare(a.l.ID, b.l.ID)
}

var defaultRanker = NewRanker(nil, nil)

// RankBatch orders listings for mode at now with the default thresholds.
func RankBatch(listings []listing.Listing, mode listing.SortMode, now time.Time) []listing.Listing {
	return defaultRanker.RankBatch(listings, mode, now)
}
