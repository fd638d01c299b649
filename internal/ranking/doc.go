// Package ranking classifies listings into popularity tiers and defines the
// total order used to sort a batch of listings for each feed sort mode.
//
// Basic Usage:
//
//	// Load calibration (typically at startup)
//	thresholds, err := ranking.LoadCalibration("configs/ranking.calibration.json")
//	if err != nil {
//		log.Warn("using default thresholds", "error", err)
//	}
//	ranker := ranking.NewRanker(thresholds, logger)
//
//	// Hold now fixed for the whole pass so boundary listings don't flicker
//	now := time.Now()
//	tier := ranker.Classify(l, now)
//	ordered := ranker.RankBatch(page, listing.SortHot, now)
//
// Hotness:
//
// A listing's tier depends on its view count relative to an age-dependent
// threshold. Younger listings need fewer views to be flagged; the threshold
// rises as the listing ages. Each age bucket's upper bound is inclusive, so a
// listing exactly one day old still uses the one-day threshold.
//
//	age <= 1 day   -> 20 views
//	age <= 7 days  -> 35 views
//	age <= 30 days -> 50 views
//	older          -> 100 views
//
// views >= 2x threshold is super-hot, views >= threshold is hot.
//
// Ordering:
//
// Every sort mode ends with created_at DESC, id ASC (oldest: created_at ASC,
// id ASC) so the comparator is total and repeated ranking of the same input
// yields the same order.
package ranking
