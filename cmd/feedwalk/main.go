// Package main walks a ranked listing feed page by page until it is
// exhausted and reports the sequence it delivered.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onnwee/autofeed/internal/config"
	"github.com/onnwee/autofeed/internal/feed"
	"github.com/onnwee/autofeed/internal/listing"
	"github.com/onnwee/autofeed/internal/ranking"
	"github.com/onnwee/autofeed/internal/store"
)

// maxPages bounds a walk against a store that never reports a short page.
const maxPages = 10_000

// ErrDuplicateDelivered is returned when a listing shows up twice in one walk.
var ErrDuplicateDelivered = errors.New("listing delivered more than once")

type walkOptions struct {
	seedCount int
	seedValue int64
	pageSize  int
	sort      string
	brand     string
	status    string
	jsonOut   bool
	verbose   bool
}

// walkedPage is one LoadNext outcome.
type walkedPage struct {
	Page      int      `json:"page"`
	Cursor    int      `json:"cursor"`
	Appended  int      `json:"appended"`
	Exhausted bool     `json:"exhausted"`
	IDs       []string `json:"ids"`
}

// walkReport summarizes a full walk.
type walkReport struct {
	Sort             listing.SortMode `json:"sort"`
	PageSize         int              `json:"page_size"`
	ApproximateTotal int              `json:"approximate_total"`
	Delivered        int              `json:"delivered"`
	Pages            []walkedPage     `json:"pages"`
}

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to optional YAML config file")
	var opts walkOptions
	flag.IntVar(&opts.seedCount, "seed", 0, "insert N demo listings before walking")
	flag.Int64Var(&opts.seedValue, "seed-value", 1, "random seed for demo listings (0 = time based)")
	flag.IntVar(&opts.pageSize, "page-size", 0, "listings per page (0 = configured default)")
	flag.StringVar(&opts.sort, "sort", string(listing.SortHot), "sort mode")
	flag.StringVar(&opts.brand, "brand", "", "only walk listings of this brand")
	flag.StringVar(&opts.status, "status", "", "listing status (default active)")
	flag.BoolVar(&opts.jsonOut, "json", false, "print the report as JSON")
	flag.BoolVar(&opts.verbose, "v", false, "log at debug level")
	flag.Parse()

	if *help {
		fmt.Println("Autofeed Feed Walker")
		fmt.Println()
		fmt.Println("Usage: feedwalk [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if cfg == nil || len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	// Stdout carries the report, so logs go to stderr.
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, cfg, opts, logger); err != nil {
		logger.Error("walk failed", "error", err)
		os.Exit(1)
	}
}

// run opens the configured backend, seeds it if asked and prints the walk.
func run(ctx context.Context, out io.Writer, cfg *config.Config, opts walkOptions, logger *slog.Logger) error {
	status, err := listing.ParseStatus(opts.status)
	if err != nil {
		return fmt.Errorf("invalid status %q: %w", opts.status, err)
	}

	thresholds, err := ranking.LoadCalibration(cfg.RankingCalibrationPath)
	if err != nil {
		logger.Warn("using default hotness thresholds", "path", cfg.RankingCalibrationPath, "error", err)
	}

	backend, err := store.OpenBackend(ctx, store.BackendConfig{
		DatabaseURL:        cfg.DatabaseURL,
		RedisURL:           cfg.RedisURL,
		Thresholds:         thresholds,
		TotalEstimateRatio: cfg.TotalEstimateRatio,
		TotalCacheTTL:      cfg.TotalCacheTTL(),
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			logger.Error("failed to close storage", "error", cerr)
		}
	}()

	if opts.seedCount > 0 {
		n, err := store.Seed(ctx, backend.Inserter, store.GenerateListings(opts.seedCount, time.Now(), opts.seedValue))
		if err != nil {
			return err
		}
		logger.Info("seeded demo listings", "inserted", n)
	}

	pageSize := opts.pageSize
	if pageSize <= 0 {
		pageSize = cfg.FeedDefaultPageSize
	}
	query := feed.FeedQuery{
		Filter:   listing.Filter{Status: status, Brand: opts.brand},
		SortMode: listing.ParseSortMode(opts.sort),
	}
	session := feed.NewSession("feedwalk", query, feed.SessionConfig{
		Store:    backend.Store,
		Ranker:   ranking.NewRanker(thresholds, logger),
		Logger:   logger,
		PageSize: pageSize,
	})

	report, err := walk(ctx, session)
	if err != nil {
		return err
	}
	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return printReport(out, report, session.VisibleFeed())
}

// walk calls LoadNext until the session is exhausted.
func walk(ctx context.Context, s *feed.Session) (*walkReport, error) {
	report := &walkReport{
		Sort:     s.Query().SortMode,
		PageSize: s.PageSize(),
	}
	seen := make(map[string]bool)

	for i := 0; i < maxPages && !s.IsExhausted(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := s.LoadNext(ctx)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		ids := make([]string, 0, len(res.Listings))
		for _, l := range res.Listings {
			ids = append(ids, l.ID)
		}
		report.Pages = append(report.Pages, walkedPage{
			Page:      res.Page,
			Cursor:    res.Cursor,
			Appended:  res.Appended,
			Exhausted: res.Exhausted,
			IDs:       ids,
		})
	}

	for _, l := range s.VisibleFeed() {
		if seen[l.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDelivered, l.ID)
		}
		seen[l.ID] = true
	}
	report.Delivered = len(seen)
	report.ApproximateTotal = s.ApproximateTotal()
	return report, nil
}

func printReport(out io.Writer, report *walkReport, feedItems []listing.Listing) error {
	if _, err := fmt.Fprintf(out, "sort=%s page_size=%d approximate_total=%d\n",
		report.Sort, report.PageSize, report.ApproximateTotal); err != nil {
		return err
	}
	for _, p := range report.Pages {
		fmt.Fprintf(out, "page %d cursor=%d appended=%d exhausted=%t\n", p.Page, p.Cursor, p.Appended, p.Exhausted)
	}
	for i, l := range feedItems {
		fmt.Fprintf(out, "%4d  %-10s %6d views  %s\n", i+1, l.ID, l.ViewsCount, l.Title)
	}
	_, err := fmt.Fprintf(out, "delivered %d listings, no duplicates\n", report.Delivered)
	return err
}
