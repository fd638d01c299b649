package jobs

import (
	"context"
	"log/slog"
	"time"
)

// Func is one execution of a job. It returns how many items it processed.
type Func func(ctx context.Context) (int, error)

// Runner executes jobs and records their outcome.
type Runner struct {
	metrics *Metrics
	logger  *slog.Logger
}

// NewRunner creates a Runner. Both arguments may be nil.
func NewRunner(metrics *Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{metrics: metrics, logger: logger}
}

// Run executes fn once under jobType.
func (r *Runner) Run(ctx context.Context, jobType string, fn Func) (int, error) {
	start := time.Now()
	n, err := fn(ctx)
	elapsed := time.Since(start)
	r.metrics.observe(jobType, elapsed.Seconds(), n, err)

	if err != nil {
		r.logger.Error("background job failed", "job_type", jobType, "error", err)
		return n, err
	}
	if n > 0 {
		r.logger.Debug("background job completed", "job_type", jobType, "items", n, "duration_ms", elapsed.Milliseconds())
	}
	return n, nil
}

// Every runs fn each interval until ctx is done. Failures are logged and
// counted; the schedule continues.
func (r *Runner) Every(ctx context.Context, interval time.Duration, jobType string, fn Func) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.Run(ctx, jobType, fn)
		}
	}
}
