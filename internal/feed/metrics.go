package feed

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricPagesIngested    = "feed_pages_ingested_total"
	MetricPagesRejected    = "feed_pages_rejected_total"
	MetricItemsReceived    = "feed_items_received_total"
	MetricItemsAppended    = "feed_items_appended_total"
	MetricFeedsExhausted   = "feed_exhausted_total"
	MetricFetchesCoalesced = "feed_fetches_coalesced_total"
	MetricFetchErrors      = "feed_fetch_errors_total"
	MetricFetchDuration    = "feed_fetch_duration_seconds"
	MetricActiveSessions   = "feed_active_sessions"
)

// Metrics contains Prometheus metrics for feed pagination.
// All operations are thread-safe. A nil *Metrics is valid and records nothing.
type Metrics struct {
	pagesIngested    prometheus.Counter
	pagesRejected    prometheus.Counter
	itemsReceived    prometheus.Counter
	itemsAppended    prometheus.Counter
	feedsExhausted   *prometheus.CounterVec
	fetchesCoalesced prometheus.Counter
	fetchErrors      prometheus.Counter
	fetchDuration    prometheus.Histogram
	activeSessions   prometheus.Gauge
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		pagesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPagesIngested,
			Help: "Total number of feed pages accepted by an accumulator",
		}),
		pagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPagesRejected,
			Help: "Total number of feed pages rejected for an out-of-sequence page index",
		}),
		itemsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricItemsReceived,
			Help: "Total number of listings received in accepted pages",
		}),
		itemsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricItemsAppended,
			Help: "Total number of previously unseen listings appended to feeds",
		}),
		feedsExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricFeedsExhausted,
				Help: "Total number of feeds that reached the end, by reason",
			},
			[]string{"reason"},
		),
		fetchesCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFetchesCoalesced,
			Help: "Total number of fetch triggers ignored because a fetch was in flight",
		}),
		fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFetchErrors,
			Help: "Total number of listing store errors while fetching a feed page",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricFetchDuration,
			Help:    "Histogram of feed page fetch duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricActiveSessions,
			Help: "Number of live feed sessions",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.pagesIngested,
		m.pagesRejected,
		m.itemsReceived,
		m.itemsAppended,
		m.feedsExhausted,
		m.fetchesCoalesced,
		m.fetchErrors,
		m.fetchDuration,
		m.activeSessions,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeIngest(received, appended int) {
	if m == nil {
		return
	}
	m.pagesIngested.Inc()
	m.itemsReceived.Add(float64(received))
	m.itemsAppended.Add(float64(appended))
}

func (m *Metrics) incRejected() {
	if m == nil {
		return
	}
	m.pagesRejected.Inc()
}

func (m *Metrics) incExhausted(reason ExhaustReason) {
	if m == nil {
		return
	}
	m.feedsExhausted.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) incCoalesced() {
	if m == nil {
		return
	}
	m.fetchesCoalesced.Inc()
}

func (m *Metrics) incFetchErrors() {
	if m == nil {
		return
	}
	m.fetchErrors.Inc()
}

func (m *Metrics) observeFetch(seconds float64) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(seconds)
}

func (m *Metrics) setActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
