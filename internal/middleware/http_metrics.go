package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// NormalizePath maps a request path to its route pattern so metric and span
// labels stay low-cardinality, e.g. /feed/sessions/abc/next becomes
// /feed/sessions/{id}/next. Unknown paths collapse to "other".
func NormalizePath(path string) string {
	switch path {
	case "/", "/listings", "/feed/sessions", "/health", "/ready", "/metrics":
		return path
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "listings" && parts[1] != "" && parts[2] == "views":
		return "/listings/{id}/views"
	case len(parts) == 3 && parts[0] == "feed" && parts[1] == "sessions" && parts[2] != "":
		return "/feed/sessions/{id}"
	case len(parts) == 4 && parts[0] == "feed" && parts[1] == "sessions" && parts[2] != "":
		switch parts[3] {
		case "next", "query":
			return "/feed/sessions/{id}/" + parts[3]
		}
	}
	return "other"
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	if !mrw.wroteHeader {
		mrw.WriteHeader(http.StatusOK)
	}
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records request duration, sizes and counts.
// Probe and scrape endpoints (/health, /ready, /metrics) are not recorded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/health", "/ready", "/metrics":
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				NormalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
