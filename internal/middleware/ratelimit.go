package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig defines a fixed-window rate limit.
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window.
	// Must be > 0.
	RequestsPerWindow int
	// WindowDuration is the time window for the rate limit.
	// Must be > 0.
	WindowDuration time.Duration
}

// Validate checks that the RateLimitConfig has valid values.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// PerMinute returns a config allowing n requests per minute.
func PerMinute(n int) RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: n, WindowDuration: time.Minute}
}

// RateLimitStore holds rate limit counters.
type RateLimitStore interface {
	// Allow counts one request for key. It reports whether the request is
	// allowed, how many requests remain in the window, and the seconds until
	// the window resets when blocked.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, remaining int, retryAfter int)
}

type bucket struct {
	count     int
	windowEnd time.Time
}

// InMemoryRateLimitStore implements RateLimitStore with a fixed window
// counter per key. Safe for concurrent use.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewInMemoryRateLimitStore creates a new in-memory rate limit store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	b, exists := s.buckets[key]
	if !exists || now.After(b.windowEnd) {
		s.buckets[key] = &bucket{
			count:     1,
			windowEnd: now.Add(config.WindowDuration),
		}
		return true, config.RequestsPerWindow - 1, 0
	}

	if b.count < config.RequestsPerWindow {
		b.count++
		return true, config.RequestsPerWindow - b.count, 0
	}

	retryAfter := int(b.windowEnd.Sub(now).Seconds())
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, 0, retryAfter
}

// Cleanup removes expired buckets and returns how many it removed.
// Call it periodically.
func (s *InMemoryRateLimitStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, b := range s.buckets {
		if now.After(b.windowEnd) {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}

// rateLimitKeyPrefix namespaces rate limit counters in Redis.
const rateLimitKeyPrefix = "autofeed:ratelimit:"

// RedisRateLimitStore implements RateLimitStore with an INCR/EXPIRE fixed
// window in Redis, so limits hold across API replicas. When Redis is
// unreachable requests are allowed and the failure is counted.
type RedisRateLimitStore struct {
	client  *redis.Client
	metrics *Metrics
	logger  *slog.Logger
}

// NewRedisRateLimitStore creates a Redis-backed rate limit store.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, logger: slog.Default()}
}

// WithMetrics attaches metrics for fail-open events.
func (s *RedisRateLimitStore) WithMetrics(m *Metrics) *RedisRateLimitStore {
	s.metrics = m
	return s
}

// WithLogger sets the logger for fail-open events.
func (s *RedisRateLimitStore) WithLogger(logger *slog.Logger) *RedisRateLimitStore {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	redisKey := rateLimitKeyPrefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, config.WindowDuration)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		s.metrics.IncRateLimitRedisErrors()
		s.logger.WarnContext(ctx, "rate limit store unavailable, allowing request",
			slog.String("error", err.Error()))
		return true, config.RequestsPerWindow, 0
	}

	count := int(incr.Val())
	if count <= config.RequestsPerWindow {
		return true, config.RequestsPerWindow - count, 0
	}

	retryAfter := int(ttl.Val().Seconds())
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, 0, retryAfter
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc returns a KeyFunc that uses the client's IP address.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return "ip:" + strings.TrimSpace(xff[:idx])
			}
			return "ip:" + strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return "ip:" + strings.TrimSpace(xri)
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return "ip:" + r.RemoteAddr
		}
		return "ip:" + host
	}
}

// RateLimiter is a middleware that limits request rates per key.
// Blocked requests get HTTP 429 with a JSON error body and Retry-After.
// Probe and scrape endpoints are never limited.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/health", "/ready", "/metrics":
				next.ServeHTTP(w, r)
				return
			}

			route := NormalizePath(r.URL.Path)
			metrics.IncRateLimitRequests(route)

			allowed, remaining, retryAfter := store.Allow(r.Context(), keyFunc(r), config)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				metrics.IncRateLimitBlocked(route)
				SetErrorCode(r.Context(), "rate_limited")

				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				resetTime := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Too many requests, retry later",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
