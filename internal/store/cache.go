package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/autofeed/internal/listing"
)

// DefaultTotalCacheTTL is how long a cached total estimate is served.
const DefaultTotalCacheTTL = 60 * time.Second

const totalKeyPrefix = "autofeed:total:"

// CachedTotalStore wraps a listing.Store and caches EstimateMatchingTotal in
// Redis keyed by a hash of the normalized filter. QueryListings is never cached.
// Redis failures fall through to the wrapped store.
type CachedTotalStore struct {
	listing.Store

	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedTotalStore wraps next with a Redis cache for total estimates.
func NewCachedTotalStore(next listing.Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedTotalStore {
	if ttl <= 0 {
		ttl = DefaultTotalCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedTotalStore{
		Store:  next,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// EstimateMatchingTotal serves the estimate from Redis when present.
func (c *CachedTotalStore) EstimateMatchingTotal(ctx context.Context, f listing.Filter) (int, error) {
	key, err := TotalCacheKey(f)
	if err != nil {
		return c.Store.EstimateMatchingTotal(ctx, f)
	}

	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if n, perr := strconv.Atoi(cached); perr == nil {
			return n, nil
		}
		c.logger.Warn("discarding malformed cached total", "key", key)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("total cache read failed", "error", err)
	}

	total, err := c.Store.EstimateMatchingTotal(ctx, f)
	if err != nil {
		return 0, err
	}

	if err := c.client.Set(ctx, key, strconv.Itoa(total), c.ttl).Err(); err != nil {
		c.logger.Warn("total cache write failed", "error", err)
	}
	return total, nil
}

// Unwrap returns the wrapped store.
func (c *CachedTotalStore) Unwrap() listing.Store {
	return c.Store
}

// TotalCacheKey returns the Redis key for f. Filters that normalize to the
// same value share a key.
func TotalCacheKey(f listing.Filter) (string, error) {
	data, err := json.Marshal(f.Normalized())
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return totalKeyPrefix + hex.EncodeToString(sum[:]), nil
}
