// Package health provides health check implementations for external dependencies.
package health

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// ErrNotConfigured is returned by a checker built without a client.
var ErrNotConfigured = errors.New("dependency not configured")

// RedisChecker checks the Redis instance backing the total-estimate cache.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{
		client: client,
	}
}

// Name identifies the checker in readiness responses.
func (r *RedisChecker) Name() string {
	return "redis"
}

// HealthCheck sends a PING.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	if r.client == nil {
		return ErrNotConfigured
	}
	return r.client.Ping(ctx).Err()
}
