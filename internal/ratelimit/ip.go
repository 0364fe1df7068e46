package ratelimit

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/soulsense/sentinel/internal/metrics"
	"go.uber.org/zap"
)

// Defaults for the per-IP limiter applied to requests without a tenant.
const (
	DefaultIPCapacity   = 20
	DefaultIPRefillRate = 0.33
)

// IPLimiter throttles anonymous traffic by client address.
type IPLimiter struct {
	bucket   *TokenBucket
	capacity float64
	refill   float64
}

// NewIPLimiter creates the legacy per-IP limiter. It keeps limiting locally
// while the fast store is unreachable.
func NewIPLimiter(client redis.UniversalClient, logger *zap.Logger, m *metrics.Metrics) *IPLimiter {
	return &IPLimiter{
		bucket: NewTokenBucket(Config{
			Client:  client,
			Bucket:  "auth",
			Policy:  FailLocal,
			Logger:  logger,
			Metrics: m,
		}),
		capacity: DefaultIPCapacity,
		refill:   DefaultIPRefillRate,
	}
}

// Allow checks the bucket for ip. Store errors are absorbed by the local
// fallback, so only the decision is returned.
func (l *IPLimiter) Allow(ctx context.Context, ip string) Decision {
	d, _ := l.bucket.Check(ctx, ip, l.capacity, l.refill)
	return d
}

// Bucket exposes the underlying bucket, e.g. to start its janitor.
func (l *IPLimiter) Bucket() *TokenBucket { return l.bucket }
