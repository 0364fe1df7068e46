// Package ratelimit implements a distributed token bucket on the fast store.
//
// Refill is computed lazily at check time and the read-modify-write runs as a
// single Lua script, so concurrent callers on different instances can never
// both spend the same token.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/soulsense/sentinel/internal/faststore"
	"github.com/soulsense/sentinel/internal/metrics"
	"go.uber.org/zap"
)

// FailurePolicy decides what Check returns when the fast store is unreachable.
type FailurePolicy int

const (
	// FailClosed rejects the request.
	FailClosed FailurePolicy = iota
	// FailOpen admits the request.
	FailOpen
	// FailLocal falls back to a per-process bucket with the same parameters.
	FailLocal
)

func (p FailurePolicy) String() string {
	switch p {
	case FailClosed:
		return "fail_closed"
	case FailOpen:
		return "fail_open"
	case FailLocal:
		return "fail_local"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed bool
	// Remaining is the token balance after this check.
	Remaining float64
	// RetryAfter is the time until one token is available. Zero when allowed.
	RetryAfter time.Duration
	// Degraded is set when the decision came from the failure policy rather
	// than the shared bucket.
	Degraded bool
}

// bucketScript refills and consumes atomically.
// KEYS[1] bucket key; ARGV: capacity, refill rate (tokens/s), now (s), ttl (ms).
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
	tokens = capacity
	ts = now
end

local elapsed = now - ts
if elapsed < 0 then
	elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// Config configures a TokenBucket.
type Config struct {
	Client redis.UniversalClient
	// Bucket namespaces the keys, e.g. "quota" or "auth".
	Bucket string
	Policy FailurePolicy
	Logger *zap.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// TokenBucket is a per-key rate limiter backed by the fast store.
type TokenBucket struct {
	client  redis.UniversalClient
	bucket  string
	policy  FailurePolicy
	local   *localStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewTokenBucket creates a TokenBucket.
func NewTokenBucket(cfg Config) *TokenBucket {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &TokenBucket{
		client:  cfg.Client,
		bucket:  cfg.Bucket,
		policy:  cfg.Policy,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     now,
	}
	if cfg.Policy == FailLocal {
		b.local = newLocalStore(now)
	}
	return b
}

// Policy returns the configured failure policy.
func (b *TokenBucket) Policy() FailurePolicy { return b.policy }

func (b *TokenBucket) key(identity string) string {
	return "rl:" + b.bucket + ":" + identity
}

// Check refills the bucket for identity and tries to consume one token.
//
// A non-nil error is returned only when the fast store failed; the Decision is
// still filled in according to the failure policy so callers can act on it.
func (b *TokenBucket) Check(ctx context.Context, identity string, capacity, refillRate float64) (Decision, error) {
	if capacity < 1 {
		return Decision{Allowed: false}, nil
	}

	now := b.now()
	nowSec := float64(now.UnixNano()) / 1e9

	res, err := bucketScript.Run(ctx, b.client, []string{b.key(identity)},
		strconv.FormatFloat(capacity, 'f', -1, 64),
		strconv.FormatFloat(refillRate, 'f', -1, 64),
		strconv.FormatFloat(nowSec, 'f', 6, 64),
		bucketTTL(capacity, refillRate).Milliseconds(),
	).Slice()
	if err != nil {
		return b.onStoreError(identity, capacity, refillRate, err)
	}

	allowed, remaining, err := parseScriptResult(res)
	if err != nil {
		return b.onStoreError(identity, capacity, refillRate, err)
	}

	d := Decision{Allowed: allowed, Remaining: remaining}
	if !allowed {
		d.RetryAfter = retryAfter(remaining, refillRate)
		b.metrics.RateLimitDecision(b.bucket, "denied")
	} else {
		b.metrics.RateLimitDecision(b.bucket, "allowed")
	}
	return d, nil
}

func (b *TokenBucket) onStoreError(identity string, capacity, refillRate float64, err error) (Decision, error) {
	err = fmt.Errorf("TokenBucket.Check: %w", faststore.Classify(err))
	b.metrics.RateLimitDecision(b.bucket, "store_error")
	b.logger.Warn("token bucket store error",
		zap.String("bucket", b.bucket),
		zap.String("policy", b.policy.String()),
		zap.Error(err),
	)

	switch b.policy {
	case FailOpen:
		return Decision{Allowed: true, Remaining: capacity, Degraded: true}, err
	case FailLocal:
		d := b.local.check(b.key(identity), capacity, refillRate)
		d.Degraded = true
		return d, err
	default:
		return Decision{Allowed: false, RetryAfter: time.Second, Degraded: true}, err
	}
}

func parseScriptResult(res []any) (bool, float64, error) {
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected script result length %d", len(res))
	}
	flag, ok := res[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected allowed flag %T", res[0])
	}
	raw, ok := res[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("unexpected tokens value %T", res[1])
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("parse tokens: %w", err)
	}
	return flag == 1, tokens, nil
}

// bucketTTL keeps the state around long enough to refill completely, after
// which an absent key is equivalent to a full bucket.
func bucketTTL(capacity, refillRate float64) time.Duration {
	if refillRate <= 0 {
		return 24 * time.Hour
	}
	secs := math.Ceil(capacity/refillRate) + 1
	return time.Duration(secs) * time.Second
}

func retryAfter(remaining, refillRate float64) time.Duration {
	if refillRate <= 0 {
		return 0
	}
	missing := 1 - remaining
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing / refillRate * float64(time.Second)))
}
