package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/soulsense/sentinel/internal/faststore"
)

// counterTTL keeps date-scoped keys past midnight so the syncer can still
// flush the previous day.
const counterTTL = 48 * time.Hour

// consumeScript checks both daily counters and increments them only if
// neither would exceed its limit. Missing keys are seeded from the relational
// counts.
//
// KEYS: request counter, ml counter.
// ARGV: tokens, ml units, request limit, ml limit, request seed, ml seed, ttl (s).
// Returns {code, requests, ml} where code is 0 admitted, 1 daily, 2 ml.
var consumeScript = redis.NewScript(`
local ttl = tonumber(ARGV[7])
redis.call('SET', KEYS[1], ARGV[5], 'EX', ttl, 'NX')
redis.call('SET', KEYS[2], ARGV[6], 'EX', ttl, 'NX')

local tokens = tonumber(ARGV[1])
local ml = tonumber(ARGV[2])
local req_count = tonumber(redis.call('GET', KEYS[1]))
local ml_count = tonumber(redis.call('GET', KEYS[2]))

if req_count + tokens > tonumber(ARGV[3]) then
	return {1, req_count, ml_count}
end
if ml > 0 and ml_count + ml > tonumber(ARGV[4]) then
	return {2, req_count, ml_count}
end

req_count = redis.call('INCRBY', KEYS[1], tokens)
ml_count = redis.call('INCRBY', KEYS[2], ml)
return {0, req_count, ml_count}
`)

// Counters keeps today's request and ML-unit counts in the fast store.
type Counters struct {
	client redis.UniversalClient
}

// NewCounters creates Counters.
func NewCounters(client redis.UniversalClient) *Counters {
	return &Counters{client: client}
}

func counterKeys(tenantID uuid.UUID, day time.Time) (string, string) {
	prefix := "quota:" + tenantID.String() + ":" + day.Format("2006-01-02")
	return prefix + ":req", prefix + ":ml"
}

// parseCounterKey extracts the tenant and day from a request counter key.
func parseCounterKey(key string) (uuid.UUID, time.Time, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "quota" || parts[3] != "req" {
		return uuid.Nil, time.Time{}, false
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, time.Time{}, false
	}
	day, err := time.Parse("2006-01-02", parts[2])
	if err != nil {
		return uuid.Nil, time.Time{}, false
	}
	return id, day, true
}

// Consume runs the check-and-increment script for q on day.
func (c *Counters) Consume(ctx context.Context, q *Quota, day time.Time, tokens, mlUnits int64) (ConsumeResult, error) {
	reqKey, mlKey := counterKeys(q.TenantID, day)
	res, err := consumeScript.Run(ctx, c.client, []string{reqKey, mlKey},
		tokens, mlUnits,
		q.DailyRequestLimit, q.MLUnitsDailyLimit,
		q.DailyRequestCount, q.MLUnitsDailyCount,
		int64(counterTTL/time.Second),
	).Int64Slice()
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("Counters.Consume: %w", faststore.Classify(err))
	}
	if len(res) != 3 {
		return ConsumeResult{}, fmt.Errorf("Counters.Consume: unexpected result length %d", len(res))
	}

	out := ConsumeResult{DailyCount: res[1], MLUnitsCount: res[2]}
	switch res[0] {
	case 0:
		out.Outcome = Admitted
	case 1:
		out.Outcome = DailyQuotaExceeded
	default:
		out.Outcome = MLQuotaExceeded
	}
	return out, nil
}

// Get returns today's counts, or ok=false when no request was counted yet.
func (c *Counters) Get(ctx context.Context, tenantID uuid.UUID, day time.Time) (daily, ml int64, ok bool, err error) {
	reqKey, mlKey := counterKeys(tenantID, day)
	vals, err := c.client.MGet(ctx, reqKey, mlKey).Result()
	if err != nil {
		return 0, 0, false, fmt.Errorf("Counters.Get: %w", faststore.Classify(err))
	}
	if vals[0] == nil {
		return 0, 0, false, nil
	}
	raw, _ := vals[0].(string)
	if daily, err = strconv.ParseInt(raw, 10, 64); err != nil {
		return 0, 0, false, fmt.Errorf("Counters.Get: %w", err)
	}
	if raw, isStr := vals[1].(string); isStr {
		if ml, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return 0, 0, false, fmt.Errorf("Counters.Get: %w", err)
		}
	}
	return daily, ml, true, nil
}

// scan walks all request counter keys for day.
func (c *Counters) scan(ctx context.Context, day time.Time, fn func(tenantID uuid.UUID) error) error {
	pattern := "quota:*:" + day.Format("2006-01-02") + ":req"
	iter := c.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		id, _, ok := parseCounterKey(iter.Val())
		if !ok {
			continue
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("Counters.scan: %w", faststore.Classify(err))
	}
	return nil
}
