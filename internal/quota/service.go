// Package quota enforces per-tenant burst limits and daily request and ML
// compute quotas.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/soulsense/sentinel/internal/faststore"
	"github.com/soulsense/sentinel/internal/metrics"
	"github.com/soulsense/sentinel/internal/ratelimit"
	"github.com/soulsense/sentinel/internal/readmodel"
	"go.uber.org/zap"
)

// Config configures a Service.
type Config struct {
	Store   Store
	Client  redis.UniversalClient
	Catalog Catalog
	// Projector receives a snapshot after each admitted request. Optional.
	Projector readmodel.Writer
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Service performs tenant admission control.
type Service struct {
	store     Store
	bucket    *ratelimit.TokenBucket
	counters  *Counters
	catalog   Catalog
	projector readmodel.Writer
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService creates a Service. The burst check fails open so a fast-store
// outage degrades to daily quota enforcement instead of rejecting all traffic.
func NewService(cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Service{
		store: cfg.Store,
		bucket: ratelimit.NewTokenBucket(ratelimit.Config{
			Client:  cfg.Client,
			Bucket:  "quota",
			Policy:  ratelimit.FailOpen,
			Logger:  logger,
			Metrics: cfg.Metrics,
			Now:     now,
		}),
		counters:  NewCounters(cfg.Client),
		catalog:   catalog,
		projector: cfg.Projector,
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       now,
	}
}

// CheckAndConsume admits or rejects a request of tokens daily units and
// mlUnits ML units for tenantID. Rejections are reported in the Decision; an
// error means the decision could not be made.
func (s *Service) CheckAndConsume(ctx context.Context, tenantID uuid.UUID, tokens, mlUnits int64) (Decision, error) {
	if tokens < 0 || mlUnits < 0 {
		return Decision{}, fmt.Errorf("Service.CheckAndConsume: negative amount")
	}
	now := s.now()
	today := utcDate(now)

	q, err := s.load(ctx, tenantID, today)
	if err != nil {
		return Decision{}, err
	}

	if !q.IsActive {
		st := statusOf(q, 0)
		if q.LastResetDate.Before(today) {
			st.DailyCount, st.MLUnitsCount = 0, 0
		}
		return s.decide(Decision{Outcome: TenantInactive, Status: st}), nil
	}

	burst, err := s.bucket.Check(ctx, tenantID.String(), float64(q.MaxTokens), q.RefillRate)
	if err != nil {
		s.logger.Warn("burst check degraded", zap.String("tenant_id", tenantID.String()), zap.Error(err))
	}
	if !burst.Allowed {
		return s.decide(Decision{
			Outcome:    RateLimited,
			Status:     statusOf(q, burst.Remaining),
			RetryAfter: burst.RetryAfter,
		}), nil
	}

	if q.LastResetDate.Before(today) {
		if _, err := s.store.ResetDaily(ctx, tenantID, today); err != nil {
			return Decision{}, fmt.Errorf("Service.CheckAndConsume: %w", err)
		}
		q.DailyRequestCount = 0
		q.MLUnitsDailyCount = 0
		q.LastResetDate = today
	}

	res, err := s.consume(ctx, q, today, tokens, mlUnits)
	if err != nil {
		return Decision{}, err
	}

	q.DailyRequestCount = res.DailyCount
	q.MLUnitsDailyCount = res.MLUnitsCount
	d := s.decide(Decision{Outcome: res.Outcome, Status: statusOf(q, burst.Remaining)})

	if d.Allowed {
		s.project(tenantID, d.Status, now)
	}
	return d, nil
}

func (s *Service) load(ctx context.Context, tenantID uuid.UUID, today time.Time) (*Quota, error) {
	name, tier := s.catalog.Default()
	q, err := s.store.GetOrCreate(ctx, tenantID, name, tier, today)
	if err != nil {
		return nil, fmt.Errorf("Service.load: %w", err)
	}
	return q, nil
}

// consume prefers the fast-store counters and falls back to the relational
// conditional update when the fast store is down.
func (s *Service) consume(ctx context.Context, q *Quota, today time.Time, tokens, mlUnits int64) (ConsumeResult, error) {
	res, err := s.counters.Consume(ctx, q, today, tokens, mlUnits)
	if err == nil {
		s.metrics.CounterPath("fast")
		return res, nil
	}
	if !errors.Is(err, faststore.ErrUnavailable) {
		return res, fmt.Errorf("Service.consume: %w", err)
	}

	s.logger.Warn("quota counters unavailable, using database",
		zap.String("tenant_id", q.TenantID.String()),
		zap.Error(err),
	)
	s.metrics.CounterPath("relational")
	res, err = s.store.ConsumeDaily(ctx, q.TenantID, tokens, mlUnits)
	if err != nil {
		return res, fmt.Errorf("Service.consume: %w", err)
	}
	return res, nil
}

func (s *Service) decide(d Decision) Decision {
	d.Allowed = d.Outcome == Admitted
	s.metrics.Admission(string(d.Outcome))
	return d
}

func (s *Service) project(tenantID uuid.UUID, st Status, now time.Time) {
	if s.projector == nil {
		return
	}
	s.projector.Write(&readmodel.Snapshot{
		TenantID:        tenantID.String(),
		Tier:            st.Tier,
		Timestamp:       now.UTC(),
		TokensRemaining: st.TokensRemaining,
		DailyCount:      st.DailyCount,
		DailyLimit:      st.DailyLimit,
		MLUnitsCount:    st.MLUnitsCount,
		MLUnitsLimit:    st.MLUnitsLimit,
	})
}

func statusOf(q *Quota, tokensRemaining float64) Status {
	return Status{
		Tier:            q.Tier,
		TokensRemaining: tokensRemaining,
		DailyCount:      q.DailyRequestCount,
		DailyLimit:      q.DailyRequestLimit,
		MLUnitsCount:    q.MLUnitsDailyCount,
		MLUnitsLimit:    q.MLUnitsDailyLimit,
	}
}

// Analytics is the dashboard view of a tenant's quota.
type Analytics struct {
	TenantID          string  `json:"tenant_id"`
	Tier              string  `json:"tier"`
	DailyCount        int64   `json:"daily_count"`
	DailyLimit        int64   `json:"daily_limit"`
	MLUnitsCount      int64   `json:"ml_units_count"`
	MLUnitsLimit      int64   `json:"ml_units_limit"`
	UsagePercentage   float64 `json:"usage_percentage"`
	MLUsagePercentage float64 `json:"ml_usage_percentage"`
	IsThrottled       bool    `json:"is_throttled"`
}

// UsageAnalytics reports today's usage. Fast-store counters take precedence
// over the relational copy, which may lag until the next sync.
func (s *Service) UsageAnalytics(ctx context.Context, tenantID uuid.UUID) (*Analytics, error) {
	today := utcDate(s.now())
	q, err := s.load(ctx, tenantID, today)
	if err != nil {
		return nil, err
	}

	daily, ml := q.DailyRequestCount, q.MLUnitsDailyCount
	if q.LastResetDate.Before(today) {
		daily, ml = 0, 0
	}
	if d, m, ok, err := s.counters.Get(ctx, tenantID, today); err != nil {
		s.logger.Debug("quota counters unavailable for analytics", zap.Error(err))
	} else if ok {
		daily, ml = max(daily, d), max(ml, m)
	}

	return &Analytics{
		TenantID:          tenantID.String(),
		Tier:              q.Tier,
		DailyCount:        daily,
		DailyLimit:        q.DailyRequestLimit,
		MLUnitsCount:      ml,
		MLUnitsLimit:      q.MLUnitsDailyLimit,
		UsagePercentage:   percent(daily, q.DailyRequestLimit),
		MLUsagePercentage: percent(ml, q.MLUnitsDailyLimit),
		IsThrottled:       !q.IsActive,
	}, nil
}

func percent(n, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(n) / float64(limit) * 100
}

// Deactivate marks a tenant inactive. Quota rows are never deleted.
func (s *Service) Deactivate(ctx context.Context, tenantID uuid.UUID) error {
	if err := s.store.Deactivate(ctx, tenantID); err != nil {
		return fmt.Errorf("Service.Deactivate: %w", err)
	}
	s.logger.Info("tenant deactivated", zap.String("tenant_id", tenantID.String()))
	return nil
}
