package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConsumeResult is the outcome of a relational counter increment.
type ConsumeResult struct {
	Outcome      Outcome
	DailyCount   int64
	MLUnitsCount int64
}

// Store abstracts tenant_quotas queries for testability.
type Store interface {
	GetOrCreate(ctx context.Context, tenantID uuid.UUID, tierName string, tier Tier, today time.Time) (*Quota, error)
	// ResetDaily zeroes the counters if last_reset_date is before today and
	// reports whether this call performed the reset.
	ResetDaily(ctx context.Context, tenantID uuid.UUID, today time.Time) (bool, error)
	// ConsumeDaily increments both counters only if neither would exceed its
	// limit.
	ConsumeDaily(ctx context.Context, tenantID uuid.UUID, tokens, mlUnits int64) (ConsumeResult, error)
	// SyncCounters raises the counters for day to at least the given values.
	SyncCounters(ctx context.Context, tenantID uuid.UUID, day time.Time, daily, mlUnits int64) error
	Deactivate(ctx context.Context, tenantID uuid.UUID) error
}

type sqlStore struct {
	db *sql.DB
}

// NewSQLStore returns a Store backed by the primary database.
func NewSQLStore(db *sql.DB) Store {
	return &sqlStore{db: db}
}

const quotaColumns = `tenant_id, tier, max_tokens, refill_rate,
	daily_request_count, daily_request_limit,
	ml_units_daily_count, ml_units_daily_limit,
	last_reset_date, is_active`

func scanQuota(row *sql.Row) (*Quota, error) {
	q := &Quota{}
	err := row.Scan(
		&q.TenantID, &q.Tier, &q.MaxTokens, &q.RefillRate,
		&q.DailyRequestCount, &q.DailyRequestLimit,
		&q.MLUnitsDailyCount, &q.MLUnitsDailyLimit,
		&q.LastResetDate, &q.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (s *sqlStore) GetOrCreate(ctx context.Context, tenantID uuid.UUID, tierName string, tier Tier, today time.Time) (*Quota, error) {
	q, err := scanQuota(s.db.QueryRowContext(ctx,
		`SELECT `+quotaColumns+` FROM tenant_quotas WHERE tenant_id = $1`,
		tenantID,
	))
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlStore.GetOrCreate: %w", err)
	}

	// Concurrent first requests race on the insert; the loser re-reads.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenant_quotas (
			tenant_id, tier, max_tokens, refill_rate,
			daily_request_limit, ml_units_daily_limit, last_reset_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID, tierName, tier.MaxTokens, tier.RefillRate,
		tier.DailyRequestLimit, tier.MLUnitsDailyLimit, today,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlStore.GetOrCreate insert: %w", err)
	}

	q, err = scanQuota(s.db.QueryRowContext(ctx,
		`SELECT `+quotaColumns+` FROM tenant_quotas WHERE tenant_id = $1`,
		tenantID,
	))
	if err != nil {
		return nil, fmt.Errorf("sqlStore.GetOrCreate reload: %w", err)
	}
	return q, nil
}

func (s *sqlStore) ResetDaily(ctx context.Context, tenantID uuid.UUID, today time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenant_quotas
		 SET daily_request_count = 0, ml_units_daily_count = 0,
		     last_reset_date = $2, updated_at = now()
		 WHERE tenant_id = $1 AND last_reset_date < $2`,
		tenantID, today,
	)
	if err != nil {
		return false, fmt.Errorf("sqlStore.ResetDaily: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlStore.ResetDaily: %w", err)
	}
	return n > 0, nil
}

// ConsumeDaily retries once when the reloaded row shows room, which happens
// when the counters were reset between the update and the reload.
func (s *sqlStore) ConsumeDaily(ctx context.Context, tenantID uuid.UUID, tokens, mlUnits int64) (ConsumeResult, error) {
	var res ConsumeResult
	for attempt := 0; attempt < 2; attempt++ {
		err := s.db.QueryRowContext(ctx,
			`UPDATE tenant_quotas
			 SET daily_request_count = daily_request_count + $2,
			     ml_units_daily_count = ml_units_daily_count + $3,
			     updated_at = now()
			 WHERE tenant_id = $1
			   AND daily_request_count + $2 <= daily_request_limit
			   AND ($3 = 0 OR ml_units_daily_count + $3 <= ml_units_daily_limit)
			 RETURNING daily_request_count, ml_units_daily_count`,
			tenantID, tokens, mlUnits,
		).Scan(&res.DailyCount, &res.MLUnitsCount)
		if err == nil {
			res.Outcome = Admitted
			return res, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return res, fmt.Errorf("sqlStore.ConsumeDaily: %w", err)
		}

		var snap counterSnapshot
		err = s.db.QueryRowContext(ctx,
			`SELECT daily_request_count, daily_request_limit, ml_units_daily_count, ml_units_daily_limit
			 FROM tenant_quotas WHERE tenant_id = $1`,
			tenantID,
		).Scan(&snap.daily, &snap.dailyLimit, &snap.mlUnits, &snap.mlUnitsLimit)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return res, ErrUnknownTenant
			}
			return res, fmt.Errorf("sqlStore.ConsumeDaily reload: %w", err)
		}
		res.DailyCount, res.MLUnitsCount = snap.daily, snap.mlUnits
		if outcome, over := snap.shortfall(tokens, mlUnits); over {
			res.Outcome = outcome
			return res, nil
		}
	}
	return res, fmt.Errorf("sqlStore.ConsumeDaily: counters changed during update")
}

type counterSnapshot struct {
	daily, dailyLimit     int64
	mlUnits, mlUnitsLimit int64
}

// shortfall names the limit the request would exceed. It reports false when
// both counters have room.
func (c counterSnapshot) shortfall(tokens, mlUnits int64) (Outcome, bool) {
	if c.daily+tokens > c.dailyLimit {
		return DailyQuotaExceeded, true
	}
	if mlUnits > 0 && c.mlUnits+mlUnits > c.mlUnitsLimit {
		return MLQuotaExceeded, true
	}
	return "", false
}

func (s *sqlStore) SyncCounters(ctx context.Context, tenantID uuid.UUID, day time.Time, daily, mlUnits int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenant_quotas
		 SET daily_request_count = GREATEST(daily_request_count, $3),
		     ml_units_daily_count = GREATEST(ml_units_daily_count, $4),
		     updated_at = now()
		 WHERE tenant_id = $1 AND last_reset_date = $2`,
		tenantID, day, daily, mlUnits,
	)
	if err != nil {
		return fmt.Errorf("sqlStore.SyncCounters: %w", err)
	}
	return nil
}

func (s *sqlStore) Deactivate(ctx context.Context, tenantID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenant_quotas SET is_active = false, updated_at = now() WHERE tenant_id = $1`,
		tenantID,
	)
	if err != nil {
		return fmt.Errorf("sqlStore.Deactivate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlStore.Deactivate: %w", err)
	}
	if n == 0 {
		return ErrUnknownTenant
	}
	return nil
}
