package quota

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Syncer copies fast-store daily counters into tenant_quotas so the
// relational fallback and analytics start from recent values.
type Syncer struct {
	counters *Counters
	store    Store
	logger   *zap.Logger
	now      func() time.Time
}

// NewSyncer creates a Syncer.
func NewSyncer(counters *Counters, store Store, logger *zap.Logger) *Syncer {
	return &Syncer{counters: counters, store: store, logger: logger, now: time.Now}
}

// SyncOnce flushes today's counters and returns the number of tenants synced.
// Rows are only raised, never lowered, and only when their reset date matches.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	today := utcDate(s.now())
	synced := 0
	err := s.counters.scan(ctx, today, func(tenantID uuid.UUID) error {
		daily, ml, ok, err := s.counters.Get(ctx, tenantID, today)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.store.SyncCounters(ctx, tenantID, today, daily, ml); err != nil {
			s.logger.Warn("quota sync failed",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err),
			)
			return nil
		}
		synced++
		return nil
	})
	return synced, err
}

// Run calls SyncOnce every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SyncOnce(ctx)
			if err != nil {
				s.logger.Warn("quota sync pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("quota counters synced", zap.Int("tenants", n))
			}
		}
	}
}
