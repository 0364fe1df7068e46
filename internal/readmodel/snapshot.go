// Package readmodel projects tenant quota state into an analytical store used
// only for dashboards. The authoritative counters live in PostgreSQL and the
// fast store; nothing here is read on the admission path.
package readmodel

import (
	"time"

	"go.uber.org/zap"
)

// Writer is the interface for projecting quota snapshots.
// Write() must NEVER block the caller.
type Writer interface {
	Write(s *Snapshot)
	Close()
}

// Snapshot is the quota status of a tenant right after an admitted request.
type Snapshot struct {
	TenantID        string
	Tier            string
	Timestamp       time.Time
	TokensRemaining float64
	DailyCount      int64
	DailyLimit      int64
	MLUnitsCount    int64
	MLUnitsLimit    int64
}

// LogWriter is a fallback Writer for local development.
// It logs snapshots as structured JSON via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs snapshots to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(s *Snapshot) {
	w.logger.Info("tenant_usage_snapshot",
		zap.String("tenant_id", s.TenantID),
		zap.String("tier", s.Tier),
		zap.Time("timestamp", s.Timestamp),
		zap.Float64("tokens_remaining", s.TokensRemaining),
		zap.Int64("daily_count", s.DailyCount),
		zap.Int64("daily_limit", s.DailyLimit),
		zap.Int64("ml_units_count", s.MLUnitsCount),
		zap.Int64("ml_units_limit", s.MLUnitsLimit),
	)
}

func (w *LogWriter) Close() {}
