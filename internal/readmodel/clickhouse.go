package readmodel

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 500 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS tenant_usage_snapshots (
	tenant_id        String,
	tier             LowCardinality(String),
	timestamp        DateTime64(3, 'UTC'),
	tokens_remaining Float64,
	daily_count      Int64,
	daily_limit      Int64,
	ml_units_count   Int64,
	ml_units_limit   Int64
) ENGINE = MergeTree
ORDER BY (tenant_id, timestamp)
TTL toDateTime(timestamp) + INTERVAL 90 DAY`

// openConn parses dsn, opens a connection and pings it.
func openConn(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	// ClickHouse Cloud only accepts TLS; plain local servers set secure=false
	// and skip_verify in the DSN instead.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// ClickHouseWriter writes snapshots to ClickHouse asynchronously.
// Write() is non-blocking; snapshots are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *Snapshot
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter, ensures the table exists and
// starts the background flush loop.
func NewClickHouseWriter(ctx context.Context, dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	conn, err := openConn(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	if err := conn.Exec(ctx, createSnapshotsTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewClickHouseWriter: create table: %w", err)
	}

	w := newClickHouseWriter(conn, logger)
	go w.flushLoop()
	return w, nil
}

func newClickHouseWriter(conn driver.Conn, logger *zap.Logger) *ClickHouseWriter {
	return &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *Snapshot, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
}

// Write queues a snapshot for async insertion.
// Non-blocking: drops the snapshot if the buffer is full.
func (w *ClickHouseWriter) Write(s *Snapshot) {
	select {
	case w.buffer <- s:
	default:
		w.logger.Warn("clickhouse buffer full, dropping snapshot",
			zap.String("tenant_id", s.TenantID),
		)
	}
}

// Close signals the flush loop to drain remaining snapshots, waits for it to
// finish (up to drainTimeout), and closes the connection. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	_ = w.conn.Close()
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Snapshot, 0, flushBatch)

	for {
		select {
		case s := <-w.buffer:
			batch = append(batch, s)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case s := <-w.buffer:
					batch = append(batch, s)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(snapshots []*Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO tenant_usage_snapshots (
			tenant_id, tier, timestamp, tokens_remaining,
			daily_count, daily_limit, ml_units_count, ml_units_limit
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, s := range snapshots {
		if err := batch.Append(
			s.TenantID,
			s.Tier,
			s.Timestamp,
			s.TokensRemaining,
			s.DailyCount,
			s.DailyLimit,
			s.MLUnitsCount,
			s.MLUnitsLimit,
		); err != nil {
			w.logger.Error("clickhouse append snapshot failed",
				zap.String("tenant_id", s.TenantID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(snapshots)),
			zap.Error(err),
		)
	}
}
