package readmodel

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides dashboard queries over tenant_usage_snapshots.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(ctx context.Context, dsn string, logger *zap.Logger) (*Reader, error) {
	conn, err := openConn(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// ListParams holds filters and pagination for snapshot listing.
type ListParams struct {
	TenantID  string
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

func buildListFilter(p ListParams) (string, []any) {
	conditions := []string{"tenant_id = @tenant_id"}
	args := []any{clickhouse.Named("tenant_id", p.TenantID)}

	if p.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *p.StartTime))
	}
	if p.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *p.EndTime))
	}
	return strings.Join(conditions, " AND "), args
}

// ListSnapshots returns paginated snapshots, newest first, and the total count.
func (r *Reader) ListSnapshots(ctx context.Context, params ListParams) ([]Snapshot, int, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 50
	}
	where, args := buildListFilter(params)
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM tenant_usage_snapshots WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListSnapshots count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT tenant_id, tier, timestamp, tokens_remaining, "+
			"daily_count, daily_limit, ml_units_count, ml_units_limit "+
			"FROM tenant_usage_snapshots WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListSnapshots query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(
			&s.TenantID, &s.Tier, &s.Timestamp, &s.TokensRemaining,
			&s.DailyCount, &s.DailyLimit, &s.MLUnitsCount, &s.MLUnitsLimit,
		); err != nil {
			return nil, 0, fmt.Errorf("ListSnapshots scan: %w", err)
		}
		out = append(out, s)
	}
	return out, int(total), rows.Err()
}

// DailyUsage is the peak usage of a tenant on one UTC day.
type DailyUsage struct {
	Day             string  `json:"day"`
	PeakDailyCount  int64   `json:"peak_daily_count"`
	PeakMLUnits     int64   `json:"peak_ml_units"`
	UsagePercentage float64 `json:"usage_percentage"`
}

// UsageTrend returns per-day peak usage for the last days days.
func (r *Reader) UsageTrend(ctx context.Context, tenantID string, days int) ([]DailyUsage, error) {
	rangeStart := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	rows, err := r.conn.Query(ctx,
		"SELECT toDate(timestamp) AS day, max(daily_count), max(ml_units_count), max(daily_limit) "+
			"FROM tenant_usage_snapshots "+
			"WHERE tenant_id = @tenant_id AND timestamp >= @range_start "+
			"GROUP BY day ORDER BY day",
		clickhouse.Named("tenant_id", tenantID),
		clickhouse.Named("range_start", rangeStart),
	)
	if err != nil {
		return nil, fmt.Errorf("UsageTrend: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []DailyUsage{}
	for rows.Next() {
		var (
			day        time.Time
			count, ml  int64
			dailyLimit int64
		)
		if err := rows.Scan(&day, &count, &ml, &dailyLimit); err != nil {
			return nil, fmt.Errorf("UsageTrend scan: %w", err)
		}
		out = append(out, DailyUsage{
			Day:             day.Format("2006-01-02"),
			PeakDailyCount:  count,
			PeakMLUnits:     ml,
			UsagePercentage: percentage(count, dailyLimit),
		})
	}
	return out, rows.Err()
}

func percentage(count, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return safeFloat(float64(count) / float64(limit) * 100)
}

// safeFloat replaces NaN/Inf with 0.0.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
