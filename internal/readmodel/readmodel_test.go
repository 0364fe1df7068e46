package readmodel

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogWriter_Write(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	w := NewLogWriter(zap.New(core))

	w.Write(&Snapshot{
		TenantID:   "t-1",
		Tier:       "free",
		Timestamp:  time.Now(),
		DailyCount: 3,
		DailyLimit: 1000,
	})
	w.Close()

	entries := logs.FilterMessage("tenant_usage_snapshot").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["tenant_id"] != "t-1" {
		t.Errorf("expected tenant_id t-1, got %v", fields["tenant_id"])
	}
	if fields["daily_count"] != int64(3) {
		t.Errorf("expected daily_count 3, got %v", fields["daily_count"])
	}
}

func TestClickHouseWriter_DropsWhenBufferFull(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	w := newClickHouseWriter(nil, zap.New(core))
	w.buffer = make(chan *Snapshot, 1)

	w.Write(&Snapshot{TenantID: "a"})
	w.Write(&Snapshot{TenantID: "b"})

	if len(w.buffer) != 1 {
		t.Errorf("expected 1 buffered snapshot, got %d", len(w.buffer))
	}
	if logs.FilterMessage("clickhouse buffer full, dropping snapshot").Len() != 1 {
		t.Error("expected a drop warning")
	}
}

func TestBuildListFilter(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	where, args := buildListFilter(ListParams{TenantID: "t-1", StartTime: &start})

	if !strings.Contains(where, "tenant_id = @tenant_id") {
		t.Errorf("expected tenant filter, got %q", where)
	}
	if !strings.Contains(where, "timestamp >= @start_time") {
		t.Errorf("expected start filter, got %q", where)
	}
	if strings.Contains(where, "@end_time") {
		t.Errorf("unexpected end filter in %q", where)
	}
	if len(args) != 2 {
		t.Errorf("expected 2 args, got %d", len(args))
	}
}

func TestPercentage(t *testing.T) {
	if got := percentage(250, 1000); got != 25 {
		t.Errorf("expected 25, got %v", got)
	}
	if got := percentage(5, 0); got != 0 {
		t.Errorf("expected 0 for zero limit, got %v", got)
	}
}
