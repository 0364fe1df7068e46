package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soulsense/sentinel/internal/quota"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SENTINEL_HTTP_PORT", "")
	t.Setenv("ELASTICSEARCH_URLS", "")

	cfg := Load()
	if cfg.HTTPPort != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.HTTPPort)
	}
	if cfg.RelayInterval != 2*time.Second {
		t.Errorf("expected relay interval 2s, got %v", cfg.RelayInterval)
	}
	if cfg.LagWindow != 5*time.Second {
		t.Errorf("expected lag window 5s, got %v", cfg.LagWindow)
	}
	if len(cfg.ElasticsearchURLs) != 0 {
		t.Errorf("expected no elasticsearch urls, got %v", cfg.ElasticsearchURLs)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SENTINEL_LAG_WINDOW", "3")
	t.Setenv("SENTINEL_RELAY_INTERVAL", "500ms")
	t.Setenv("S3_PATH_STYLE", "true")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.LagWindow != 3*time.Second {
		t.Errorf("expected 3s, got %v", cfg.LagWindow)
	}
	if cfg.RelayInterval != 500*time.Millisecond {
		t.Errorf("expected 500ms, got %v", cfg.RelayInterval)
	}
	if !cfg.S3.PathStyle {
		t.Error("expected path style")
	}
	if cfg.Redis.DB != 0 {
		t.Errorf("expected invalid REDIS_DB to fall back to 0, got %d", cfg.Redis.DB)
	}
}

func TestLoadTiers_Merge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	data := []byte(`
tiers:
  pro:
    max_tokens: 300
    refill_rate: 3
    daily_request_limit: 30000
    ml_units_daily_limit: 800
  startup:
    max_tokens: 100
    refill_rate: 1
    daily_request_limit: 5000
    ml_units_daily_limit: 50
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := LoadTiers(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if c["pro"].DailyRequestLimit != 30000 {
		t.Errorf("expected overridden pro limit, got %d", c["pro"].DailyRequestLimit)
	}
	if c["startup"].MaxTokens != 100 {
		t.Errorf("expected startup tier, got %+v", c["startup"])
	}
	if c[quota.DefaultTier].DailyRequestLimit != 1000 {
		t.Errorf("expected built-in free tier kept, got %+v", c[quota.DefaultTier])
	}
}

func TestLoadTiers_Invalid(t *testing.T) {
	_, err := parseTiers([]byte("tiers:\n  bad:\n    max_tokens: 0\n"), quota.DefaultCatalog())
	if err == nil {
		t.Error("expected error for zero capacity")
	}
	if _, err := LoadTiers(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	c, err := LoadTiers("")
	if err != nil || len(c) != 3 {
		t.Errorf("expected built-in catalog, got %v, %v", c, err)
	}
}
