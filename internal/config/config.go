// Package config reads process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/soulsense/sentinel/internal/blob"
	"github.com/soulsense/sentinel/internal/faststore"
)

// Config is the full process configuration. Optional backends are disabled
// when their address is empty.
type Config struct {
	LogLevel string
	HTTPPort string
	GRPCPort string

	PostgresDSN        string
	PostgresReplicaDSN string
	Redis              faststore.Config
	ClickHouseDSN      string

	ElasticsearchURLs     []string
	ElasticsearchUser     string
	ElasticsearchPassword string
	SearchIndexPrefix     string

	KafkaBrokers []string
	AuditTopic   string

	WeaviateHost    string
	WeaviateScheme  string
	WeaviateClasses []string

	S3                 blob.S3Config
	GCSCredentialsFile string
	ExportScheme       string
	ExportBucket       string

	RelayInterval  time.Duration
	RelayBatchSize int
	IndexRate      float64
	SyncInterval   time.Duration
	LagWindow      time.Duration
	PermCacheTTL   time.Duration

	TiersFile string
}

// Load reads the configuration from the environment.
func Load() Config {
	redis := faststore.DefaultConfig()
	redis.Addr = EnvOrDefault("REDIS_ADDR", redis.Addr)
	redis.Password = os.Getenv("REDIS_PASSWORD")
	redis.DB = EnvOrDefaultInt("REDIS_DB", 0)
	redis.PoolSize = EnvOrDefaultInt("REDIS_POOL_SIZE", redis.PoolSize)

	return Config{
		LogLevel: EnvOrDefault("SENTINEL_LOG_LEVEL", "info"),
		HTTPPort: EnvOrDefault("SENTINEL_HTTP_PORT", "8080"),
		GRPCPort: EnvOrDefault("SENTINEL_GRPC_PORT", "9090"),

		PostgresDSN:        os.Getenv("POSTGRES_DSN"),
		PostgresReplicaDSN: os.Getenv("POSTGRES_REPLICA_DSN"),
		Redis:              redis,
		ClickHouseDSN:      os.Getenv("CLICKHOUSE_DSN"),

		ElasticsearchURLs:     EnvList("ELASTICSEARCH_URLS"),
		ElasticsearchUser:     os.Getenv("ELASTICSEARCH_USERNAME"),
		ElasticsearchPassword: os.Getenv("ELASTICSEARCH_PASSWORD"),
		SearchIndexPrefix:     EnvOrDefault("SENTINEL_SEARCH_INDEX_PREFIX", "sentinel-"),

		KafkaBrokers: EnvList("KAFKA_BROKERS"),
		AuditTopic:   EnvOrDefault("SENTINEL_AUDIT_TOPIC", "audit_trail"),

		WeaviateHost:    os.Getenv("WEAVIATE_HOST"),
		WeaviateScheme:  EnvOrDefault("WEAVIATE_SCHEME", "http"),
		WeaviateClasses: envListOrDefault("WEAVIATE_CLASSES", []string{"JournalEmbedding"}),

		S3: blob.S3Config{
			Region:          EnvOrDefault("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			PathStyle:       EnvOrDefaultBool("S3_PATH_STYLE", false),
		},
		GCSCredentialsFile: os.Getenv("GCS_CREDENTIALS_FILE"),
		ExportScheme:       EnvOrDefault("SENTINEL_EXPORT_SCHEME", "s3"),
		ExportBucket:       os.Getenv("SENTINEL_EXPORT_BUCKET"),

		RelayInterval:  EnvOrDefaultDuration("SENTINEL_RELAY_INTERVAL", 2*time.Second),
		RelayBatchSize: EnvOrDefaultInt("SENTINEL_RELAY_BATCH_SIZE", 50),
		IndexRate:      EnvOrDefaultFloat("SENTINEL_INDEX_RATE", 100),
		SyncInterval:   EnvOrDefaultDuration("SENTINEL_SYNC_INTERVAL", 30*time.Second),
		LagWindow:      EnvOrDefaultDuration("SENTINEL_LAG_WINDOW", 5*time.Second),
		PermCacheTTL:   EnvOrDefaultDuration("SENTINEL_PERM_CACHE_TTL", 60*time.Second),

		TiersFile: os.Getenv("SENTINEL_TIERS_FILE"),
	}
}

func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func EnvOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func EnvOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func EnvOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// EnvOrDefaultDuration accepts Go durations ("2s") or whole seconds ("2").
func EnvOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if s, err := strconv.Atoi(v); err == nil {
		return time.Duration(s) * time.Second
	}
	return defaultVal
}

// EnvList splits a comma-separated variable, dropping empty items.
func EnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envListOrDefault(key string, defaultVal []string) []string {
	if l := EnvList(key); len(l) > 0 {
		return l
	}
	return defaultVal
}
