package quota

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownTenant = errors.New("unknown tenant")

// Outcome is the result of an admission check. Rejections are outcomes, not
// errors.
type Outcome string

const (
	Admitted           Outcome = "admitted"
	RateLimited        Outcome = "rate_limited"
	DailyQuotaExceeded Outcome = "daily_quota_exceeded"
	MLQuotaExceeded    Outcome = "ml_quota_exceeded"
	TenantInactive     Outcome = "tenant_inactive"
)

// Message is the user-facing explanation of a rejection.
func (o Outcome) Message() string {
	switch o {
	case RateLimited:
		return "Rate limit exceeded"
	case DailyQuotaExceeded:
		return "Daily request quota exceeded"
	case MLQuotaExceeded:
		return "Daily ML compute quota exceeded"
	case TenantInactive:
		return "Tenant account is inactive"
	default:
		return ""
	}
}

// Status is the quota state reported to callers and dashboards.
type Status struct {
	Tier            string  `json:"tier"`
	TokensRemaining float64 `json:"tokens_remaining"`
	DailyCount      int64   `json:"daily_count"`
	DailyLimit      int64   `json:"daily_limit"`
	MLUnitsCount    int64   `json:"ml_units_count"`
	MLUnitsLimit    int64   `json:"ml_units_limit"`
}

// Decision is returned by Service.CheckAndConsume.
type Decision struct {
	Allowed bool
	Outcome Outcome
	Status  Status
	// RetryAfter is set for RateLimited.
	RetryAfter time.Duration
}

// Quota is a tenant_quotas row.
type Quota struct {
	TenantID          uuid.UUID
	Tier              string
	MaxTokens         int64
	RefillRate        float64
	DailyRequestCount int64
	DailyRequestLimit int64
	MLUnitsDailyCount int64
	MLUnitsDailyLimit int64
	LastResetDate     time.Time
	IsActive          bool
}

// Tier is a named set of limits.
type Tier struct {
	MaxTokens         int64   `yaml:"max_tokens"`
	RefillRate        float64 `yaml:"refill_rate"`
	DailyRequestLimit int64   `yaml:"daily_request_limit"`
	MLUnitsDailyLimit int64   `yaml:"ml_units_daily_limit"`
}

// DefaultTier is assigned to tenants created lazily.
const DefaultTier = "free"

// Catalog maps tier names to limits.
type Catalog map[string]Tier

// DefaultCatalog returns the built-in tiers.
func DefaultCatalog() Catalog {
	return Catalog{
		"free":       {MaxTokens: 50, RefillRate: 0.5, DailyRequestLimit: 1000, MLUnitsDailyLimit: 20},
		"pro":        {MaxTokens: 200, RefillRate: 2, DailyRequestLimit: 20000, MLUnitsDailyLimit: 500},
		"enterprise": {MaxTokens: 1000, RefillRate: 10, DailyRequestLimit: 500000, MLUnitsDailyLimit: 10000},
	}
}

// Default returns the tier for new tenants, falling back to the built-in free
// tier when the catalog lacks one.
func (c Catalog) Default() (string, Tier) {
	if t, ok := c[DefaultTier]; ok {
		return DefaultTier, t
	}
	return DefaultTier, DefaultCatalog()[DefaultTier]
}

// utcDate truncates t to midnight UTC.
func utcDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
