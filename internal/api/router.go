package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/soulsense/sentinel/internal/audit"
	"github.com/soulsense/sentinel/internal/dbrouter"
	"github.com/soulsense/sentinel/internal/faststore"
	"github.com/soulsense/sentinel/internal/permcache"
	"github.com/soulsense/sentinel/internal/quota"
	"github.com/soulsense/sentinel/internal/ratelimit"
	"github.com/soulsense/sentinel/internal/readmodel"
	"github.com/soulsense/sentinel/internal/scrub"
	"github.com/soulsense/sentinel/internal/store"
	"go.uber.org/zap"
)

// QuotaService admits tenant requests.
type QuotaService interface {
	CheckAndConsume(ctx context.Context, tenantID uuid.UUID, tokens, mlUnits int64) (quota.Decision, error)
	UsageAnalytics(ctx context.Context, tenantID uuid.UUID) (*quota.Analytics, error)
	Deactivate(ctx context.Context, tenantID uuid.UUID) error
}

// PermissionResolver resolves and changes roles.
type PermissionResolver interface {
	Resolve(ctx context.Context, username string, userID int64) (*permcache.Permission, error)
	ChangeRole(ctx context.Context, userID int64, isAdmin bool) (*permcache.Permission, error)
}

// IPLimiter limits tenant-less requests per client address.
type IPLimiter interface {
	Allow(ctx context.Context, ip string) ratelimit.Decision
}

// Scrubber runs and reports erasure sagas.
type Scrubber interface {
	Scrub(ctx context.Context, userID int64) (*scrub.Result, error)
	Status(ctx context.Context, scrubID string) (*scrub.StatusReport, error)
}

// UsageReader reads the quota read model.
type UsageReader interface {
	ListSnapshots(ctx context.Context, params readmodel.ListParams) ([]readmodel.Snapshot, int, error)
	UsageTrend(ctx context.Context, tenantID string, days int) ([]readmodel.DailyUsage, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Router      *dbrouter.Router
	Store       *store.Store
	Quota       QuotaService
	Permissions PermissionResolver
	IPLimiter   IPLimiter   // nil disables per-IP limiting
	Scrubber    Scrubber
	Reader      UsageReader // nil if ClickHouse unavailable
	Notifier    *faststore.Notifier
	Audit       *audit.Emitter
	Metrics     http.Handler
	// Checks are run by /healthz; any failure reports 503.
	Checks map[string]func(ctx context.Context) error
	Logger *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Journals (principal required)
	mux.HandleFunc("POST /v1/journals", deps.handleCreateJournal)
	mux.HandleFunc("GET /v1/journals", deps.handleListJournals)
	mux.HandleFunc("PUT /v1/journals/{journal_id}", deps.handleUpdateJournal)
	mux.HandleFunc("DELETE /v1/journals/{journal_id}", deps.handleDeleteJournal)
	mux.HandleFunc("POST /v1/exports", deps.handleRecordExport)

	// Erasure: admins, or users for themselves
	mux.HandleFunc("POST /v1/users/{user_id}/scrub", deps.handleScrub)
	mux.HandleFunc("GET /v1/scrubs/{scrub_id}", deps.handleScrubStatus)

	// Admin
	mux.HandleFunc("PUT /v1/admin/users/{user_id}/role", adminOnly(deps.handleChangeRole))
	mux.HandleFunc("GET /v1/admin/tenants/{tenant_id}/usage", adminOnly(deps.handleUsage))
	mux.HandleFunc("GET /v1/admin/tenants/{tenant_id}/usage/snapshots", adminOnly(deps.handleListSnapshots))
	mux.HandleFunc("GET /v1/admin/tenants/{tenant_id}/usage/trend", adminOnly(deps.handleUsageTrend))
	mux.HandleFunc("POST /v1/admin/tenants/{tenant_id}/deactivate", adminOnly(deps.handleDeactivate))

	// Operational
	mux.HandleFunc("GET /healthz", deps.handleHealth)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	var h http.Handler = mux
	h = deps.quotaMiddleware(h)
	h = deps.rbacMiddleware(h)
	h = deps.principalMiddleware(h)
	return corsMiddleware(requestLogging(h, deps.Logger))
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(d.Checks))
	for name, check := range d.Checks {
		if err := check(ctx); err != nil {
			d.Logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}
