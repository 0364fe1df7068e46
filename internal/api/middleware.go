package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/soulsense/sentinel/internal/permcache"
	"github.com/soulsense/sentinel/internal/quota"
	"go.uber.org/zap"
)

// Identity headers set by the trusted gateway.
const (
	HeaderPrincipal   = "X-Principal"
	HeaderPrincipalID = "X-Principal-ID"
	HeaderTenantID    = "X-Tenant-ID"
	HeaderAdminClaim  = "X-Principal-Admin"
	HeaderMLUnits     = "X-ML-Units"
)

// Quota response headers.
const (
	HeaderTenantTier     = "X-Tenant-Tier"
	HeaderQuotaRemaining = "X-Quota-Remaining-Today"
	HeaderRateRemaining  = "X-RateLimit-Remaining"
)

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const (
	principalCtxKey contextKey = iota
	permissionCtxKey
	rbacGuardCtxKey
)

// principal is the caller identity forwarded by the gateway.
type principal struct {
	Username string
	UserID   int64
	TenantID *uuid.UUID
	// AdminClaim is the role asserted by the caller's token, if any.
	AdminClaim *bool
}

func principalFromContext(ctx context.Context) *principal {
	v, _ := ctx.Value(principalCtxKey).(*principal)
	return v
}

// permissionFromContext returns the authorization resolved for this request.
func permissionFromContext(ctx context.Context) *permcache.Permission {
	v, _ := ctx.Value(permissionCtxKey).(*permcache.Permission)
	return v
}

// isExempt reports whether path skips identity, RBAC and quota checks.
func isExempt(path string) bool {
	if !strings.HasPrefix(path, "/v1/") {
		return true
	}
	return path == "/v1/health" || strings.HasPrefix(path, "/v1/health/")
}

// --- Principal extraction ---

// principalMiddleware reads the gateway identity headers. Requests without a
// principal pass through anonymously.
func (d *Dependencies) principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username := strings.TrimSpace(r.Header.Get(HeaderPrincipal))
		if username == "" || isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		p := &principal{Username: username}
		if v := r.Header.Get(HeaderPrincipalID); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id <= 0 {
				writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid " + HeaderPrincipalID})
				return
			}
			p.UserID = id
		}
		if v := r.Header.Get(HeaderTenantID); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid " + HeaderTenantID})
				return
			}
			p.TenantID = &id
		}
		if v := r.Header.Get(HeaderAdminClaim); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid " + HeaderAdminClaim})
				return
			}
			p.AdminClaim = &b
		}

		ctx := context.WithValue(r.Context(), principalCtxKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// --- RBAC ---

// rbacMiddleware resolves the caller's role through the permission cache.
// A request that already passed through it is not checked again.
func (d *Dependencies) rbacMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if isExempt(r.URL.Path) || ctx.Value(rbacGuardCtxKey) != nil {
			next.ServeHTTP(w, r)
			return
		}

		p := principalFromContext(ctx)
		if p == nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing principal"})
			return
		}

		perm, err := d.Permissions.Resolve(ctx, p.Username, p.UserID)
		if err != nil {
			if errors.Is(err, permcache.ErrUnknownPrincipal) {
				writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "User not found"})
				return
			}
			d.Logger.Error("permission resolution failed", zap.String("principal", p.Username), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Permission service unavailable"})
			return
		}

		if p.AdminClaim != nil && *p.AdminClaim != perm.IsAdmin {
			d.Logger.Warn("role mismatch",
				zap.String("principal", p.Username),
				zap.Bool("claimed", *p.AdminClaim),
				zap.Bool("actual", perm.IsAdmin),
				zap.String("path", r.URL.Path),
			)
			d.Audit.Emit("ROLE_TAMPERING_DETECTED", map[string]any{
				"principal": p.Username,
				"path":      r.URL.Path,
			})
			writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "Role tampering detected"})
			return
		}

		// The gateway may omit the id; the resolved one is authoritative.
		if p.UserID == 0 && perm.UserID != 0 {
			resolved := *p
			resolved.UserID = perm.UserID
			ctx = context.WithValue(ctx, principalCtxKey, &resolved)
		}
		ctx = context.WithValue(ctx, permissionCtxKey, perm)
		ctx = context.WithValue(ctx, rbacGuardCtxKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminOnly rejects callers whose resolved role is not admin.
func adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		perm := permissionFromContext(r.Context())
		if perm == nil || !perm.IsAdmin {
			writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "Admin role required"})
			return
		}
		next(w, r)
	}
}

// --- Quota ---

// quotaMiddleware admits tenant requests against the tenant's quota and
// tenant-less requests against the per-IP limiter.
func (d *Dependencies) quotaMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		p := principalFromContext(r.Context())
		if p == nil || p.TenantID == nil {
			if d.IPLimiter != nil {
				dec := d.IPLimiter.Allow(r.Context(), clientIP(r))
				if !dec.Allowed {
					setRetryAfter(w, dec.RetryAfter)
					writeJSON(w, http.StatusTooManyRequests, ErrorResp{Detail: "Too many requests from this IP"})
					return
				}
			}
			next.ServeHTTP(w, r)
			return
		}

		var mlUnits int64
		if v := r.Header.Get(HeaderMLUnits); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid " + HeaderMLUnits})
				return
			}
			mlUnits = n
		}

		dec, err := d.Quota.CheckAndConsume(r.Context(), *p.TenantID, 1, mlUnits)
		if err != nil {
			// Quota storage is down: serve the request rather than fail it.
			d.Logger.Error("quota check failed, admitting",
				zap.String("tenant_id", p.TenantID.String()),
				zap.Error(err),
			)
			next.ServeHTTP(w, r)
			return
		}

		if !dec.Allowed {
			d.Logger.Warn("quota rejected request",
				zap.String("tenant_id", p.TenantID.String()),
				zap.String("outcome", string(dec.Outcome)),
			)
			d.Audit.Emit("QUOTA_REJECTED", map[string]any{
				"tenant_id": p.TenantID.String(),
				"outcome":   string(dec.Outcome),
			})
			status := http.StatusTooManyRequests
			if dec.Outcome == quota.TenantInactive {
				status = http.StatusForbidden
			} else {
				setQuotaHeaders(w, dec.Status)
				setRetryAfter(w, dec.RetryAfter)
			}
			writeJSON(w, status, ErrorResp{Detail: dec.Outcome.Message()})
			return
		}

		setQuotaHeaders(w, dec.Status)
		next.ServeHTTP(w, r)
	})
}

func setQuotaHeaders(w http.ResponseWriter, st quota.Status) {
	w.Header().Set(HeaderTenantTier, st.Tier)
	w.Header().Set(HeaderQuotaRemaining, strconv.FormatInt(max(st.DailyLimit-st.DailyCount, 0), 10))
	w.Header().Set(HeaderRateRemaining, strconv.FormatInt(int64(math.Floor(st.TokensRemaining)), 10))
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
}

// clientIP returns the first X-Forwarded-For hop, or the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderPrincipal+", "+HeaderPrincipalID+", "+HeaderTenantID)
		w.Header().Set("Access-Control-Expose-Headers", HeaderTenantTier+", "+HeaderQuotaRemaining+", "+HeaderRateRemaining)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
