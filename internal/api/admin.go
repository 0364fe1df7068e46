package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/soulsense/sentinel/internal/permcache"
	"github.com/soulsense/sentinel/internal/quota"
	"github.com/soulsense/sentinel/internal/readmodel"
	"github.com/soulsense/sentinel/internal/scrub"
	"go.uber.org/zap"
)

func queryInt(q url.Values, key string, defaultVal int) int {
	if v := q.Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func pathTenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("tenant_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid tenant id"})
		return uuid.Nil, false
	}
	return id, true
}

func (d *Dependencies) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "user_id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid user id"})
		return
	}
	var req RoleReq
	if err := readJSON(r, &req); err != nil || req.IsAdmin == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "is_admin is required"})
		return
	}

	p, err := d.Permissions.ChangeRole(r.Context(), userID, *req.IsAdmin)
	if errors.Is(err, permcache.ErrUnknownPrincipal) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "User not found."})
		return
	}
	if err != nil && p == nil {
		d.Logger.Error("failed to change role", zap.Int64("user_id", userID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to change role"})
		return
	}
	if err != nil {
		// Committed, but the cached copies may survive until their TTL.
		d.Logger.Warn("role changed without cache invalidation", zap.Int64("user_id", userID), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, RoleResp{UserID: p.UserID, Username: p.Username, IsAdmin: p.IsAdmin, Version: p.Version})
}

func (d *Dependencies) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathTenant(w, r)
	if !ok {
		return
	}
	a, err := d.Quota.UsageAnalytics(r.Context(), tenantID)
	if err != nil {
		d.Logger.Error("failed to get usage", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get usage"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (d *Dependencies) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathTenant(w, r)
	if !ok {
		return
	}
	err := d.Quota.Deactivate(r.Context(), tenantID)
	if errors.Is(err, quota.ErrUnknownTenant) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Tenant not found."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to deactivate tenant", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to deactivate tenant"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}
	tenantID, ok := pathTenant(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	params := readmodel.ListParams{
		TenantID: tenantID.String(),
		Page:     queryInt(q, "page", 1),
		PageSize: queryInt(q, "page_size", 50),
	}
	if params.PageSize > 200 {
		params.PageSize = 200
	}
	if params.Page < 1 {
		params.Page = 1
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}

	snapshots, total, err := d.Reader.ListSnapshots(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list snapshots", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list snapshots"})
		return
	}

	resp := SnapshotListResp{
		Snapshots: make([]SnapshotResp, 0, len(snapshots)),
		Total:     total,
		Page:      params.Page,
		PageSize:  params.PageSize,
	}
	for _, s := range snapshots {
		resp.Snapshots = append(resp.Snapshots, snapshotToResp(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleUsageTrend(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}
	tenantID, ok := pathTenant(w, r)
	if !ok {
		return
	}

	days := queryInt(r.URL.Query(), "days", 7)
	if days < 1 {
		days = 1
	}
	if days > 90 {
		days = 90
	}

	trend, err := d.Reader.UsageTrend(r.Context(), tenantID.String(), days)
	if err != nil {
		d.Logger.Error("failed to get usage trend", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get usage trend"})
		return
	}
	writeJSON(w, http.StatusOK, TrendResp{TenantID: tenantID.String(), Days: trend})
}

func (d *Dependencies) handleScrub(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "user_id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid user id"})
		return
	}
	perm := permissionFromContext(r.Context())
	if perm == nil || (!perm.IsAdmin && perm.UserID != userID) {
		writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "Not allowed to erase this user"})
		return
	}

	res, err := d.Scrubber.Scrub(r.Context(), userID)
	switch {
	case errors.Is(err, scrub.ErrInProgress):
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: "Erasure already in progress"})
		return
	case errors.Is(err, scrub.ErrSagaStep):
		d.Logger.Warn("scrub step failed, will resume on retry", zap.Int64("user_id", userID), zap.Error(err))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "retry", "detail": "Erasure incomplete, retry to resume"})
		return
	case err != nil:
		d.Logger.Error("scrub failed", zap.Int64("user_id", userID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Erasure unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *Dependencies) handleScrubStatus(w http.ResponseWriter, r *http.Request) {
	report, err := d.Scrubber.Status(r.Context(), r.PathValue("scrub_id"))
	if errors.Is(err, scrub.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Scrub not found."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to get scrub status", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get scrub status"})
		return
	}
	perm := permissionFromContext(r.Context())
	if perm == nil || (!perm.IsAdmin && perm.UserID != report.UserID) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Scrub not found."})
		return
	}
	writeJSON(w, http.StatusOK, report)
}
