package api

import (
	"time"

	"github.com/soulsense/sentinel/internal/readmodel"
	"github.com/soulsense/sentinel/internal/store"
)

// ErrorResp is the body of every error response.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// --- Journals ---

// JournalReq is the JSON body for POST and PUT /v1/journals.
type JournalReq struct {
	Content string `json:"content"`
}

// JournalListResp is the response for GET /v1/journals.
type JournalListResp struct {
	Journals []*store.Journal `json:"journals"`
	ReadFrom string           `json:"read_from"`
}

// ExportReq is the JSON body for POST /v1/exports.
type ExportReq struct {
	FilePath string `json:"file_path"`
}

// ExportResp is returned after an export is registered.
type ExportResp struct {
	ID       int64  `json:"id"`
	FilePath string `json:"file_path"`
}

// --- Admin ---

// RoleReq is the JSON body for PUT /v1/admin/users/{user_id}/role.
type RoleReq struct {
	IsAdmin *bool `json:"is_admin"`
}

// RoleResp reports a committed role change.
type RoleResp struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	Version  int64  `json:"version"`
}

// SnapshotListResp is the paginated response for GET .../usage/snapshots.
type SnapshotListResp struct {
	Snapshots []SnapshotResp `json:"snapshots"`
	Total     int            `json:"total"`
	Page      int            `json:"page"`
	PageSize  int            `json:"page_size"`
}

// SnapshotResp is one projected quota snapshot.
type SnapshotResp struct {
	Tier            string    `json:"tier"`
	Timestamp       time.Time `json:"timestamp"`
	TokensRemaining float64   `json:"tokens_remaining"`
	DailyCount      int64     `json:"daily_count"`
	DailyLimit      int64     `json:"daily_limit"`
	MLUnitsCount    int64     `json:"ml_units_count"`
	MLUnitsLimit    int64     `json:"ml_units_limit"`
}

func snapshotToResp(s readmodel.Snapshot) SnapshotResp {
	return SnapshotResp{
		Tier:            s.Tier,
		Timestamp:       s.Timestamp,
		TokensRemaining: s.TokensRemaining,
		DailyCount:      s.DailyCount,
		DailyLimit:      s.DailyLimit,
		MLUnitsCount:    s.MLUnitsCount,
		MLUnitsLimit:    s.MLUnitsLimit,
	}
}

// TrendResp is the response for GET .../usage/trend.
type TrendResp struct {
	TenantID string                 `json:"tenant_id"`
	Days     []readmodel.DailyUsage `json:"days"`
}
