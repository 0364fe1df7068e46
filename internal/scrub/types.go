// Package scrub erases a user across every store that holds their data.
//
// Erasure is a checkpointed saga: external assets (object storage, vectors)
// are deleted before the relational rows that reference them, and each step
// records a checkpoint so an interrupted run resumes instead of restarting.
package scrub

import (
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Log statuses.
const (
	StatusPending       = "PENDING"
	StatusAssetsDeleted = "ASSETS_DELETED"
	StatusCompleted     = "COMPLETED"
	StatusFailed        = "FAILED"
)

// Audit event types emitted through the outbox.
const (
	EventInitiated = "GDPR_SCRUB_INITIATED"
	EventComplete  = "GDPR_SCRUB_COMPLETE"
)

// MaxAttempts is the number of failed runs after which a log is flagged
// FAILED for operator attention. Flagged logs still resume.
const MaxAttempts = 5

var (
	// ErrSagaStep wraps the cause of a failed step. The checkpoint is kept
	// and the next run retries the step.
	ErrSagaStep = errors.New("scrub step failed")
	// ErrInProgress means another run holds the lease for this user.
	ErrInProgress = errors.New("scrub already in progress")
	// ErrNotFound is returned by Status for an unknown scrub id.
	ErrNotFound = errors.New("scrub not found")
)

// Log is a gdpr_scrub_logs row.
type Log struct {
	UserID         int64
	Username       string
	ScrubID        string
	Status         string
	StorageDeleted bool
	VectorDeleted  bool
	SQLDeleted     bool
	Assets         []string
	RetryCount     int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

func (l *Log) assetsDone() bool {
	return l.StorageDeleted && l.VectorDeleted
}

// Result is the outcome of one Scrub call.
type Result struct {
	ScrubID string `json:"scrub_id,omitempty"`
	Status  string `json:"status,omitempty"`
	// NoOp is set when there was nothing to do: the saga had already
	// completed, or the user never existed.
	NoOp bool `json:"no_op"`
}

// StatusReport is the externally verifiable state of a saga.
type StatusReport struct {
	ScrubID     string          `json:"scrub_id"`
	UserID      int64           `json:"user_id"`
	Status      string          `json:"status"`
	Completed   bool            `json:"completed"`
	Checkpoints map[string]bool `json:"checkpoints"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func reportFor(l *Log) *StatusReport {
	return &StatusReport{
		ScrubID:   l.ScrubID,
		UserID:    l.UserID,
		Status:    l.Status,
		Completed: l.Status == StatusCompleted,
		Checkpoints: map[string]bool{
			"storage": l.StorageDeleted,
			"vector":  l.VectorDeleted,
			"sql":     l.SQLDeleted,
		},
		RetryCount:  l.RetryCount,
		LastError:   l.LastError,
		CompletedAt: l.CompletedAt,
	}
}

// newScrubID derives the scrub id from the user and the request time.
func newScrubID(userID int64, username string, at time.Time) string {
	sum := blake2b.Sum256([]byte("scrub:" + strconv.FormatInt(userID, 10) + ":" + username + ":" + strconv.FormatInt(at.UnixNano(), 10)))
	return hex.EncodeToString(sum[:])
}
