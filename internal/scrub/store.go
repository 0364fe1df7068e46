package scrub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soulsense/sentinel/internal/outbox"
)

// Store persists saga logs. Init and Purge are transactional: each writes its
// audit event to the outbox in the same transaction as the state change.
type Store interface {
	// LoadLog returns the log for userID, or nil if none exists.
	LoadLog(ctx context.Context, userID int64) (*Log, error)
	// LogByScrubID returns the log with scrubID, or nil if none exists.
	LogByScrubID(ctx context.Context, scrubID string) (*Log, error)
	// LookupUser returns the username of userID and whether the row exists.
	LookupUser(ctx context.Context, userID int64) (string, bool, error)
	// Init snapshots the user's assets and creates the log. If a log already
	// exists for the user it is returned unchanged.
	Init(ctx context.Context, userID int64, username, scrubID string, at time.Time) (*Log, error)
	// SaveCheckpoint persists status and the asset checkpoints.
	SaveCheckpoint(ctx context.Context, l *Log) error
	// Purge deletes the user row and completes the log.
	Purge(ctx context.Context, l *Log, at time.Time) error
	// RecordFailure increments retry_count and stores msg. The log is flagged
	// FAILED once retry_count reaches MaxAttempts.
	RecordFailure(ctx context.Context, scrubID, msg string) (int, error)
}

type sqlStore struct {
	db *sql.DB
}

// NewSQLStore returns a Store backed by db. db must be the primary.
func NewSQLStore(db *sql.DB) Store {
	return &sqlStore{db: db}
}

const logColumns = `user_id, username, scrub_id, status, storage_deleted, vector_deleted,
	sql_deleted, assets_to_delete, retry_count, last_error, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLog(row rowScanner) (*Log, error) {
	l := &Log{}
	var (
		assets      []byte
		lastError   sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(&l.UserID, &l.Username, &l.ScrubID, &l.Status, &l.StorageDeleted, &l.VectorDeleted,
		&l.SQLDeleted, &assets, &l.RetryCount, &lastError, &l.CreatedAt, &l.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(assets) > 0 {
		if err := json.Unmarshal(assets, &l.Assets); err != nil {
			return nil, fmt.Errorf("decode assets_to_delete: %w", err)
		}
	}
	l.LastError = lastError.String
	if completedAt.Valid {
		t := completedAt.Time
		l.CompletedAt = &t
	}
	return l, nil
}

func (s *sqlStore) LoadLog(ctx context.Context, userID int64) (*Log, error) {
	l, err := scanLog(s.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM gdpr_scrub_logs WHERE user_id = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("sqlStore.LoadLog: %w", err)
	}
	return l, nil
}

func (s *sqlStore) LogByScrubID(ctx context.Context, scrubID string) (*Log, error) {
	l, err := scanLog(s.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM gdpr_scrub_logs WHERE scrub_id = $1`, scrubID))
	if err != nil {
		return nil, fmt.Errorf("sqlStore.LogByScrubID: %w", err)
	}
	return l, nil
}

func (s *sqlStore) LookupUser(ctx context.Context, userID int64) (string, bool, error) {
	var username string
	err := s.db.QueryRowContext(ctx, `SELECT username FROM users WHERE id = $1`, userID).Scan(&username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("sqlStore.LookupUser: %w", err)
	}
	return username, true, nil
}

func (s *sqlStore) Init(ctx context.Context, userID int64, username, scrubID string, at time.Time) (*Log, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlStore.Init: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT file_path FROM export_records WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlStore.Init: snapshot assets: %w", err)
	}
	assets := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlStore.Init: snapshot assets: %w", err)
		}
		assets = append(assets, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlStore.Init: snapshot assets: %w", err)
	}

	assetsJSON, err := json.Marshal(assets)
	if err != nil {
		return nil, fmt.Errorf("sqlStore.Init: %w", err)
	}

	// The unique user_id constraint serializes concurrent inits; the loser
	// reads the winner's log.
	res, err := tx.ExecContext(ctx,
		`INSERT INTO gdpr_scrub_logs (user_id, username, scrub_id, status, assets_to_delete, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $6)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, username, scrubID, StatusPending, string(assetsJSON), at,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlStore.Init: insert log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return s.LoadLog(ctx, userID)
	}

	if _, err := outbox.Append(ctx, tx, outbox.TopicAudit, outbox.AuditPayload{
		EventType:  EventInitiated,
		OccurredAt: at,
		Data:       map[string]any{"scrub_id": scrubID, "user_id": userID},
	}); err != nil {
		return nil, fmt.Errorf("sqlStore.Init: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlStore.Init: commit: %w", err)
	}

	return &Log{
		UserID:    userID,
		Username:  username,
		ScrubID:   scrubID,
		Status:    StatusPending,
		Assets:    assets,
		CreatedAt: at,
		UpdatedAt: at,
	}, nil
}

func (s *sqlStore) SaveCheckpoint(ctx context.Context, l *Log) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gdpr_scrub_logs
		 SET status = $2, storage_deleted = $3, vector_deleted = $4, updated_at = now()
		 WHERE scrub_id = $1`,
		l.ScrubID, l.Status, l.StorageDeleted, l.VectorDeleted,
	)
	if err != nil {
		return fmt.Errorf("sqlStore.SaveCheckpoint: %w", err)
	}
	return nil
}

func (s *sqlStore) Purge(ctx context.Context, l *Log, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlStore.Purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, l.UserID); err != nil {
		return fmt.Errorf("sqlStore.Purge: delete user: %w", err)
	}

	if _, err := outbox.Append(ctx, tx, outbox.TopicAudit, outbox.AuditPayload{
		EventType:  EventComplete,
		OccurredAt: at,
		Data:       map[string]any{"scrub_id": l.ScrubID, "user_id": l.UserID, "username": l.Username},
	}); err != nil {
		return fmt.Errorf("sqlStore.Purge: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE gdpr_scrub_logs
		 SET sql_deleted = true, status = $2, completed_at = $3, updated_at = $3
		 WHERE scrub_id = $1`,
		l.ScrubID, StatusCompleted, at,
	); err != nil {
		return fmt.Errorf("sqlStore.Purge: complete log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlStore.Purge: commit: %w", err)
	}
	return nil
}

func (s *sqlStore) RecordFailure(ctx context.Context, scrubID, msg string) (int, error) {
	var retries int
	err := s.db.QueryRowContext(ctx,
		`UPDATE gdpr_scrub_logs
		 SET retry_count = retry_count + 1,
		     last_error = $2,
		     status = CASE WHEN retry_count + 1 >= $3 THEN $4 ELSE status END,
		     updated_at = now()
		 WHERE scrub_id = $1
		 RETURNING retry_count`,
		scrubID, msg, MaxAttempts, StatusFailed,
	).Scan(&retries)
	if err != nil {
		return 0, fmt.Errorf("sqlStore.RecordFailure: %w", err)
	}
	return retries, nil
}
