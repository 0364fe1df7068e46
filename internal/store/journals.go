package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/soulsense/sentinel/internal/outbox"
)

// Journal represents a row in the journal_entries table.
type Journal struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Content   string    `json:"content"`
	IsDeleted bool      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const journalColumns = `id, user_id, COALESCE(tenant_id::text, ''), content, is_deleted, created_at, updated_at`

func scanJournal(row interface{ Scan(...any) error }) (*Journal, error) {
	j := &Journal{}
	if err := row.Scan(&j.ID, &j.UserID, &j.TenantID, &j.Content, &j.IsDeleted, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	return j, nil
}

// CreateJournal inserts an entry and queues its indexing in the same
// transaction.
func (s *Store) CreateJournal(ctx context.Context, tx *sql.Tx, userID int64, tenantID *uuid.UUID, content string) (*Journal, error) {
	var tenant uuid.NullUUID
	if tenantID != nil {
		tenant = uuid.NullUUID{UUID: *tenantID, Valid: true}
	}
	j, err := scanJournal(tx.QueryRowContext(ctx, `
		INSERT INTO journal_entries (user_id, tenant_id, content)
		VALUES ($1, $2, $3)
		RETURNING `+journalColumns,
		userID, tenant, content,
	))
	if err != nil {
		return nil, fmt.Errorf("CreateJournal: %w", err)
	}
	if err := appendIndexing(ctx, tx, j.ID, outbox.ActionUpsert); err != nil {
		return nil, fmt.Errorf("CreateJournal: %w", err)
	}
	return j, nil
}

// UpdateJournal replaces the content of a live entry owned by userID.
// Returns nil if no such entry exists.
func (s *Store) UpdateJournal(ctx context.Context, tx *sql.Tx, userID, id int64, content string) (*Journal, error) {
	j, err := scanJournal(tx.QueryRowContext(ctx, `
		UPDATE journal_entries SET content = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2 AND NOT is_deleted
		RETURNING `+journalColumns,
		id, userID, content,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("UpdateJournal: %w", err)
	}
	if err := appendIndexing(ctx, tx, j.ID, outbox.ActionUpsert); err != nil {
		return nil, fmt.Errorf("UpdateJournal: %w", err)
	}
	return j, nil
}

// DeleteJournal soft-deletes an entry owned by userID. Returns
// sql.ErrNoRows if no live entry matched.
func (s *Store) DeleteJournal(ctx context.Context, tx *sql.Tx, userID, id int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE journal_entries SET is_deleted = true, updated_at = now()
		WHERE id = $1 AND user_id = $2 AND NOT is_deleted`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("DeleteJournal: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	if err := appendIndexing(ctx, tx, id, outbox.ActionDelete); err != nil {
		return fmt.Errorf("DeleteJournal: %w", err)
	}
	return nil
}

// ListJournals returns the live entries of userID, newest first.
func (s *Store) ListJournals(ctx context.Context, q Querier, userID int64, limit int) ([]*Journal, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+journalColumns+`
		FROM journal_entries
		WHERE user_id = $1 AND NOT is_deleted
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListJournals: %w", err)
	}
	defer rows.Close()

	journals := []*Journal{}
	for rows.Next() {
		j, err := scanJournal(rows)
		if err != nil {
			return nil, fmt.Errorf("ListJournals: %w", err)
		}
		journals = append(journals, j)
	}
	return journals, rows.Err()
}

func appendIndexing(ctx context.Context, tx *sql.Tx, journalID int64, action string) error {
	_, err := outbox.Append(ctx, tx, outbox.TopicSearchIndexing, outbox.SearchPayload{
		JournalID: journalID,
		Action:    action,
	})
	return err
}
