package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Tx is a claim transaction over pending events. Transitions are applied
// together on Commit.
type Tx interface {
	// TryLock takes the topic's poller lock for the life of the transaction.
	// It reports false when another poller holds it.
	TryLock(ctx context.Context, topic string) (bool, error)
	Claim(ctx context.Context, topic string, limit int) ([]Event, error)
	MarkProcessed(ctx context.Context, id int64, at time.Time) error
	MarkRetry(ctx context.Context, id int64, retryCount int, status, errMsg string) error
	Commit() error
	Rollback() error
}

// Store begins claim transactions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

type sqlStore struct {
	db *sql.DB
}

// NewSQLStore returns a Store on the primary database.
func NewSQLStore(db *sql.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlStore.Begin: %w", err)
	}
	return &sqlTx{tx: tx}, nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) TryLock(ctx context.Context, topic string) (bool, error) {
	var ok bool
	if err := t.tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, topic).Scan(&ok); err != nil {
		return false, fmt.Errorf("sqlTx.TryLock: %w", err)
	}
	return ok, nil
}

// Claim locks up to limit pending events. Rows locked by another poller are
// skipped rather than waited on.
func (t *sqlTx) Claim(ctx context.Context, topic string, limit int) ([]Event, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, topic, payload, retry_count, created_at
		 FROM outbox_events
		 WHERE topic = $1 AND status = 'pending'
		 ORDER BY id
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		topic, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlTx.Claim: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Topic, &payload, &e.RetryCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlTx.Claim scan: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

func (t *sqlTx) MarkProcessed(ctx context.Context, id int64, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'processed', processed_at = $2, error_message = NULL WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("sqlTx.MarkProcessed: %w", err)
	}
	return nil
}

func (t *sqlTx) MarkRetry(ctx context.Context, id int64, retryCount int, status, errMsg string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE outbox_events SET retry_count = $2, status = $3, error_message = $4 WHERE id = $1`,
		id, retryCount, status, errMsg,
	)
	if err != nil {
		return fmt.Errorf("sqlTx.MarkRetry: %w", err)
	}
	return nil
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }
