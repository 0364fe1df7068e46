// Package outbox implements the transactional outbox: events are written in
// the same transaction as the state change they describe and relayed to
// external systems afterwards with at-least-once delivery.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soulsense/sentinel/internal/faststore"
)

// Topics.
const (
	TopicSearchIndexing = "search_indexing"
	TopicAudit          = "audit"
)

// Event statuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// MaxRetries is the number of failed attempts after which an event is
// quarantined as failed.
const MaxRetries = 5

// Event is an outbox_events row.
type Event struct {
	ID         int64
	Topic      string
	Payload    json.RawMessage
	RetryCount int
	CreatedAt  time.Time
}

// SearchPayload references a journal entry to re-index. It carries only an
// identifier; the relay reads the current row.
type SearchPayload struct {
	JournalID int64  `json:"journal_id"`
	Action    string `json:"action"`
}

// Search actions.
const (
	ActionUpsert = "upsert"
	ActionDelete = "delete"
)

// AuditPayload is an audit trail record.
type AuditPayload struct {
	EventType  string         `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Queryer is satisfied by *sql.Tx and *sql.DB.
type Queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Append writes an event inside the caller's transaction and returns its id.
// The event becomes visible to the relay only when the transaction commits.
func Append(ctx context.Context, q Queryer, topic string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("outbox.Append: %w", err)
	}
	var id int64
	err = q.QueryRowContext(ctx,
		`INSERT INTO outbox_events (topic, payload, status) VALUES ($1, $2::jsonb, 'pending') RETURNING id`,
		topic, string(data),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("outbox.Append: %w", err)
	}
	return id, nil
}

// WakeChannel is the pub/sub channel relays for topic listen on.
func WakeChannel(topic string) string {
	return "outbox:wake:" + topic
}

// Notify wakes the relays for topic. Call it after commit; a lost signal only
// delays relay until the next poll.
func Notify(ctx context.Context, n *faststore.Notifier, topic string) error {
	if n == nil {
		return nil
	}
	return n.Notify(ctx, WakeChannel(topic))
}
