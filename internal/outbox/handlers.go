package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// JournalEntity is the search index entity name for journal entries.
const JournalEntity = "journal"

// Journal is the indexable state of a journal entry.
type Journal struct {
	ID        int64
	UserID    int64
	TenantID  string
	Content   string
	IsDeleted bool
	CreatedAt time.Time
}

// JournalSource reads the current state of a journal entry. It returns
// (nil, nil) when the row does not exist.
type JournalSource interface {
	Journal(ctx context.Context, id int64) (*Journal, error)
}

// Indexer is the external search index. Both operations are idempotent and
// DeleteDocument succeeds when the document is absent.
type Indexer interface {
	IndexDocument(ctx context.Context, entity, docID string, doc any) error
	DeleteDocument(ctx context.Context, entity, docID string) error
}

type sqlJournalSource struct {
	db *sql.DB
}

// NewSQLJournalSource reads journal entries from db.
func NewSQLJournalSource(db *sql.DB) JournalSource {
	return &sqlJournalSource{db: db}
}

func (s *sqlJournalSource) Journal(ctx context.Context, id int64) (*Journal, error) {
	j := &Journal{}
	var tenant sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, tenant_id::text, content, is_deleted, created_at
		 FROM journal_entries WHERE id = $1`,
		id,
	).Scan(&j.ID, &j.UserID, &tenant, &j.Content, &j.IsDeleted, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlJournalSource.Journal: %w", err)
	}
	j.TenantID = tenant.String
	return j, nil
}

// SearchHandler keeps the search index in line with journal_entries.
type SearchHandler struct {
	journals JournalSource
	index    Indexer
	logger   *zap.Logger
}

// NewSearchHandler creates a SearchHandler.
func NewSearchHandler(journals JournalSource, index Indexer, logger *zap.Logger) *SearchHandler {
	return &SearchHandler{journals: journals, index: index, logger: logger}
}

type journalDoc struct {
	UserID    int64     `json:"user_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Handle applies the current row state, not the payload: an upsert for a
// missing or soft-deleted entry becomes a delete.
func (h *SearchHandler) Handle(ctx context.Context, ev Event) error {
	var p SearchPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("SearchHandler.Handle: %w", err)
	}
	docID := strconv.FormatInt(p.JournalID, 10)

	if p.Action == ActionDelete {
		return h.index.DeleteDocument(ctx, JournalEntity, docID)
	}

	j, err := h.journals.Journal(ctx, p.JournalID)
	if err != nil {
		return fmt.Errorf("SearchHandler.Handle: %w", err)
	}
	if j == nil || j.IsDeleted {
		h.logger.Debug("upsert for deleted journal relayed as delete", zap.Int64("journal_id", p.JournalID))
		return h.index.DeleteDocument(ctx, JournalEntity, docID)
	}
	return h.index.IndexDocument(ctx, JournalEntity, docID, journalDoc{
		UserID:    j.UserID,
		TenantID:  j.TenantID,
		Content:   j.Content,
		Timestamp: j.CreatedAt,
	})
}

// EntityKey groups events by journal id.
func (h *SearchHandler) EntityKey(ev Event) string {
	var p SearchPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return ""
	}
	return JournalEntity + ":" + strconv.FormatInt(p.JournalID, 10)
}

// Publisher sends a keyed message to the audit stream.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// AuditHandler forwards audit events verbatim, keyed by event type.
type AuditHandler struct {
	pub Publisher
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(pub Publisher) *AuditHandler {
	return &AuditHandler{pub: pub}
}

func (h *AuditHandler) Handle(ctx context.Context, ev Event) error {
	var p AuditPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("AuditHandler.Handle: %w", err)
	}
	return h.pub.Publish(ctx, p.EventType+":"+strconv.FormatInt(ev.ID, 10), ev.Payload)
}
