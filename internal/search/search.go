// Package search is the Elasticsearch client used by the outbox relay and the
// deletion saga. Every operation is idempotent so redelivered events are safe.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"
)

// Config configures a Client.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	// IndexPrefix is prepended to entity names to form index names.
	IndexPrefix string
}

// Client indexes and deletes documents.
type Client struct {
	es     *elasticsearch.Client
	prefix string
	logger *zap.Logger
}

// New creates a Client and verifies the cluster answers.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	esCfg := elasticsearch.Config{Addresses: cfg.Addresses}
	if cfg.Username != "" && cfg.Password != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("search.New: %w", err)
	}

	res, err := es.Info(es.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("search.New: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search.New: %s", res.String())
	}

	return &Client{es: es, prefix: cfg.IndexPrefix, logger: logger}, nil
}

func (c *Client) index(entity string) string {
	return c.prefix + entity
}

// IndexDocument creates or replaces a document.
func (c *Client) IndexDocument(ctx context.Context, entity, docID string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("IndexDocument: %w", err)
	}

	res, err := c.es.Index(
		c.index(entity),
		bytes.NewReader(body),
		c.es.Index.WithDocumentID(docID),
		c.es.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("IndexDocument: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("IndexDocument %s/%s: %s", entity, docID, responseError(res.StatusCode, res.Body))
	}
	return nil
}

// DeleteDocument removes a document. A missing document is not an error.
func (c *Client) DeleteDocument(ctx context.Context, entity, docID string) error {
	res, err := c.es.Delete(
		c.index(entity),
		docID,
		c.es.Delete.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("DeleteDocument: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("DeleteDocument %s/%s: %s", entity, docID, responseError(res.StatusCode, res.Body))
	}
	return nil
}

// PurgeUser deletes every document of entity owned by userID.
func (c *Client) PurgeUser(ctx context.Context, entity string, userID int64) (int64, error) {
	query := `{"query":{"term":{"user_id":` + strconv.FormatInt(userID, 10) + `}}}`
	res, err := c.es.DeleteByQuery(
		[]string{c.index(entity)},
		strings.NewReader(query),
		c.es.DeleteByQuery.WithContext(ctx),
		c.es.DeleteByQuery.WithConflicts("proceed"),
		c.es.DeleteByQuery.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return 0, fmt.Errorf("PurgeUser: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		return 0, fmt.Errorf("PurgeUser %s/%d: %s", entity, userID, responseError(res.StatusCode, res.Body))
	}

	var out struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("PurgeUser: decode: %w", err)
	}
	c.logger.Info("purged search documents",
		zap.String("entity", entity),
		zap.Int64("user_id", userID),
		zap.Int64("deleted", out.Deleted),
	)
	return out.Deleted, nil
}

func responseError(status int, body io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(body, 512))
	return fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(b)))
}
