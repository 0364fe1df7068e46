// Package vector purges a user's embeddings from the vector and search stores.
package vector

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"go.uber.org/zap"
)

// Purger removes everything a user owns from one store. Purging a user with
// nothing stored succeeds.
type Purger interface {
	PurgeUser(ctx context.Context, userID int64) error
}

// WeaviateConfig configures a WeaviatePurger.
type WeaviateConfig struct {
	Host    string
	Scheme  string
	Classes []string
}

// WeaviatePurger batch-deletes objects whose user_id property matches.
type WeaviatePurger struct {
	client  *weaviate.Client
	classes []string
	logger  *zap.Logger
}

// NewWeaviatePurger creates a WeaviatePurger.
func NewWeaviatePurger(cfg WeaviateConfig, logger *zap.Logger) (*WeaviatePurger, error) {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme})
	if err != nil {
		return nil, fmt.Errorf("NewWeaviatePurger: %w", err)
	}
	return &WeaviatePurger{client: client, classes: cfg.Classes, logger: logger}, nil
}

// PurgeUser deletes the user's objects from every configured class.
func (p *WeaviatePurger) PurgeUser(ctx context.Context, userID int64) error {
	where := filters.Where().
		WithPath([]string{"user_id"}).
		WithOperator(filters.Equal).
		WithValueInt(userID)

	for _, class := range p.classes {
		resp, err := p.client.Batch().ObjectsBatchDeleter().
			WithClassName(class).
			WithWhere(where).
			WithOutput("minimal").
			Do(ctx)
		if err != nil {
			return fmt.Errorf("WeaviatePurger.PurgeUser %s: %w", class, err)
		}
		if resp == nil || resp.Results == nil {
			continue
		}
		if resp.Results.Failed > 0 {
			return fmt.Errorf("WeaviatePurger.PurgeUser %s: %d objects failed to delete", class, resp.Results.Failed)
		}
		p.logger.Info("purged vectors",
			zap.String("class", class),
			zap.Int64("user_id", userID),
			zap.Int64("deleted", resp.Results.Successful),
		)
	}
	return nil
}

// SearchIndex is the subset of the search client used for purging.
type SearchIndex interface {
	PurgeUser(ctx context.Context, entity string, userID int64) (int64, error)
}

// SearchPurger removes a user's documents from the search index.
type SearchPurger struct {
	index    SearchIndex
	entities []string
}

// NewSearchPurger creates a SearchPurger over the given entity indices.
func NewSearchPurger(index SearchIndex, entities ...string) *SearchPurger {
	return &SearchPurger{index: index, entities: entities}
}

func (p *SearchPurger) PurgeUser(ctx context.Context, userID int64) error {
	for _, entity := range p.entities {
		if _, err := p.index.PurgeUser(ctx, entity, userID); err != nil {
			return err
		}
	}
	return nil
}

// Multi runs every purger in order and stops at the first failure.
type Multi []Purger

func (m Multi) PurgeUser(ctx context.Context, userID int64) error {
	for _, p := range m {
		if err := p.PurgeUser(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// Noop is used when no vector store is configured.
type Noop struct{}

func (Noop) PurgeUser(context.Context, int64) error { return nil }
