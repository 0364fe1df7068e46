// Package dbrouter picks the primary or the replica database per request.
//
// Writes go to the primary. Reads go to the replica, except for a principal
// who wrote within the lag window: their reads go to the primary so they see
// their own writes.
package dbrouter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/soulsense/sentinel/internal/faststore"
	"github.com/soulsense/sentinel/internal/metrics"
	"go.uber.org/zap"
)

// DefaultLagWindow is how long reads stay on the primary after a write.
const DefaultLagWindow = 5 * time.Second

// Target names the database a request was routed to.
type Target string

const (
	Primary Target = "primary"
	Replica Target = "replica"
)

// Config configures a Router.
type Config struct {
	Primary *sql.DB
	// Replica is optional; without it every request goes to the primary.
	Replica   *sql.DB
	Client    redis.UniversalClient
	LagWindow time.Duration
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Router routes requests between primary and replica.
type Router struct {
	primary *sql.DB
	replica *sql.DB
	client  redis.UniversalClient
	window  time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a Router.
func New(cfg Config) *Router {
	r := &Router{
		primary: cfg.Primary,
		replica: cfg.Replica,
		client:  cfg.Client,
		window:  cfg.LagWindow,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if r.window <= 0 {
		r.window = DefaultLagWindow
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// MarkerKey is the fast store key of principal's recent-write marker.
func MarkerKey(principal string) string {
	return "recent_write:" + principal
}

// IsWrite reports whether method mutates state.
func IsWrite(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

// Primary returns the primary handle.
func (r *Router) Primary() *sql.DB {
	return r.primary
}

// Route returns the handle for a request with method by principal. An empty
// principal has no marker and reads from the replica.
func (r *Router) Route(ctx context.Context, method, principal string) (*sql.DB, Target, error) {
	switch {
	case r.replica == nil:
		r.metrics.Route(string(Primary), "no_replica")
		return r.primary, Primary, nil
	case IsWrite(method):
		r.metrics.Route(string(Primary), "write")
		return r.primary, Primary, nil
	case principal == "" || r.client == nil:
		r.metrics.Route(string(Replica), "read")
		return r.replica, Replica, nil
	}

	n, err := r.client.Exists(ctx, MarkerKey(principal)).Result()
	if err != nil {
		// Without the marker we cannot rule out a recent write.
		r.logger.Warn("recent write marker lookup failed, routing to primary",
			zap.String("principal", principal),
			zap.Error(faststore.Classify(err)),
		)
		r.metrics.Route(string(Primary), "marker_unavailable")
		return r.primary, Primary, nil
	}
	if n > 0 {
		r.metrics.Route(string(Primary), "recent_write")
		return r.primary, Primary, nil
	}
	r.metrics.Route(string(Replica), "read")
	return r.replica, Replica, nil
}

// MarkWrite records that principal just committed a write.
func (r *Router) MarkWrite(ctx context.Context, principal string) error {
	if r.client == nil || principal == "" {
		return nil
	}
	if err := r.client.Set(ctx, MarkerKey(principal), "1", r.window).Err(); err != nil {
		return fmt.Errorf("MarkWrite: %w", faststore.Classify(err))
	}
	return nil
}

// WithWriteTx runs fn in a primary transaction and marks principal after a
// successful commit. A failed mark is logged; the write itself succeeded.
func (r *Router) WithWriteTx(ctx context.Context, principal string, fn func(tx *sql.Tx) error) error {
	tx, err := r.primary.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("WithWriteTx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("WithWriteTx: commit: %w", err)
	}

	if err := r.MarkWrite(ctx, principal); err != nil {
		r.logger.Warn("recent write marker not set, replica reads may lag",
			zap.String("principal", principal),
			zap.Error(err),
		)
	}
	return nil
}
