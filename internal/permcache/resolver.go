package permcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/soulsense/sentinel/internal/version"
	"go.uber.org/zap"
)

var (
	ErrUnknownPrincipal = errors.New("unknown principal")
	ErrUnavailable      = errors.New("permission store unavailable")
)

// Permission is the authoritative authorization state of a principal.
type Permission struct {
	UserID   int64
	Username string
	IsAdmin  bool
	Version  int64
	// Cached is set when the flag was served from the fast store.
	Cached bool
}

// PrincipalStore abstracts the relational lookups for testability.
type PrincipalStore interface {
	LookupPrincipal(ctx context.Context, username string) (*Permission, error)
	UpdateRole(ctx context.Context, userID int64, isAdmin bool) (*Permission, error)
}

// sqlPrincipalStore reads users from the primary database.
type sqlPrincipalStore struct {
	db *sql.DB
}

// NewSQLPrincipalStore returns a PrincipalStore backed by db.
func NewSQLPrincipalStore(db *sql.DB) PrincipalStore {
	return &sqlPrincipalStore{db: db}
}

func (s *sqlPrincipalStore) LookupPrincipal(ctx context.Context, username string) (*Permission, error) {
	p := &Permission{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, is_admin, version FROM users WHERE username = $1`,
		username,
	).Scan(&p.UserID, &p.Username, &p.IsAdmin, &p.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownPrincipal
		}
		return nil, fmt.Errorf("sqlPrincipalStore.LookupPrincipal: %w", err)
	}
	return p, nil
}

func (s *sqlPrincipalStore) UpdateRole(ctx context.Context, userID int64, isAdmin bool) (*Permission, error) {
	p := &Permission{}
	err := s.db.QueryRowContext(ctx,
		`UPDATE users SET is_admin = $2, version = version + 1
		 WHERE id = $1
		 RETURNING id, username, is_admin, version`,
		userID, isAdmin,
	).Scan(&p.UserID, &p.Username, &p.IsAdmin, &p.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownPrincipal
		}
		return nil, fmt.Errorf("sqlPrincipalStore.UpdateRole: %w", err)
	}
	return p, nil
}

// Resolver answers "is this principal an admin" using the cache first and the
// relational store on a miss.
type Resolver struct {
	store    PrincipalStore
	cache    *Cache
	versions *version.Store
	timeout  time.Duration
	logger   *zap.Logger
}

// NewResolver creates a Resolver.
func NewResolver(store PrincipalStore, cache *Cache, versions *version.Store, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:    store,
		cache:    cache,
		versions: versions,
		timeout:  2 * time.Second,
		logger:   logger,
	}
}

// Resolve returns the permission of username. userID may be zero for legacy
// principals, in which case the cache is skipped and the id is resolved from
// the relational store.
func (r *Resolver) Resolve(ctx context.Context, username string, userID int64) (*Permission, error) {
	if userID != 0 {
		lookup, err := r.cache.Get(ctx, username, userID)
		if err != nil {
			r.logger.Warn("permission cache unavailable, using database", zap.Error(err))
		} else if lookup.Hit {
			return &Permission{UserID: userID, Username: username, IsAdmin: lookup.IsAdmin, Cached: true}, nil
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	p, err := r.store.LookupPrincipal(lookupCtx, username)
	if err != nil {
		if errors.Is(err, ErrUnknownPrincipal) {
			return nil, ErrUnknownPrincipal
		}
		r.logger.Warn("permission DB unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := r.cache.Set(ctx, p.Username, p.UserID, p.IsAdmin, p.Version); err != nil {
		r.logger.Debug("permission cache write failed", zap.String("principal", p.Username), zap.Error(err))
	}
	return p, nil
}

// ChangeRole commits a role change and then invalidates every cached copy.
// The version bump happens after commit so a concurrent Resolve that read the
// old row can only ever cache an entry that is already stale.
func (r *Resolver) ChangeRole(ctx context.Context, userID int64, isAdmin bool) (*Permission, error) {
	p, err := r.store.UpdateRole(ctx, userID, isAdmin)
	if err != nil {
		return nil, fmt.Errorf("Resolver.ChangeRole: %w", err)
	}

	id := strconv.FormatInt(userID, 10)
	if _, err := r.versions.Bump(ctx, EntityType, id); err != nil {
		r.logger.Error("version bump failed after role change",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		return p, fmt.Errorf("Resolver.ChangeRole: %w", err)
	}
	if _, err := r.versions.Observe(ctx, EntityType, id, p.Version); err != nil {
		r.logger.Warn("version observe failed after role change", zap.Int64("user_id", userID), zap.Error(err))
	}
	if err := r.cache.Invalidate(ctx, p.Username); err != nil {
		r.logger.Warn("permission invalidate failed", zap.String("principal", p.Username), zap.Error(err))
	}

	r.logger.Info("role changed",
		zap.Int64("user_id", userID),
		zap.Bool("is_admin", isAdmin),
		zap.Int64("version", p.Version),
	)
	return p, nil
}
