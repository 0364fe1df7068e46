package dbrouter

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// txDriver is a database/sql driver whose connections only begin, commit and
// roll back transactions.
type txDriver struct {
	commits   atomic.Int32
	rollbacks atomic.Int32
}

func (d *txDriver) Open(string) (driver.Conn, error) { return &txConn{d: d}, nil }

type txConn struct{ d *txDriver }

func (c *txConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *txConn) Close() error                        { return nil }
func (c *txConn) Begin() (driver.Tx, error)           { return &fakeTx{d: c.d}, nil }

type fakeTx struct{ d *txDriver }

func (t *fakeTx) Commit() error   { t.d.commits.Add(1); return nil }
func (t *fakeTx) Rollback() error { t.d.rollbacks.Add(1); return nil }

var (
	primaryDriver = &txDriver{}
	replicaDriver = &txDriver{}
)

func init() {
	sql.Register("dbrouter-primary", primaryDriver)
	sql.Register("dbrouter-replica", replicaDriver)
}

type env struct {
	mr      *miniredis.Miniredis
	primary *sql.DB
	replica *sql.DB
	router  *Router
}

func newEnv(t *testing.T, withReplica bool) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	primary, err := sql.Open("dbrouter-primary", "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = primary.Close() })

	e := &env{mr: mr, primary: primary}
	cfg := Config{Primary: primary, Client: client, Logger: zap.NewNop()}
	if withReplica {
		replica, err := sql.Open("dbrouter-replica", "")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = replica.Close() })
		e.replica = replica
		cfg.Replica = replica
	}
	e.router = New(cfg)
	return e
}

func TestRoute_ReadYourWrites(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	db, target, err := e.router.Route(ctx, http.MethodGet, "alice")
	if err != nil || target != Replica || db != e.replica {
		t.Fatalf("expected replica before any write, got %s (err=%v)", target, err)
	}

	if err := e.router.WithWriteTx(ctx, "alice", func(*sql.Tx) error { return nil }); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	db, target, _ = e.router.Route(ctx, http.MethodGet, "alice")
	if target != Primary || db != e.primary {
		t.Fatalf("expected primary within the lag window, got %s", target)
	}
	if _, target, _ := e.router.Route(ctx, http.MethodGet, "bob"); target != Replica {
		t.Errorf("expected other principals on replica, got %s", target)
	}

	e.mr.FastForward(DefaultLagWindow + time.Second)

	if _, target, _ := e.router.Route(ctx, http.MethodGet, "alice"); target != Replica {
		t.Errorf("expected replica after the lag window, got %s", target)
	}
}

func TestRoute_WritesGoToPrimary(t *testing.T) {
	e := newEnv(t, true)
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		if _, target, _ := e.router.Route(context.Background(), m, "alice"); target != Primary {
			t.Errorf("%s: expected primary, got %s", m, target)
		}
	}
}

func TestRoute_NoReplica(t *testing.T) {
	e := newEnv(t, false)
	db, target, err := e.router.Route(context.Background(), http.MethodGet, "alice")
	if err != nil || target != Primary || db != e.primary {
		t.Errorf("expected primary without replica, got %s (err=%v)", target, err)
	}
}

func TestRoute_MarkerLookupFailureUsesPrimary(t *testing.T) {
	e := newEnv(t, true)
	e.mr.Close()

	_, target, err := e.router.Route(context.Background(), http.MethodGet, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target != Primary {
		t.Errorf("expected primary when the marker store is down, got %s", target)
	}
}

func TestWithWriteTx_FailureDoesNotMark(t *testing.T) {
	e := newEnv(t, true)
	boom := errors.New("boom")
	before := primaryDriver.rollbacks.Load()

	err := e.router.WithWriteTx(context.Background(), "carol", func(*sql.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if primaryDriver.rollbacks.Load() != before+1 {
		t.Error("expected the transaction to be rolled back")
	}
	if e.mr.Exists(MarkerKey("carol")) {
		t.Error("expected no marker after a failed write")
	}
}

func TestMarkWrite_TTL(t *testing.T) {
	e := newEnv(t, true)
	if err := e.router.MarkWrite(context.Background(), "dave"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if ttl := e.mr.TTL(MarkerKey("dave")); ttl != DefaultLagWindow {
		t.Errorf("expected TTL %v, got %v", DefaultLagWindow, ttl)
	}
}
