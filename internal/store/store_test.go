package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"
	"testing"
)

// execDriver records every Exec and fails the one containing failOn.
type execDriver struct {
	mu     sync.Mutex
	execs  []string
	failOn string
}

func (d *execDriver) Open(string) (driver.Conn, error) { return &execConn{d: d}, nil }

type execConn struct{ d *execDriver }

func (c *execConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *execConn) Close() error                        { return nil }
func (c *execConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

func (c *execConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.d.failOn != "" && strings.Contains(query, c.d.failOn) {
		return nil, errors.New("syntax error")
	}
	c.d.execs = append(c.d.execs, query)
	return driver.RowsAffected(0), nil
}

func openExecDB(t *testing.T, name string, d *execDriver) *sql.DB {
	t.Helper()
	sql.Register(name, d)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrate_AppliesAllStatements(t *testing.T) {
	d := &execDriver{}
	db := openExecDB(t, "store-migrate-ok", d)

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if len(d.execs) != len(schema) {
		t.Fatalf("expected %d statements, got %d", len(schema), len(d.execs))
	}
	// Referenced tables come first.
	if !strings.Contains(d.execs[0], "TABLE IF NOT EXISTS users") {
		t.Errorf("expected users table first, got %q", d.execs[0])
	}
}

func TestMigrate_StopsAtFailure(t *testing.T) {
	d := &execDriver{failOn: "outbox_events"}
	db := openExecDB(t, "store-migrate-fail", d)

	err := Migrate(context.Background(), db)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, q := range d.execs {
		if strings.Contains(q, "gdpr_scrub_logs") {
			t.Error("expected statements after the failure to be skipped")
		}
	}
}

func TestSchema_ScrubLogSerializesPerUser(t *testing.T) {
	for _, stmt := range schema {
		if strings.Contains(stmt, "gdpr_scrub_logs (") {
			if !strings.Contains(stmt, "user_id          BIGINT NOT NULL UNIQUE") {
				t.Error("expected a unique user_id on gdpr_scrub_logs")
			}
			return
		}
	}
	t.Fatal("gdpr_scrub_logs table missing from schema")
}
