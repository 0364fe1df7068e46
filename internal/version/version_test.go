package version

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/soulsense/sentinel/internal/faststore"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewStore(client)
}

func TestCurrent_DefaultsToZero(t *testing.T) {
	_, s := newTestStore(t)
	v, err := s.Current(context.Background(), "user", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0 {
		t.Errorf("expected 0, got %d", v)
	}
}

func TestBump_IsMonotonic(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 3; i++ {
		v, err := s.Bump(ctx, "user", "u1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v <= last {
			t.Fatalf("expected version > %d, got %d", last, v)
		}
		last = v
	}

	cur, _ := s.Current(ctx, "user", "u1")
	if cur != 3 {
		t.Errorf("expected 3, got %d", cur)
	}
}

func TestObserve_NeverLowers(t *testing.T) {
	mr, s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Observe(ctx, "user", "u1", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 7 {
		t.Errorf("expected 7, got %d", v)
	}

	v, _ = s.Observe(ctx, "user", "u1", 4)
	if v != 7 {
		t.Errorf("expected observe of older version to keep 7, got %d", v)
	}

	got, _ := mr.Get("ver:user:u1")
	if got != "7" {
		t.Errorf("expected stored 7, got %q", got)
	}
}

func TestStore_Unavailable(t *testing.T) {
	mr, s := newTestStore(t)
	mr.Close()

	if _, err := s.Current(context.Background(), "user", "u1"); !errors.Is(err, faststore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got: %v", err)
	}
	if _, err := s.Bump(context.Background(), "user", "u1"); !errors.Is(err, faststore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got: %v", err)
	}
}
