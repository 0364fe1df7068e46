package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/soulsense/sentinel/internal/faststore"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newBucket(t *testing.T, policy FailurePolicy) (*miniredis.Miniredis, *TokenBucket, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	clock := newFakeClock()
	b := NewTokenBucket(Config{
		Client: client,
		Bucket: "test",
		Policy: policy,
		Logger: zap.NewNop(),
		Now:    clock.Now,
	})
	return mr, b, clock
}

func TestCheck_AdmitsCapacityThenDenies(t *testing.T) {
	_, b, _ := newBucket(t, FailClosed)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := b.Check(ctx, "tenant-a", 5, 1)
		if err != nil {
			t.Fatalf("check %d: unexpected error: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("check %d: expected allowed", i)
		}
	}

	d, err := b.Check(ctx, "tenant-a", 5, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected 6th check to be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("expected RetryAfter in (0, 1s], got %v", d.RetryAfter)
	}
}

func TestCheck_FractionalCapacityAdmitsFloor(t *testing.T) {
	_, b, _ := newBucket(t, FailClosed)
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 5; i++ {
		d, err := b.Check(ctx, "tenant-a", 2.5, 0.5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Allowed {
			admitted++
		}
	}
	if admitted != 2 {
		t.Errorf("expected 2 admissions, got %d", admitted)
	}
}

func TestCheck_RefillsOverTime(t *testing.T) {
	_, b, clock := newBucket(t, FailClosed)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d, _ := b.Check(ctx, "tenant-a", 3, 0.5); !d.Allowed {
			t.Fatalf("check %d: expected allowed", i)
		}
	}
	if d, _ := b.Check(ctx, "tenant-a", 3, 0.5); d.Allowed {
		t.Fatal("expected bucket to be empty")
	}

	clock.Advance(4 * time.Second)

	admitted := 0
	for i := 0; i < 5; i++ {
		if d, _ := b.Check(ctx, "tenant-a", 3, 0.5); d.Allowed {
			admitted++
		}
	}
	if admitted != 2 {
		t.Errorf("expected 2 admissions after 4s at 0.5/s, got %d", admitted)
	}
}

func TestCheck_RefillNeverExceedsCapacity(t *testing.T) {
	_, b, clock := newBucket(t, FailClosed)
	ctx := context.Background()

	if d, _ := b.Check(ctx, "tenant-a", 2, 1); !d.Allowed {
		t.Fatal("expected allowed")
	}
	clock.Advance(time.Hour)

	admitted := 0
	for i := 0; i < 5; i++ {
		if d, _ := b.Check(ctx, "tenant-a", 2, 1); d.Allowed {
			admitted++
		}
	}
	if admitted != 2 {
		t.Errorf("expected 2 admissions, got %d", admitted)
	}
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	_, b, _ := newBucket(t, FailClosed)
	ctx := context.Background()

	if d, _ := b.Check(ctx, "tenant-a", 1, 0.1); !d.Allowed {
		t.Fatal("expected tenant-a allowed")
	}
	if d, _ := b.Check(ctx, "tenant-a", 1, 0.1); d.Allowed {
		t.Fatal("expected tenant-a denied")
	}
	if d, _ := b.Check(ctx, "tenant-b", 1, 0.1); !d.Allowed {
		t.Fatal("expected tenant-b allowed")
	}
}

func TestCheck_ConcurrentCallersNeverOverspend(t *testing.T) {
	_, b, _ := newBucket(t, FailClosed)
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := b.Check(ctx, "tenant-a", 10, 0.001)
			if err == nil && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 10 {
		t.Errorf("expected exactly 10 admissions, got %d", got)
	}
}

func TestCheck_ZeroCapacityDenies(t *testing.T) {
	_, b, _ := newBucket(t, FailClosed)
	d, err := b.Check(context.Background(), "tenant-a", 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected denial for zero capacity")
	}
}

func TestCheck_StateExpires(t *testing.T) {
	mr, b, _ := newBucket(t, FailClosed)
	ctx := context.Background()

	if _, err := b.Check(ctx, "tenant-a", 4, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ttl := mr.TTL("rl:test:tenant-a"); ttl != 3*time.Second {
		t.Errorf("expected ttl 3s, got %v", ttl)
	}
}

func TestCheck_FailClosed(t *testing.T) {
	mr, b, _ := newBucket(t, FailClosed)
	mr.Close()

	d, err := b.Check(context.Background(), "tenant-a", 5, 1)
	if !errors.Is(err, faststore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got: %v", err)
	}
	if d.Allowed {
		t.Error("expected fail-closed to deny")
	}
	if !d.Degraded {
		t.Error("expected degraded decision")
	}
}

func TestCheck_FailOpen(t *testing.T) {
	mr, b, _ := newBucket(t, FailOpen)
	mr.Close()

	d, err := b.Check(context.Background(), "tenant-a", 5, 1)
	if !errors.Is(err, faststore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got: %v", err)
	}
	if !d.Allowed {
		t.Error("expected fail-open to admit")
	}
}

func TestCheck_FailLocal(t *testing.T) {
	mr, b, _ := newBucket(t, FailLocal)
	mr.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := b.Check(ctx, "10.0.0.1", 3, 0.1)
		if !errors.Is(err, faststore.ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("check %d: expected local bucket to admit", i)
		}
	}
	d, _ := b.Check(ctx, "10.0.0.1", 3, 0.1)
	if d.Allowed {
		t.Fatal("expected local bucket to deny once empty")
	}
}

func TestLocalStore_Cleanup(t *testing.T) {
	clock := newFakeClock()
	s := newLocalStore(clock.Now)
	s.check("k", 1, 1)

	clock.Advance(20 * time.Minute)
	s.cleanup()

	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("expected idle entry to be evicted, got %d entries", n)
	}
}

func TestIPLimiter_UsesAuthBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewIPLimiter(client, zap.NewNop(), nil)
	if !l.Allow(context.Background(), "192.0.2.1").Allowed {
		t.Fatal("expected first request allowed")
	}
	if !mr.Exists("rl:auth:192.0.2.1") {
		t.Error("expected key rl:auth:192.0.2.1")
	}
	if l.Bucket().Policy() != FailLocal {
		t.Errorf("expected FailLocal, got %v", l.Bucket().Policy())
	}
}
