package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// localStore keeps per-process buckets used while the fast store is down.
// Limits are per instance, so the effective cluster-wide rate is multiplied by
// the number of instances during an outage.
type localStore struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	idleTTL time.Duration
	now     func() time.Time
}

type localEntry struct {
	lim      *rate.Limiter
	capacity float64
	refill   float64
	lastSeen time.Time
}

func newLocalStore(now func() time.Time) *localStore {
	return &localStore{
		entries: make(map[string]*localEntry),
		idleTTL: 15 * time.Minute,
		now:     now,
	}
}

func (s *localStore) check(key string, capacity, refillRate float64) Decision {
	now := s.now()

	s.mu.Lock()
	ent, ok := s.entries[key]
	if !ok || ent.capacity != capacity || ent.refill != refillRate {
		ent = &localEntry{
			lim:      rate.NewLimiter(rate.Limit(refillRate), int(capacity)),
			capacity: capacity,
			refill:   refillRate,
		}
		s.entries[key] = ent
	}
	ent.lastSeen = now
	lim := ent.lim
	s.mu.Unlock()

	if lim.AllowN(now, 1) {
		return Decision{Allowed: true, Remaining: lim.TokensAt(now)}
	}
	remaining := lim.TokensAt(now)
	return Decision{Allowed: false, Remaining: remaining, RetryAfter: retryAfter(remaining, refillRate)}
}

func (s *localStore) cleanup() {
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor evicts idle local buckets every interval until ctx is done.
// It is a no-op unless the policy is FailLocal.
func (b *TokenBucket) StartJanitor(ctx context.Context, every time.Duration) {
	if b.local == nil || every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				b.local.cleanup()
			}
		}
	}()
}
