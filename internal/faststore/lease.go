package faststore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLeaseHeld is returned when another holder owns the lease.
	ErrLeaseHeld = errors.New("lease held by another owner")
	// ErrLeaseLost is returned by Extend once the lease expired or changed hands.
	ErrLeaseLost = errors.New("lease lost")
)

// releaseScript deletes the key only if it still carries our token, so an
// expired lease re-acquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Lease is a single-owner, expiring lock in the fast store.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// AcquireLease takes the lease at key for ttl. It returns ErrLeaseHeld when the
// key is already owned, or an ErrUnavailable-wrapped error on store failure.
func AcquireLease(ctx context.Context, client redis.UniversalClient, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("AcquireLease: %w", Classify(err))
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return &Lease{client: client, key: key, token: token}, nil
}

// Release gives the lease back. Releasing an expired lease is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("Lease.Release: %w", Classify(err))
	}
	return nil
}

// Extend resets the lease's expiry to ttl from now. It returns ErrLeaseLost
// when the key no longer carries our token.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("Lease.Extend: %w", Classify(err))
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
