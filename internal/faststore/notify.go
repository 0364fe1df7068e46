package faststore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier publishes and receives wake-up signals over Redis pub/sub.
// Signals carry no data; losing one only delays the receiver until its next
// poll.
type Notifier struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewNotifier creates a Notifier on the given client.
func NewNotifier(client redis.UniversalClient, logger *zap.Logger) *Notifier {
	return &Notifier{client: client, logger: logger}
}

// Notify publishes a wake-up on channel.
func (n *Notifier) Notify(ctx context.Context, channel string) error {
	if err := n.client.Publish(ctx, channel, "1").Err(); err != nil {
		return fmt.Errorf("Notifier.Notify: %w", Classify(err))
	}
	return nil
}

// Subscribe returns a channel that receives one value per wake-up until ctx is
// done. Signals are coalesced when the receiver is busy.
func (n *Notifier) Subscribe(ctx context.Context, channel string) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := n.client.Subscribe(ctx, channel)

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					n.logger.Warn("wake-up subscription closed", zap.String("channel", channel))
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out
}
