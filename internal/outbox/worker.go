package outbox

import (
	"context"
	"time"

	"github.com/soulsense/sentinel/internal/faststore"
	"go.uber.org/zap"
)

// DefaultInterval is how often a Worker polls without wake-ups.
const DefaultInterval = 2 * time.Second

// Worker runs a Relay on an interval and whenever a wake-up arrives.
type Worker struct {
	relay    *Relay
	notifier *faststore.Notifier
	interval time.Duration
	logger   *zap.Logger
}

// NewWorker creates a Worker. notifier may be nil, in which case the worker
// only polls.
func NewWorker(relay *Relay, notifier *faststore.Notifier, interval time.Duration, logger *zap.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{relay: relay, notifier: notifier, interval: interval, logger: logger}
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("outbox relay worker started",
		zap.String("topic", w.relay.Topic()),
		zap.Duration("interval", w.interval),
	)

	var wake <-chan struct{}
	if w.notifier != nil {
		wake = w.notifier.Subscribe(ctx, WakeChannel(w.relay.Topic()))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.drain(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("outbox relay worker stopped", zap.String("topic", w.relay.Topic()))
			return nil
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

// drain relays batches until a batch comes back short.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		claimed, processed, err := w.relay.relayBatch(ctx)
		if err != nil {
			w.logger.Error("outbox relay batch failed",
				zap.String("topic", w.relay.Topic()),
				zap.Error(err),
			)
			return
		}
		if processed > 0 {
			w.logger.Info("relayed outbox events",
				zap.String("topic", w.relay.Topic()),
				zap.Int("count", processed),
			)
		}
		// A full batch with nothing processed is all retries or deferrals;
		// wait for the next tick instead of spinning on it.
		if claimed < w.relay.batchSize || processed == 0 {
			return
		}
	}
}
