package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/soulsense/sentinel/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBatchSize is the maximum number of events claimed per batch.
const DefaultBatchSize = 50

// Handler delivers one event to an external system. Implementations must be
// idempotent: an event may be delivered more than once.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// EntityKeyer is implemented by handlers whose events refer to a logical
// entity. After a failure, later events for the same entity in the batch are
// left pending so they are never applied ahead of the failed one.
type EntityKeyer interface {
	EntityKey(ev Event) string
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	Store     Store
	Topic     string
	Handler   Handler
	Validator *Validator
	BatchSize int           // Default: 50
	Timeout   time.Duration // per handler call. Default: 5s
	// Limiter paces handler calls. Optional.
	Limiter *rate.Limiter
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Relay moves pending events of one topic to its handler.
type Relay struct {
	store     Store
	topic     string
	handler   Handler
	validator *Validator
	batchSize int
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewRelay creates a Relay.
func NewRelay(cfg RelayConfig) *Relay {
	r := &Relay{
		store:     cfg.Store,
		topic:     cfg.Topic,
		handler:   cfg.Handler,
		validator: cfg.Validator,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
		limiter:   cfg.Limiter,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Second
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Topic returns the topic this relay drains.
func (r *Relay) Topic() string { return r.topic }

// RelayBatch claims one batch of pending events, delivers them in id order
// and commits all status transitions together. It returns the number of
// events marked processed.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	_, processed, err := r.relayBatch(ctx)
	return processed, err
}

func (r *Relay) relayBatch(ctx context.Context) (claimed, processed int, err error) {
	start := time.Now()
	defer func() { r.metrics.OutboxBatch(r.topic, time.Since(start).Seconds()) }()

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("Relay.RelayBatch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// One active poller per topic: a second poller that skipped locked rows
	// could deliver a later event for the same entity first.
	locked, err := tx.TryLock(ctx, r.topic)
	if err != nil {
		return 0, 0, fmt.Errorf("Relay.RelayBatch: %w", err)
	}
	if !locked {
		_ = tx.Rollback()
		return 0, 0, nil
	}

	events, err := tx.Claim(ctx, r.topic, r.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("Relay.RelayBatch: %w", err)
	}
	if len(events) == 0 {
		_ = tx.Rollback()
		return 0, 0, nil
	}

	keyer, _ := r.handler.(EntityKeyer)
	blocked := make(map[string]bool)

	for _, ev := range events {
		var key string
		if keyer != nil {
			key = keyer.EntityKey(ev)
			if key != "" && blocked[key] {
				r.metrics.OutboxEvent(r.topic, "deferred")
				continue
			}
		}

		if r.validator != nil {
			if verr := r.validator.Validate(ev.Topic, ev.Payload); verr != nil {
				r.logger.Error("outbox event rejected by schema",
					zap.Int64("event_id", ev.ID),
					zap.String("topic", ev.Topic),
					zap.Error(verr),
				)
				if err = tx.MarkRetry(ctx, ev.ID, ev.RetryCount, StatusFailed, verr.Error()); err != nil {
					return 0, 0, fmt.Errorf("Relay.RelayBatch: %w", err)
				}
				r.metrics.OutboxEvent(r.topic, "invalid")
				continue
			}
		}

		if herr := r.deliver(ctx, ev); herr != nil {
			if key != "" {
				blocked[key] = true
			}
			retries := ev.RetryCount + 1
			status := StatusPending
			if retries >= MaxRetries {
				status = StatusFailed
				r.logger.Error("outbox event quarantined",
					zap.Int64("event_id", ev.ID),
					zap.String("topic", ev.Topic),
					zap.Int("retry_count", retries),
					zap.Error(herr),
				)
				r.metrics.OutboxEvent(r.topic, "failed")
			} else {
				r.logger.Warn("outbox relay failed",
					zap.Int64("event_id", ev.ID),
					zap.String("topic", ev.Topic),
					zap.Int("retry_count", retries),
					zap.Error(herr),
				)
				r.metrics.OutboxEvent(r.topic, "retry")
			}
			if err = tx.MarkRetry(ctx, ev.ID, retries, status, herr.Error()); err != nil {
				return 0, 0, fmt.Errorf("Relay.RelayBatch: %w", err)
			}
			continue
		}

		if err = tx.MarkProcessed(ctx, ev.ID, r.now().UTC()); err != nil {
			return 0, 0, fmt.Errorf("Relay.RelayBatch: %w", err)
		}
		r.metrics.OutboxEvent(r.topic, "processed")
		processed++
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("Relay.RelayBatch commit: %w", err)
	}
	return len(events), processed, nil
}

func (r *Relay) deliver(ctx context.Context, ev Event) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("pacing: %w", err)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.handler.Handle(callCtx, ev)
}
