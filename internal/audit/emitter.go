package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	emitBuffer   = 1024
	publishLimit = 5 * time.Second
)

// Record is a best-effort audit record.
type Record struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Emitter publishes records from a background goroutine.
// Emit() is non-blocking; records are dropped when the buffer is full.
type Emitter struct {
	pub    Publisher
	buffer chan Record
	done   chan struct{}
	logger *zap.Logger
}

// NewEmitter starts an Emitter over pub.
func NewEmitter(pub Publisher, logger *zap.Logger) *Emitter {
	e := &Emitter{
		pub:    pub,
		buffer: make(chan Record, emitBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go e.loop()
	return e
}

// Emit queues a record. A nil Emitter discards it.
func (e *Emitter) Emit(eventType string, data map[string]any) {
	if e == nil {
		return
	}
	r := Record{
		ID:         uuid.NewString(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
	select {
	case e.buffer <- r:
	default:
		e.logger.Warn("audit buffer full, dropping record", zap.String("event_type", eventType))
	}
}

// Close publishes what is queued and stops the loop. Safe to call once.
func (e *Emitter) Close() {
	close(e.buffer)
	<-e.done
}

func (e *Emitter) loop() {
	defer close(e.done)
	for r := range e.buffer {
		e.publish(r)
	}
}

func (e *Emitter) publish(r Record) {
	value, err := json.Marshal(r)
	if err != nil {
		e.logger.Error("audit record encode failed", zap.String("event_type", r.EventType), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishLimit)
	defer cancel()
	if err := e.pub.Publish(ctx, r.EventType+":"+r.ID, value); err != nil {
		e.logger.Error("audit publish failed", zap.String("event_type", r.EventType), zap.Error(err))
	}
}
