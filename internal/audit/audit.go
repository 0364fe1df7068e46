// Package audit ships audit records to the audit trail. Durable records go
// through the outbox and reach a Publisher via the relay; best-effort records
// (access denials, throttling) go straight to an Emitter.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DefaultTopic is the Kafka topic audit records are written to.
const DefaultTopic = "audit_trail"

// Publisher writes one keyed record synchronously.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes records to a Kafka topic. Records with the same
// key land on the same partition.
type KafkaPublisher struct {
	w      messageWriter
	logger *zap.Logger
}

// NewKafkaPublisher creates a KafkaPublisher. No connection is made until the
// first Publish.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	}
	return &KafkaPublisher{w: w, logger: logger}
}

// Publish blocks until the brokers acknowledge the record.
func (p *KafkaPublisher) Publish(ctx context.Context, key string, value []byte) error {
	err := p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("KafkaPublisher.Publish: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// LogPublisher is a fallback Publisher for local development.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, key string, value []byte) error {
	p.logger.Info("audit_event",
		zap.String("key", key),
		zap.ByteString("record", value),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
