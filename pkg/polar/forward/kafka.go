package forward

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mihaimyh/gopolar/pkg/polar"
	"github.com/mihaimyh/gopolar/pkg/polar/webhook"
)

// Writer is the subset of *kafka.Writer used for publishing.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaConfig configures the Kafka listener.
type KafkaConfig struct {
	// Filter selects forwarded events (default: SkipLifecycle)
	Filter Filter

	// FailOpen logs write errors instead of failing the delivery
	FailOpen bool

	Logger polar.Logger
}

// Kafka writes events to a topic keyed by billable.
type Kafka struct {
	w      Writer
	config KafkaConfig
}

var _ webhook.Listener = (*Kafka)(nil)

// NewKafka creates a listener writing through w.
func NewKafka(w Writer, config KafkaConfig) *Kafka {
	if config.Filter == nil {
		config.Filter = SkipLifecycle
	}
	if config.Logger == nil {
		config.Logger = &polar.NoopLogger{}
	}
	return &Kafka{w: w, config: config}
}

// NewKafkaWriter returns a synchronous writer hashing keys to partitions.
// Synchronous writes let a failed publish fail the webhook delivery.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
}

// Handle implements webhook.Listener.
func (k *Kafka) Handle(ctx context.Context, e webhook.Event) error {
	if !k.config.Filter(e) {
		return nil
	}

	msg, err := NewMessage(e)
	if err != nil {
		return err
	}
	body, err := msg.encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Key()),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(msg.Name)},
			{Key: "content-type", Value: []byte("application/json")},
		},
	})
	if err != nil {
		k.config.Logger.Error("failed to write event",
			polar.Field{Key: "event", Value: msg.Name},
			polar.ErrorField(err),
		)
		if k.config.FailOpen {
			return nil
		}
		return fmt.Errorf("failed to write %s: %w", msg.Name, err)
	}
	return nil
}
