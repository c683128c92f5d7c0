package forward

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mihaimyh/gopolar/pkg/polar"
	"github.com/mihaimyh/gopolar/pkg/polar/webhook"
)

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "polar.events"

// Channel is the subset of *amqp.Channel used for publishing.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQConfig configures the RabbitMQ listener.
type RabbitMQConfig struct {
	// Exchange is the topic exchange name (default: "polar.events")
	Exchange string

	// RoutingKeyPrefix is prepended to the event name, e.g. "billing."
	RoutingKeyPrefix string

	// Filter selects forwarded events (default: SkipLifecycle)
	Filter Filter

	// FailOpen logs publish errors instead of failing the delivery
	FailOpen bool

	Logger polar.Logger
}

// RabbitMQ publishes events to a topic exchange, routed by event name.
type RabbitMQ struct {
	ch     Channel
	config RabbitMQConfig
	closer func() error
}

var _ webhook.Listener = (*RabbitMQ)(nil)

// NewRabbitMQ creates a listener publishing on an existing channel.
func NewRabbitMQ(ch Channel, config RabbitMQConfig) *RabbitMQ {
	if config.Exchange == "" {
		config.Exchange = DefaultExchange
	}
	if config.Filter == nil {
		config.Filter = SkipLifecycle
	}
	if config.Logger == nil {
		config.Logger = &polar.NoopLogger{}
	}
	return &RabbitMQ{ch: ch, config: config}
}

// DialRabbitMQ connects to url, declares the durable topic exchange and
// returns a listener owning the connection.
func DialRabbitMQ(url string, config RabbitMQConfig) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	r := NewRabbitMQ(ch, config)
	err = ch.ExchangeDeclare(
		r.config.Exchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	r.closer = func() error {
		if err := ch.Close(); err != nil {
			r.config.Logger.Warn("error closing channel", polar.ErrorField(err))
		}
		return conn.Close()
	}
	r.config.Logger.Info("RabbitMQ forwarder connected", polar.Field{Key: "exchange", Value: r.config.Exchange})
	return r, nil
}

// Handle implements webhook.Listener.
func (r *RabbitMQ) Handle(ctx context.Context, e webhook.Event) error {
	if !r.config.Filter(e) {
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

	routingKey := r.config.RoutingKeyPrefix + msg.Name
	err = r.ch.PublishWithContext(ctx,
		r.config.Exchange, // exchange
		routingKey,        // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Type:         msg.Name,
			Body:         body,
		},
	)
	if err != nil {
		r.config.Logger.Error("failed to publish event",
			polar.Field{Key: "routing_key", Value: routingKey},
			polar.ErrorField(err),
		)
		if r.config.FailOpen {
			return nil
		}
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	r.config.Logger.Debug("event published",
		polar.Field{Key: "routing_key", Value: routingKey},
		polar.Field{Key: "size", Value: len(body)},
	)
	return nil
}

// Close closes the connection opened by DialRabbitMQ. It is a no-op for
// listeners built with NewRabbitMQ.
func (r *RabbitMQ) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
