package webhook

import (
	"encoding/json"
	"time"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

// Lifecycle event names. Typed events are named after the webhook type that
// produced them.
const (
	NameWebhookReceived = "webhook.received"
	NameWebhookHandled  = "webhook.handled"
)

// Event is a notification emitted by the Dispatcher.
type Event interface {
	Name() string
	EventMeta() Meta
}

// OwnedEvent is implemented by events resolved to a billable.
type OwnedEvent interface {
	Event
	Billable() polar.Billable
}

// Meta identifies the delivery an event came from.
type Meta struct {
	Type      string
	Timestamp time.Time
}

func (m Meta) EventMeta() Meta { return m }

// WebhookReceived is emitted before any processing of a delivery.
type WebhookReceived struct {
	Meta
	Payload json.RawMessage
}

// WebhookHandled is emitted after a delivery was processed without error,
// including unknown event types and updates for unknown aggregates.
type WebhookHandled struct {
	Meta
	Payload json.RawMessage
}

func (WebhookReceived) Name() string { return NameWebhookReceived }
func (WebhookHandled) Name() string  { return NameWebhookHandled }

// OrderEvent carries the resolved owner, the local order and the payload.
type OrderEvent struct {
	Meta
	Owner   polar.Billable
	Order   *polar.Order
	Payload *Order
}

func (e OrderEvent) Billable() polar.Billable { return e.Owner }

type OrderCreated struct{ OrderEvent }

type OrderUpdated struct {
	OrderEvent
	IsRefunded bool
}

func (OrderCreated) Name() string { return EventOrderCreated }
func (OrderUpdated) Name() string { return EventOrderUpdated }

// SubscriptionEvent carries the resolved owner, the local subscription and
// the payload.
type SubscriptionEvent struct {
	Meta
	Owner        polar.Billable
	Subscription *polar.Subscription
	Payload      *Subscription
}

func (e SubscriptionEvent) Billable() polar.Billable { return e.Owner }

type (
	SubscriptionCreated  struct{ SubscriptionEvent }
	SubscriptionUpdated  struct{ SubscriptionEvent }
	SubscriptionActive   struct{ SubscriptionEvent }
	SubscriptionCanceled struct{ SubscriptionEvent }
	SubscriptionRevoked  struct{ SubscriptionEvent }
)

func (SubscriptionCreated) Name() string  { return EventSubscriptionCreated }
func (SubscriptionUpdated) Name() string  { return EventSubscriptionUpdated }
func (SubscriptionActive) Name() string   { return EventSubscriptionActive }
func (SubscriptionCanceled) Name() string { return EventSubscriptionCanceled }
func (SubscriptionRevoked) Name() string  { return EventSubscriptionRevoked }

// BenefitGrantEvent carries the resolved owner and the grant payload.
type BenefitGrantEvent struct {
	Meta
	Owner   polar.Billable
	Payload *BenefitGrant
}

func (e BenefitGrantEvent) Billable() polar.Billable { return e.Owner }

type (
	BenefitGrantCreated struct{ BenefitGrantEvent }
	BenefitGrantUpdated struct{ BenefitGrantEvent }
	BenefitGrantRevoked struct{ BenefitGrantEvent }
)

func (BenefitGrantCreated) Name() string { return EventBenefitGrantCreated }
func (BenefitGrantUpdated) Name() string { return EventBenefitGrantUpdated }
func (BenefitGrantRevoked) Name() string { return EventBenefitGrantRevoked }

// Organization-scoped events carry only the payload.
type (
	CheckoutCreated struct {
		Meta
		Payload *Checkout
	}
	CheckoutUpdated struct {
		Meta
		Payload *Checkout
	}
	CustomerCreated struct {
		Meta
		Payload *Customer
	}
	CustomerUpdated struct {
		Meta
		Payload *Customer
	}
	CustomerDeleted struct {
		Meta
		Payload *Customer
	}
	CustomerStateChanged struct {
		Meta
		Payload *CustomerState
	}
	ProductCreated struct {
		Meta
		Payload *Product
	}
	ProductUpdated struct {
		Meta
		Payload *Product
	}
	BenefitCreated struct {
		Meta
		Payload *Benefit
	}
	BenefitUpdated struct {
		Meta
		Payload *Benefit
	}
)

func (CheckoutCreated) Name() string      { return EventCheckoutCreated }
func (CheckoutUpdated) Name() string      { return EventCheckoutUpdated }
func (CustomerCreated) Name() string      { return EventCustomerCreated }
func (CustomerUpdated) Name() string      { return EventCustomerUpdated }
func (CustomerDeleted) Name() string      { return EventCustomerDeleted }
func (CustomerStateChanged) Name() string { return EventCustomerStateChanged }
func (ProductCreated) Name() string       { return EventProductCreated }
func (ProductUpdated) Name() string       { return EventProductUpdated }
func (BenefitCreated) Name() string       { return EventBenefitCreated }
func (BenefitUpdated) Name() string       { return EventBenefitUpdated }

// PayloadOf returns the typed payload of e, or nil for lifecycle events.
func PayloadOf(e Event) Payload {
	switch ev := e.(type) {
	case OrderCreated:
		return ev.Payload
	case OrderUpdated:
		return ev.Payload
	case SubscriptionCreated:
		return ev.Payload
	case SubscriptionUpdated:
		return ev.Payload
	case SubscriptionActive:
		return ev.Payload
	case SubscriptionCanceled:
		return ev.Payload
	case SubscriptionRevoked:
		return ev.Payload
	case BenefitGrantCreated:
		return ev.Payload
	case BenefitGrantUpdated:
		return ev.Payload
	case BenefitGrantRevoked:
		return ev.Payload
	case CheckoutCreated:
		return ev.Payload
	case CheckoutUpdated:
		return ev.Payload
	case CustomerCreated:
		return ev.Payload
	case CustomerUpdated:
		return ev.Payload
	case CustomerDeleted:
		return ev.Payload
	case CustomerStateChanged:
		return ev.Payload
	case ProductCreated:
		return ev.Payload
	case ProductUpdated:
		return ev.Payload
	case BenefitCreated:
		return ev.Payload
	case BenefitUpdated:
		return ev.Payload
	default:
		return nil
	}
}
