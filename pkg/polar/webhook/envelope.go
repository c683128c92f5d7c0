// Package webhook turns signed Polar webhook deliveries into local state
// changes and typed domain events.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

// Event types routed by the Dispatcher.
const (
	EventOrderCreated         = "order.created"
	EventOrderUpdated         = "order.updated"
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionActive   = "subscription.active"
	EventSubscriptionCanceled = "subscription.canceled"
	EventSubscriptionRevoked  = "subscription.revoked"
	EventBenefitGrantCreated  = "benefit_grant.created"
	EventBenefitGrantUpdated  = "benefit_grant.updated"
	EventBenefitGrantRevoked  = "benefit_grant.revoked"
	EventCheckoutCreated      = "checkout.created"
	EventCheckoutUpdated      = "checkout.updated"
	EventCustomerCreated      = "customer.created"
	EventCustomerUpdated      = "customer.updated"
	EventCustomerDeleted      = "customer.deleted"
	EventCustomerStateChanged = "customer.state_changed"
	EventProductCreated       = "product.created"
	EventProductUpdated       = "product.updated"
	EventBenefitCreated       = "benefit.created"
	EventBenefitUpdated       = "benefit.updated"
)

// KnownEventTypes lists every event type with a handler, in routing order.
var KnownEventTypes = []string{
	EventOrderCreated, EventOrderUpdated,
	EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionActive,
	EventSubscriptionCanceled, EventSubscriptionRevoked,
	EventBenefitGrantCreated, EventBenefitGrantUpdated, EventBenefitGrantRevoked,
	EventCheckoutCreated, EventCheckoutUpdated,
	EventCustomerCreated, EventCustomerUpdated, EventCustomerDeleted, EventCustomerStateChanged,
	EventProductCreated, EventProductUpdated,
	EventBenefitCreated, EventBenefitUpdated,
}

// Envelope is one webhook delivery.
type Envelope struct {
	Type      string
	Data      json.RawMessage
	Timestamp time.Time
	// Raw is the untouched envelope object, carried by the lifecycle events.
	Raw json.RawMessage
}

type rawEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp *time.Time      `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ParseEnvelope parses a delivery body. Both the bare form
// {"type","data","timestamp"} and the queued form {"payload":{...}} are
// accepted. A missing timestamp defaults to now.
func ParseEnvelope(body []byte, now time.Time) (Envelope, error) {
	var env rawEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", polar.ErrInvalidWebhookPayload, err)
	}
	raw := json.RawMessage(body)
	if env.Type == "" && len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
		raw = env.Payload
		env = rawEnvelope{}
		if err := json.Unmarshal(raw, &env); err != nil {
			return Envelope{}, fmt.Errorf("%w: payload: %v", polar.ErrInvalidWebhookPayload, err)
		}
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing event type", polar.ErrInvalidWebhookPayload)
	}
	ts := now
	if env.Timestamp != nil {
		ts = *env.Timestamp
	}
	data := env.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return Envelope{
		Type:      env.Type,
		Data:      data,
		Timestamp: ts,
		Raw:       raw,
	}, nil
}

// NewEnvelope builds an envelope from already-separated parts, e.g. when a
// queue consumer stored the type and data columns individually.
func NewEnvelope(eventType string, data json.RawMessage, timestamp time.Time) (Envelope, error) {
	raw, err := json.Marshal(struct {
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp time.Time       `json:"timestamp"`
	}{eventType, data, timestamp})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: eventType, Data: data, Timestamp: timestamp, Raw: raw}, nil
}
