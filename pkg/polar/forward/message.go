// Package forward publishes dispatched webhook events to message brokers so
// other services can react to billing changes.
package forward

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mihaimyh/gopolar/pkg/polar/webhook"
)

// Message is the broker representation of a dispatched event.
type Message struct {
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	BillableID   string          `json:"billable_id,omitempty"`
	BillableType string          `json:"billable_type,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// NewMessage converts e into a Message. Lifecycle events carry the raw
// webhook payload, typed events their decoded payload.
func NewMessage(e webhook.Event) (*Message, error) {
	meta := e.EventMeta()
	msg := &Message{
		Name:      e.Name(),
		Type:      meta.Type,
		Timestamp: meta.Timestamp,
	}

	if owned, ok := e.(webhook.OwnedEvent); ok && owned.Billable() != nil {
		msg.BillableID = owned.Billable().BillableID()
		msg.BillableType = owned.Billable().BillableType()
	}

	switch ev := e.(type) {
	case webhook.WebhookReceived:
		msg.Data = ev.Payload
	case webhook.WebhookHandled:
		msg.Data = ev.Payload
	default:
		data, err := json.Marshal(webhook.PayloadOf(e))
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", e.Name(), err)
		}
		msg.Data = data
	}
	if len(msg.Data) == 0 {
		msg.Data = json.RawMessage("null")
	}
	return msg, nil
}

// Key partitions messages by billable so one owner's events stay ordered.
// Organization-scoped events fall back to the webhook type.
func (m *Message) Key() string {
	if m.BillableType != "" {
		return m.BillableType + ":" + m.BillableID
	}
	return m.Type
}

func (m *Message) encode() ([]byte, error) {
	return json.Marshal(m)
}

// Filter reports whether an event should be forwarded.
type Filter func(e webhook.Event) bool

// SkipLifecycle forwards everything except webhook.received and
// webhook.handled.
func SkipLifecycle(e webhook.Event) bool {
	switch e.(type) {
	case webhook.WebhookReceived, webhook.WebhookHandled:
		return false
	}
	return true
}

// Names forwards only events with one of the given names.
func Names(names ...string) Filter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(e webhook.Event) bool {
		_, ok := set[e.Name()]
		return ok
	}
}
