package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/gopolar/pkg/polar"
	"github.com/mihaimyh/gopolar/storage/memory"
)

var testUser = polar.BillableRef{ID: "1", Type: "users"}

// recorder captures every published event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Handle(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name()
	}
	return out
}

func (r *recorder) find(name string) Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Name() == name {
			return e
		}
	}
	return nil
}

type harness struct {
	storage    *memory.Storage
	events     *recorder
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, rc ReconcilerConfig) *harness {
	t.Helper()
	storage := memory.New()
	events := &recorder{}
	d, err := NewDispatcher(DispatcherConfig{
		Storage:    storage,
		Publisher:  NewBus(events),
		Reconciler: rc,
	})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	return &harness{storage: storage, events: events, dispatcher: d}
}

// dispatch runs a delivery in the queued {"payload": ...} form.
func (h *harness) dispatch(t *testing.T, eventType string, data any, ts time.Time) error {
	t.Helper()
	return h.dispatcher.Dispatch(context.Background(), envelope(t, eventType, data, ts))
}

func envelope(t *testing.T, eventType string, data any, ts time.Time) Envelope {
	t.Helper()
	env, err := ParseEnvelope(body(t, eventType, data, ts), time.Now())
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	return env
}

func body(t *testing.T, eventType string, data any, ts time.Time) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"payload": map[string]any{
			"type":      eventType,
			"data":      data,
			"timestamp": ts.Format(time.RFC3339),
		},
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return b
}

func ownerMetadata(extra map[string]any) map[string]any {
	m := map[string]any{
		polar.MetadataBillableID:   testUser.ID,
		polar.MetadataBillableType: testUser.Type,
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func customerData(metadata any) map[string]any {
	return map[string]any{
		"id":       "customer_123",
		"metadata": metadata,
	}
}

func orderData(id string, status polar.OrderStatus, refunded int64, metadata any) map[string]any {
	now := time.Now().UTC()
	d := map[string]any{
		"id":                  id,
		"status":              status,
		"amount":              1000,
		"tax_amount":          100,
		"refunded_amount":     refunded,
		"refunded_tax_amount": 0,
		"currency":            "USD",
		"billing_reason":      "purchase",
		"customer_id":         "customer_123",
		"product_id":          "product_123",
		"created_at":          now.Format(time.RFC3339),
		"customer":            customerData(metadata),
	}
	if status.IsRefunded() {
		d["refunded_at"] = now.Format(time.RFC3339)
	}
	return d
}

func subscriptionData(id string, status polar.SubscriptionStatus, productID string) map[string]any {
	return map[string]any{
		"id":                 id,
		"status":             status,
		"product_id":         productID,
		"customer_id":        "customer_123",
		"current_period_end": time.Now().Add(30 * 24 * time.Hour).UTC().Format(time.RFC3339),
		"ends_at":            nil,
	}
}

func grantData() map[string]any {
	return map[string]any{
		"id":          "benefit_grant_123",
		"type":        "custom",
		"customer_id": "customer_123",
		"customer":    customerData(ownerMetadata(nil)),
	}
}

// seedSubscription stores a subscription owned by testUser.
func seedSubscription(t *testing.T, s polar.Storage, polarID string, status polar.SubscriptionStatus) {
	t.Helper()
	if _, err := s.FirstOrCreateCustomer(context.Background(), testUser, ""); err != nil {
		t.Fatalf("FirstOrCreateCustomer failed: %v", err)
	}
	err := s.CreateSubscription(context.Background(), &polar.Subscription{
		Billable:  testUser,
		Type:      polar.DefaultSubscriptionType,
		PolarID:   polarID,
		Status:    status,
		ProductID: "product_123",
	})
	if err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
}

func seedOrder(t *testing.T, s polar.Storage, polarID string) {
	t.Helper()
	err := s.CreateOrder(context.Background(), &polar.Order{
		Billable:  testUser,
		PolarID:   polarID,
		Status:    polar.OrderPaid,
		Amount:    1000,
		Currency:  "USD",
		OrderedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
}
