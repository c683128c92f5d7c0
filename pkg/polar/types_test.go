package polar

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscription_StatusPredicates(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name  string
		sub   Subscription
		valid bool
		grace bool
	}{
		{name: "active", sub: Subscription{Status: SubscriptionActive}, valid: true},
		{name: "trialing", sub: Subscription{Status: SubscriptionTrialing}, valid: true},
		{name: "past due", sub: Subscription{Status: SubscriptionPastDue}, valid: true},
		{name: "canceled in grace", sub: Subscription{Status: SubscriptionCanceled, EndsAt: &future}, valid: true, grace: true},
		{name: "canceled ended", sub: Subscription{Status: SubscriptionCanceled, EndsAt: &past}},
		{name: "canceled no end", sub: Subscription{Status: SubscriptionCanceled}},
		{name: "incomplete", sub: Subscription{Status: SubscriptionIncomplete}},
		{name: "incomplete expired", sub: Subscription{Status: SubscriptionIncompleteExpired}},
		{name: "unpaid", sub: Subscription{Status: SubscriptionUnpaid}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.sub.Valid(now))
			assert.Equal(t, tt.grace, tt.sub.OnGracePeriod(now))
		})
	}
}

func TestSubscription_HasExpiredTrial(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, (&Subscription{TrialEndsAt: &past}).HasExpiredTrial(now))
	assert.False(t, (&Subscription{TrialEndsAt: &future}).HasExpiredTrial(now))
	assert.False(t, (&Subscription{}).HasExpiredTrial(now))
}

func TestCustomer_GenericTrial(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	var missing *Customer
	assert.False(t, missing.OnGenericTrial(now))
	assert.False(t, missing.Linked())

	onTrial := &Customer{TrialEndsAt: &future}
	assert.True(t, onTrial.OnGenericTrial(now))
	assert.False(t, onTrial.HasExpiredGenericTrial(now))

	expired := &Customer{TrialEndsAt: &past, PolarID: "cus_1"}
	assert.False(t, expired.OnGenericTrial(now))
	assert.True(t, expired.HasExpiredGenericTrial(now))
	assert.True(t, expired.Linked())
}

func TestStatusUnmarshal(t *testing.T) {
	var s SubscriptionStatus
	require.NoError(t, json.Unmarshal([]byte(`"past_due"`), &s))
	assert.Equal(t, SubscriptionPastDue, s)
	assert.ErrorIs(t, json.Unmarshal([]byte(`"Active"`), &s), ErrUnknownSubscriptionStatus)

	var o OrderStatus
	require.NoError(t, json.Unmarshal([]byte(`"partially_refunded"`), &o))
	assert.True(t, o.IsRefunded())
	assert.ErrorIs(t, json.Unmarshal([]byte(`"void"`), &o), ErrUnknownOrderStatus)
	assert.False(t, OrderPaid.IsRefunded())
}

func TestOrderSync_Apply(t *testing.T) {
	orderedAt := time.Now().Add(-time.Hour)
	o := &Order{PolarID: "ord_1", OrderedAt: orderedAt, Status: OrderPaid}
	refundedAt := time.Now()

	OrderSync{Status: OrderPartiallyRefunded, RefundedAmount: 500, RefundedAt: &refundedAt}.Apply(o)

	assert.True(t, o.PartiallyRefunded())
	assert.Equal(t, int64(500), o.RefundedAmount)
	assert.Equal(t, &refundedAt, o.RefundedAt)
	assert.True(t, o.OrderedAt.Equal(orderedAt))
	assert.Equal(t, "ord_1", o.PolarID)
}

func TestMetadataValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{nil, "", false},
		{"42", "42", true},
		{float64(42), "42", true},
		{1.5, "1.5", true},
		{int64(7), "7", true},
		{true, "true", true},
	}
	for _, tt := range tests {
		got, ok := MetadataValue(tt.in)
		assert.Equal(t, tt.ok, ok)
		assert.Equal(t, tt.want, got)
	}
}

func TestRefOf(t *testing.T) {
	ref := BillableRef{ID: "1", Type: "users"}
	assert.Equal(t, ref, RefOf(ref))
	assert.Equal(t, "users:1", ref.String())
}

func TestErrors(t *testing.T) {
	apiErr := &APIError{Status: 422, Detail: "invalid product"}
	assert.ErrorIs(t, apiErr, ErrProviderAPIError)
	assert.Contains(t, apiErr.Error(), "422")

	custErr := &InvalidCustomerError{Billable: BillableRef{ID: "1", Type: "users"}}
	assert.ErrorIs(t, custErr, ErrInvalidCustomer)
	assert.Contains(t, custErr.Error(), "users:1")

	decErr := &DecodeError{EventType: "order.created", Field: "id", Err: ErrUnknownOrderStatus}
	assert.ErrorIs(t, decErr, ErrInvalidWebhookPayload)
	assert.ErrorIs(t, decErr, ErrUnknownOrderStatus)
	assert.Equal(t, "decode order.created: field id: unknown order status", decErr.Error())
}

func TestLogFields(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, Field{Key: "error", Value: err}, ErrorField(err))
	assert.Equal(t, Field{Key: "billable", Value: "teams:7"}, BillableField(BillableRef{ID: "7", Type: "teams"}))
}
