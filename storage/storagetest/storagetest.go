// Package storagetest holds the behavioral checks every polar.Storage
// backend must pass. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

// Factory returns an empty storage. It is called once per subtest.
type Factory func(t *testing.T) polar.Storage

var (
	user = polar.BillableRef{ID: "42", Type: "users"}
	team = polar.BillableRef{ID: "7", Type: "teams"}
)

// Run executes the conformance suite against the storage built by newStorage.
func Run(t *testing.T, newStorage Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s polar.Storage)
	}{
		{"FirstOrCreateCustomer", testFirstOrCreateCustomer},
		{"FirstOrCreateCustomerConcurrent", testFirstOrCreateCustomerConcurrent},
		{"LinkCustomer", testLinkCustomer},
		{"SetCustomerTrialEndsAt", testSetCustomerTrialEndsAt},
		{"Subscriptions", testSubscriptions},
		{"SubscriptionOrdering", testSubscriptionOrdering},
		{"Orders", testOrders},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStorage(t))
		})
	}
}

// ts returns a time truncated to what every backend can round-trip.
func ts(offset time.Duration) time.Time {
	return time.Now().UTC().Add(offset).Truncate(time.Millisecond)
}

func testFirstOrCreateCustomer(t *testing.T, s polar.Storage) {
	ctx := context.Background()

	_, err := s.GetCustomer(ctx, user)
	assert.ErrorIs(t, err, polar.ErrCustomerNotFound)

	first, err := s.FirstOrCreateCustomer(ctx, user, "cus_1")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, user, first.Billable)
	assert.Equal(t, "cus_1", first.PolarID)
	assert.False(t, first.CreatedAt.IsZero())

	// polarID only seeds creation
	second, err := s.FirstOrCreateCustomer(ctx, user, "cus_2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "cus_1", second.PolarID)

	unlinked, err := s.FirstOrCreateCustomer(ctx, team, "")
	require.NoError(t, err)
	assert.False(t, unlinked.Linked())

	_, err = s.FirstOrCreateCustomer(ctx, polar.BillableRef{ID: "1"}, "")
	assert.Error(t, err)
}

func testFirstOrCreateCustomerConcurrent(t *testing.T, s polar.Storage) {
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	ids := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.FirstOrCreateCustomer(ctx, user, "cus_1")
			if err == nil {
				ids <- c.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
}

func testLinkCustomer(t *testing.T, s polar.Storage) {
	ctx := context.Background()

	_, err := s.LinkCustomer(ctx, user, "cus_1")
	assert.ErrorIs(t, err, polar.ErrCustomerNotFound)

	_, err = s.FirstOrCreateCustomer(ctx, user, "")
	require.NoError(t, err)

	linked, err := s.LinkCustomer(ctx, user, "cus_1")
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = s.LinkCustomer(ctx, user, "cus_2")
	require.NoError(t, err)
	assert.False(t, linked)

	c, err := s.GetCustomer(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", c.PolarID)
}

func testSetCustomerTrialEndsAt(t *testing.T, s polar.Storage) {
	ctx := context.Background()

	endsAt := ts(24 * time.Hour)
	assert.ErrorIs(t, s.SetCustomerTrialEndsAt(ctx, user, &endsAt), polar.ErrCustomerNotFound)

	_, err := s.FirstOrCreateCustomer(ctx, user, "")
	require.NoError(t, err)
	require.NoError(t, s.SetCustomerTrialEndsAt(ctx, user, &endsAt))

	c, err := s.GetCustomer(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, c.TrialEndsAt)
	assert.True(t, c.TrialEndsAt.Equal(endsAt))

	require.NoError(t, s.SetCustomerTrialEndsAt(ctx, user, nil))
	c, err = s.GetCustomer(ctx, user)
	require.NoError(t, err)
	assert.Nil(t, c.TrialEndsAt)
}

func testSubscriptions(t *testing.T, s polar.Storage) {
	ctx := context.Background()

	periodEnd := ts(30 * 24 * time.Hour)
	sub := &polar.Subscription{
		Billable:         user,
		Type:             "default",
		PolarID:          "sub_1",
		Status:           polar.SubscriptionActive,
		ProductID:        "prod_1",
		CurrentPeriodEnd: &periodEnd,
	}
	require.NoError(t, s.CreateSubscription(ctx, sub))
	assert.NotEmpty(t, sub.ID)
	assert.False(t, sub.CreatedAt.IsZero())

	err := s.CreateSubscription(ctx, &polar.Subscription{Billable: user, Type: "default", PolarID: "sub_1"})
	assert.ErrorIs(t, err, polar.ErrSubscriptionExists)

	got, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)
	assert.Equal(t, user, got.Billable)
	assert.Equal(t, polar.SubscriptionActive, got.Status)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.True(t, got.CurrentPeriodEnd.Equal(periodEnd))
	assert.Nil(t, got.EndsAt)

	_, err = s.GetSubscription(ctx, "missing")
	assert.ErrorIs(t, err, polar.ErrSubscriptionNotFound)

	endsAt := ts(time.Hour)
	syncedAt := ts(0)
	synced, err := s.SyncSubscription(ctx, "sub_1", polar.SubscriptionSync{
		Status:    polar.SubscriptionCanceled,
		ProductID: "prod_2",
		EndsAt:    &endsAt,
		SyncedAt:  &syncedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, polar.SubscriptionCanceled, synced.Status)
	assert.Equal(t, "prod_2", synced.ProductID)
	assert.Equal(t, "default", synced.Type)
	assert.Equal(t, user, synced.Billable)
	assert.Nil(t, synced.CurrentPeriodEnd)
	require.NotNil(t, synced.EndsAt)
	assert.True(t, synced.EndsAt.Equal(endsAt))
	require.NotNil(t, synced.SyncedAt)
	assert.True(t, synced.SyncedAt.Equal(syncedAt))

	reread, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "prod_2", reread.ProductID)

	_, err = s.SyncSubscription(ctx, "missing", polar.SubscriptionSync{Status: polar.SubscriptionActive})
	assert.ErrorIs(t, err, polar.ErrSubscriptionNotFound)
}

func testSubscriptionOrdering(t *testing.T, s polar.Storage) {
	ctx := context.Background()

	for _, sub := range []*polar.Subscription{
		{Billable: user, Type: "default", PolarID: "sub_1", Status: polar.SubscriptionActive},
		{Billable: team, Type: "default", PolarID: "sub_other", Status: polar.SubscriptionActive},
		{Billable: user, Type: "premium", PolarID: "sub_2", Status: polar.SubscriptionActive},
	} {
		require.NoError(t, s.CreateSubscription(ctx, sub))
	}

	subs, err := s.ListSubscriptions(ctx, user)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "sub_2", subs[0].PolarID)
	assert.Equal(t, "sub_1", subs[1].PolarID)

	none, err := s.ListSubscriptions(ctx, polar.BillableRef{ID: "99", Type: "users"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testOrders(t *testing.T, s polar.Storage) {
	ctx := context.Background()

	orderedAt := ts(-time.Hour)
	order := &polar.Order{
		Billable:      user,
		PolarID:       "ord_1",
		Status:        polar.OrderPaid,
		Amount:        1000,
		TaxAmount:     200,
		Currency:      "usd",
		BillingReason: "purchase",
		CustomerID:    "cus_1",
		ProductID:     "prod_1",
		OrderedAt:     orderedAt,
	}
	require.NoError(t, s.CreateOrder(ctx, order))
	assert.NotEmpty(t, order.ID)

	assert.ErrorIs(t, s.CreateOrder(ctx, &polar.Order{Billable: user, PolarID: "ord_1", OrderedAt: orderedAt}), polar.ErrOrderExists)

	got, err := s.GetOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.TaxAmount)
	assert.Equal(t, "purchase", got.BillingReason)
	assert.True(t, got.OrderedAt.Equal(orderedAt))
	assert.Nil(t, got.RefundedAt)

	refundedAt := ts(0)
	synced, err := s.SyncOrder(ctx, "ord_1", polar.OrderSync{
		Status:            polar.OrderRefunded,
		Amount:            1000,
		TaxAmount:         200,
		RefundedAmount:    1000,
		RefundedTaxAmount: 200,
		Currency:          "usd",
		BillingReason:     "purchase",
		CustomerID:        "cus_1",
		ProductID:         "prod_1",
		RefundedAt:        &refundedAt,
	})
	require.NoError(t, err)
	assert.True(t, synced.Refunded())
	assert.Equal(t, int64(1000), synced.RefundedAmount)
	require.NotNil(t, synced.RefundedAt)
	assert.True(t, synced.RefundedAt.Equal(refundedAt))
	assert.True(t, synced.OrderedAt.Equal(orderedAt))
	assert.Equal(t, user, synced.Billable)

	_, err = s.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, polar.ErrOrderNotFound)
	_, err = s.SyncOrder(ctx, "missing", polar.OrderSync{Status: polar.OrderPaid})
	assert.ErrorIs(t, err, polar.ErrOrderNotFound)

	require.NoError(t, s.CreateOrder(ctx, &polar.Order{Billable: user, PolarID: "ord_2", Status: polar.OrderPaid, OrderedAt: ts(0)}))
	require.NoError(t, s.CreateOrder(ctx, &polar.Order{Billable: team, PolarID: "ord_3", Status: polar.OrderPaid, OrderedAt: ts(0)}))

	orders, err := s.ListOrders(ctx, user)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "ord_2", orders[0].PolarID)
	assert.Equal(t, "ord_1", orders[1].PolarID)
}
