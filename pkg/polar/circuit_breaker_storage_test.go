package polar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStorage returns err from every call and counts invocations.
type mockStorage struct {
	err   error
	calls int
}

func (m *mockStorage) FirstOrCreateCustomer(_ context.Context, ref BillableRef, polarID string) (*Customer, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &Customer{Billable: ref, PolarID: polarID}, nil
}

func (m *mockStorage) GetCustomer(_ context.Context, _ BillableRef) (*Customer, error) {
	m.calls++
	return nil, m.orNotFound(ErrCustomerNotFound)
}

func (m *mockStorage) LinkCustomer(_ context.Context, _ BillableRef, _ string) (bool, error) {
	m.calls++
	return m.err == nil, m.err
}

func (m *mockStorage) SetCustomerTrialEndsAt(_ context.Context, _ BillableRef, _ *time.Time) error {
	m.calls++
	return m.err
}

func (m *mockStorage) CreateSubscription(_ context.Context, _ *Subscription) error {
	m.calls++
	return m.err
}

func (m *mockStorage) GetSubscription(_ context.Context, _ string) (*Subscription, error) {
	m.calls++
	return nil, m.orNotFound(ErrSubscriptionNotFound)
}

func (m *mockStorage) SyncSubscription(_ context.Context, polarID string, sync SubscriptionSync) (*Subscription, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	sub := &Subscription{PolarID: polarID}
	sync.Apply(sub)
	return sub, nil
}

func (m *mockStorage) ListSubscriptions(_ context.Context, _ BillableRef) ([]*Subscription, error) {
	m.calls++
	return nil, m.err
}

func (m *mockStorage) CreateOrder(_ context.Context, _ *Order) error {
	m.calls++
	return m.err
}

func (m *mockStorage) GetOrder(_ context.Context, _ string) (*Order, error) {
	m.calls++
	return nil, m.orNotFound(ErrOrderNotFound)
}

func (m *mockStorage) SyncOrder(_ context.Context, polarID string, sync OrderSync) (*Order, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	o := &Order{PolarID: polarID}
	sync.Apply(o)
	return o, nil
}

func (m *mockStorage) ListOrders(_ context.Context, _ BillableRef) ([]*Order, error) {
	m.calls++
	return nil, m.err
}

func (m *mockStorage) orNotFound(notFound error) error {
	if m.err != nil {
		return m.err
	}
	return notFound
}

func TestCircuitBreakerStorage_OpensOnOutage(t *testing.T) {
	ctx := context.Background()
	outage := errors.New("connection refused")
	mock := &mockStorage{err: outage}
	s := NewCircuitBreakerStorage(mock, NewDefaultCircuitBreaker(2, time.Minute, nil))

	_, err := s.GetOrder(ctx, "ord_1")
	assert.ErrorIs(t, err, outage)
	err = s.CreateSubscription(ctx, &Subscription{PolarID: "sub_1"})
	assert.ErrorIs(t, err, outage)

	// Open: the backend is no longer called.
	_, err = s.ListOrders(ctx, BillableRef{ID: "1", Type: "users"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	_, err = s.FirstOrCreateCustomer(ctx, BillableRef{ID: "1", Type: "users"}, "")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, mock.calls)
}

func TestCircuitBreakerStorage_NotFoundKeepsCircuitClosed(t *testing.T) {
	ctx := context.Background()
	mock := &mockStorage{}
	cb := NewDefaultCircuitBreaker(1, time.Minute, nil)
	s := NewCircuitBreakerStorage(mock, cb)

	_, err := s.GetCustomer(ctx, BillableRef{ID: "1", Type: "users"})
	assert.ErrorIs(t, err, ErrCustomerNotFound)
	_, err = s.GetSubscription(ctx, "sub_1")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	_, err = s.GetOrder(ctx, "ord_1")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerStorage_PassesResults(t *testing.T) {
	ctx := context.Background()
	s := NewCircuitBreakerStorage(&mockStorage{}, NewDefaultCircuitBreaker(1, time.Minute, nil))
	ref := BillableRef{ID: "1", Type: "users"}

	c, err := s.FirstOrCreateCustomer(ctx, ref, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", c.PolarID)

	linked, err := s.LinkCustomer(ctx, ref, "cus_1")
	require.NoError(t, err)
	assert.True(t, linked)

	require.NoError(t, s.SetCustomerTrialEndsAt(ctx, ref, nil))
	require.NoError(t, s.CreateOrder(ctx, &Order{PolarID: "ord_1"}))

	sub, err := s.SyncSubscription(ctx, "sub_1", SubscriptionSync{Status: SubscriptionActive})
	require.NoError(t, err)
	assert.Equal(t, SubscriptionActive, sub.Status)

	order, err := s.SyncOrder(ctx, "ord_1", OrderSync{Status: OrderRefunded})
	require.NoError(t, err)
	assert.True(t, order.Refunded())

	_, err = s.ListSubscriptions(ctx, ref)
	assert.NoError(t, err)
}
