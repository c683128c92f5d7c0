package polar

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

var _ Storage = (*CircuitBreakerStorage)(nil)

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) FirstOrCreateCustomer(ctx context.Context, ref BillableRef,
	polarID string) (*Customer, error) {
	var c *Customer
	err := s.cb.Execute(ctx, func() error {
		var e error
		c, e = s.storage.FirstOrCreateCustomer(ctx, ref, polarID)
		return e
	})
	return c, err
}

func (s *CircuitBreakerStorage) GetCustomer(ctx context.Context, ref BillableRef) (*Customer, error) {
	var c *Customer
	err := s.cb.Execute(ctx, func() error {
		var e error
		c, e = s.storage.GetCustomer(ctx, ref)
		return e
	})
	return c, err
}

func (s *CircuitBreakerStorage) LinkCustomer(ctx context.Context, ref BillableRef, polarID string) (bool, error) {
	var linked bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		linked, e = s.storage.LinkCustomer(ctx, ref, polarID)
		return e
	})
	return linked, err
}

func (s *CircuitBreakerStorage) SetCustomerTrialEndsAt(ctx context.Context, ref BillableRef,
	endsAt *time.Time) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SetCustomerTrialEndsAt(ctx, ref, endsAt)
	})
}

func (s *CircuitBreakerStorage) CreateSubscription(ctx context.Context, sub *Subscription) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CreateSubscription(ctx, sub)
	})
}

func (s *CircuitBreakerStorage) GetSubscription(ctx context.Context, polarID string) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.GetSubscription(ctx, polarID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) SyncSubscription(ctx context.Context, polarID string,
	sync SubscriptionSync) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.SyncSubscription(ctx, polarID, sync)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) ListSubscriptions(ctx context.Context, ref BillableRef) ([]*Subscription, error) {
	var subs []*Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		subs, e = s.storage.ListSubscriptions(ctx, ref)
		return e
	})
	return subs, err
}

func (s *CircuitBreakerStorage) CreateOrder(ctx context.Context, order *Order) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CreateOrder(ctx, order)
	})
}

func (s *CircuitBreakerStorage) GetOrder(ctx context.Context, polarID string) (*Order, error) {
	var order *Order
	err := s.cb.Execute(ctx, func() error {
		var e error
		order, e = s.storage.GetOrder(ctx, polarID)
		return e
	})
	return order, err
}

func (s *CircuitBreakerStorage) SyncOrder(ctx context.Context, polarID string, sync OrderSync) (*Order, error) {
	var order *Order
	err := s.cb.Execute(ctx, func() error {
		var e error
		order, e = s.storage.SyncOrder(ctx, polarID, sync)
		return e
	})
	return order, err
}

func (s *CircuitBreakerStorage) ListOrders(ctx context.Context, ref BillableRef) ([]*Order, error) {
	var orders []*Order
	err := s.cb.Execute(ctx, func() error {
		var e error
		orders, e = s.storage.ListOrders(ctx, ref)
		return e
	})
	return orders, err
}
