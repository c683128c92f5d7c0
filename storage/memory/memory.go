// Package memory provides an in-memory implementation of the polar.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

// Storage implements polar.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	customers     map[polar.BillableRef]*polar.Customer
	subscriptions map[string]*polar.Subscription // by Polar id
	orders        map[string]*polar.Order        // by Polar id
	seq           map[string]uint64              // insertion order, breaks CreatedAt ties
	next          uint64
	now           func() time.Time
}

var _ polar.Storage = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		customers:     make(map[polar.BillableRef]*polar.Customer),
		subscriptions: make(map[string]*polar.Subscription),
		orders:        make(map[string]*polar.Order),
		seq:           make(map[string]uint64),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// FirstOrCreateCustomer implements polar.Storage
func (s *Storage) FirstOrCreateCustomer(ctx context.Context, ref polar.BillableRef, polarID string) (*polar.Customer, error) {
	if ref.ID == "" || ref.Type == "" {
		return nil, fmt.Errorf("invalid billable reference %q", ref)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.customers[ref]; ok {
		cCopy := *c
		return &cCopy, nil
	}
	now := s.now()
	c := &polar.Customer{
		ID:        uuid.NewString(),
		Billable:  ref,
		PolarID:   polarID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.customers[ref] = c
	cCopy := *c
	return &cCopy, nil
}

// GetCustomer implements polar.Storage
func (s *Storage) GetCustomer(ctx context.Context, ref polar.BillableRef) (*polar.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[ref]
	if !ok {
		return nil, polar.ErrCustomerNotFound
	}
	cCopy := *c
	return &cCopy, nil
}

// LinkCustomer implements polar.Storage
func (s *Storage) LinkCustomer(ctx context.Context, ref polar.BillableRef, polarID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[ref]
	if !ok {
		return false, polar.ErrCustomerNotFound
	}
	if c.PolarID != "" || polarID == "" {
		return false, nil
	}
	c.PolarID = polarID
	c.UpdatedAt = s.now()
	return true, nil
}

// SetCustomerTrialEndsAt implements polar.Storage
func (s *Storage) SetCustomerTrialEndsAt(ctx context.Context, ref polar.BillableRef, endsAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[ref]
	if !ok {
		return polar.ErrCustomerNotFound
	}
	c.TrialEndsAt = copyTime(endsAt)
	c.UpdatedAt = s.now()
	return nil
}

// CreateSubscription implements polar.Storage
func (s *Storage) CreateSubscription(ctx context.Context, sub *polar.Subscription) error {
	if sub == nil || sub.PolarID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.PolarID]; ok {
		return polar.ErrSubscriptionExists
	}
	now := s.now()
	sub.ID = uuid.NewString()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	subCopy := *sub
	s.subscriptions[sub.PolarID] = &subCopy
	s.next++
	s.seq["sub:"+sub.PolarID] = s.next
	return nil
}

// GetSubscription implements polar.Storage
func (s *Storage) GetSubscription(ctx context.Context, polarID string) (*polar.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[polarID]
	if !ok {
		return nil, polar.ErrSubscriptionNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// SyncSubscription implements polar.Storage
func (s *Storage) SyncSubscription(ctx context.Context, polarID string, sync polar.SubscriptionSync) (*polar.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[polarID]
	if !ok {
		return nil, polar.ErrSubscriptionNotFound
	}
	sync.Apply(sub)
	sub.UpdatedAt = s.now()
	subCopy := *sub
	return &subCopy, nil
}

// ListSubscriptions implements polar.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, ref polar.BillableRef) ([]*polar.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*polar.Subscription
	for _, sub := range s.subscriptions {
		if sub.Billable == ref {
			subCopy := *sub
			out = append(out, &subCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return s.seq["sub:"+out[i].PolarID] > s.seq["sub:"+out[j].PolarID]
	})
	return out, nil
}

// CreateOrder implements polar.Storage
func (s *Storage) CreateOrder(ctx context.Context, order *polar.Order) error {
	if order == nil || order.PolarID == "" {
		return fmt.Errorf("invalid order")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.PolarID]; ok {
		return polar.ErrOrderExists
	}
	now := s.now()
	order.ID = uuid.NewString()
	order.CreatedAt = now
	order.UpdatedAt = now
	orderCopy := *order
	s.orders[order.PolarID] = &orderCopy
	s.next++
	s.seq["order:"+order.PolarID] = s.next
	return nil
}

// GetOrder implements polar.Storage
func (s *Storage) GetOrder(ctx context.Context, polarID string) (*polar.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[polarID]
	if !ok {
		return nil, polar.ErrOrderNotFound
	}
	orderCopy := *order
	return &orderCopy, nil
}

// SyncOrder implements polar.Storage
func (s *Storage) SyncOrder(ctx context.Context, polarID string, sync polar.OrderSync) (*polar.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[polarID]
	if !ok {
		return nil, polar.ErrOrderNotFound
	}
	sync.Apply(order)
	order.UpdatedAt = s.now()
	orderCopy := *order
	return &orderCopy, nil
}

// ListOrders implements polar.Storage
func (s *Storage) ListOrders(ctx context.Context, ref polar.BillableRef) ([]*polar.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*polar.Order
	for _, order := range s.orders {
		if order.Billable == ref {
			orderCopy := *order
			out = append(out, &orderCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OrderedAt.Equal(out[j].OrderedAt) {
			return out[i].OrderedAt.After(out[j].OrderedAt)
		}
		return s.seq["order:"+out[i].PolarID] > s.seq["order:"+out[j].PolarID]
	})
	return out, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.customers = make(map[polar.BillableRef]*polar.Customer)
	s.subscriptions = make(map[string]*polar.Subscription)
	s.orders = make(map[string]*polar.Order)
	s.seq = make(map[string]uint64)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
