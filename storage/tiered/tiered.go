// Package tiered provides a Hot/Cold storage adapter that serves point reads
// from fast ephemeral storage (Hot) and keeps durable storage (Cold) as the
// source of truth for every write.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 storage (e.g., Redis, Memory) consulted first on reads
	Hot polar.Storage

	// Cold is the L2 storage (e.g., Postgres, SQLite, Firestore) and the source of truth
	Cold polar.Storage

	// AsyncHotWrites mirrors writes to Hot on a background worker. If false,
	// the mirror runs before the write returns.
	AsyncHotWrites bool

	// SyncBufferSize is the size of the buffered channel for async mirroring.
	// Default: 1000
	SyncBufferSize int

	// ErrorHandler is called when mirroring to Hot fails. Hot failures never
	// fail the operation; a row that could not be mirrored may be served
	// stale from Hot until its next write.
	ErrorHandler func(error)
}

// Storage implements polar.Storage over two backends:
//   - Read-Through: GetCustomer, GetSubscription, GetOrder (Hot → Cold → fill Hot)
//   - Write-Through: every write (Cold, then mirror the resulting row to Hot)
//   - Cold-Only: list operations, since Hot may hold a partial set
//
// Rows served from Hot carry Hot's own ID, CreatedAt and UpdatedAt.
type Storage struct {
	hot  polar.Storage
	cold polar.Storage
	conf Config

	syncQueue chan func(context.Context) error
	shutdown  chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

var _ polar.Storage = (*Storage)(nil)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func(context.Context) error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotWrites {
		s.startWorker()
	}

	return s, nil
}

// Close drains pending mirror jobs and stops the worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotWrites {
		s.once.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background mirror loop. Jobs run sequentially so a
// later sync of a row never lands before its create.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job(ctx))
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job(ctx))
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.ErrorHandler != nil {
		s.conf.ErrorHandler(fmt.Errorf("tiered mirror failed: %w", err))
	}
}

// mirror runs job against Hot, inline or on the worker. A full queue or a
// closed worker falls back to running inline.
func (s *Storage) mirror(ctx context.Context, job func(context.Context) error) {
	if s.conf.AsyncHotWrites {
		select {
		case <-s.shutdown:
		default:
			select {
			case s.syncQueue <- job:
				return
			default:
			}
		}
	}
	s.report(job(context.WithoutCancel(ctx)))
}

// --- Strategy: Read-Through (Hot → Cold → fill Hot) ---

// GetCustomer implements polar.Storage with read-through strategy.
func (s *Storage) GetCustomer(ctx context.Context, ref polar.BillableRef) (*polar.Customer, error) {
	c, err := s.hot.GetCustomer(ctx, ref)
	if err == nil {
		return c, nil
	}

	c, err = s.cold.GetCustomer(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.report(s.putCustomer(context.WithoutCancel(ctx), c))
	return c, nil
}

// GetSubscription implements polar.Storage with read-through strategy.
func (s *Storage) GetSubscription(ctx context.Context, polarID string) (*polar.Subscription, error) {
	sub, err := s.hot.GetSubscription(ctx, polarID)
	if err == nil {
		return sub, nil
	}

	sub, err = s.cold.GetSubscription(ctx, polarID)
	if err != nil {
		return nil, err
	}
	s.report(s.putSubscription(context.WithoutCancel(ctx), sub))
	return sub, nil
}

// GetOrder implements polar.Storage with read-through strategy.
func (s *Storage) GetOrder(ctx context.Context, polarID string) (*polar.Order, error) {
	order, err := s.hot.GetOrder(ctx, polarID)
	if err == nil {
		return order, nil
	}

	order, err = s.cold.GetOrder(ctx, polarID)
	if err != nil {
		return nil, err
	}
	s.report(s.putOrder(context.WithoutCancel(ctx), order))
	return order, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---

// FirstOrCreateCustomer implements polar.Storage with write-through strategy.
func (s *Storage) FirstOrCreateCustomer(ctx context.Context, ref polar.BillableRef, polarID string) (*polar.Customer, error) {
	c, err := s.cold.FirstOrCreateCustomer(ctx, ref, polarID)
	if err != nil {
		return nil, err
	}
	row := *c
	s.mirror(ctx, func(ctx context.Context) error { return s.putCustomer(ctx, &row) })
	return c, nil
}

// LinkCustomer implements polar.Storage with write-through strategy. The
// result reported is Cold's.
func (s *Storage) LinkCustomer(ctx context.Context, ref polar.BillableRef, polarID string) (bool, error) {
	linked, err := s.cold.LinkCustomer(ctx, ref, polarID)
	if err != nil {
		return false, err
	}
	s.mirrorCustomer(ctx, ref)
	return linked, nil
}

// SetCustomerTrialEndsAt implements polar.Storage with write-through strategy.
func (s *Storage) SetCustomerTrialEndsAt(ctx context.Context, ref polar.BillableRef, endsAt *time.Time) error {
	if err := s.cold.SetCustomerTrialEndsAt(ctx, ref, endsAt); err != nil {
		return err
	}
	s.mirrorCustomer(ctx, ref)
	return nil
}

// mirrorCustomer copies Cold's current customer row to Hot.
func (s *Storage) mirrorCustomer(ctx context.Context, ref polar.BillableRef) {
	s.mirror(ctx, func(ctx context.Context) error {
		c, err := s.cold.GetCustomer(ctx, ref)
		if err != nil {
			return err
		}
		return s.putCustomer(ctx, c)
	})
}

// CreateSubscription implements polar.Storage with write-through strategy.
func (s *Storage) CreateSubscription(ctx context.Context, sub *polar.Subscription) error {
	if err := s.cold.CreateSubscription(ctx, sub); err != nil {
		return err
	}
	row := *sub
	s.mirror(ctx, func(ctx context.Context) error { return s.putSubscription(ctx, &row) })
	return nil
}

// SyncSubscription implements polar.Storage with write-through strategy.
func (s *Storage) SyncSubscription(ctx context.Context, polarID string, sync polar.SubscriptionSync) (*polar.Subscription, error) {
	sub, err := s.cold.SyncSubscription(ctx, polarID, sync)
	if err != nil {
		return nil, err
	}
	row := *sub
	s.mirror(ctx, func(ctx context.Context) error { return s.putSubscription(ctx, &row) })
	return sub, nil
}

// CreateOrder implements polar.Storage with write-through strategy.
func (s *Storage) CreateOrder(ctx context.Context, order *polar.Order) error {
	if err := s.cold.CreateOrder(ctx, order); err != nil {
		return err
	}
	row := *order
	s.mirror(ctx, func(ctx context.Context) error { return s.putOrder(ctx, &row) })
	return nil
}

// SyncOrder implements polar.Storage with write-through strategy.
func (s *Storage) SyncOrder(ctx context.Context, polarID string, sync polar.OrderSync) (*polar.Order, error) {
	order, err := s.cold.SyncOrder(ctx, polarID, sync)
	if err != nil {
		return nil, err
	}
	row := *order
	s.mirror(ctx, func(ctx context.Context) error { return s.putOrder(ctx, &row) })
	return order, nil
}

// --- Strategy: Cold-Only ---

// ListSubscriptions implements polar.Storage (Cold only).
func (s *Storage) ListSubscriptions(ctx context.Context, ref polar.BillableRef) ([]*polar.Subscription, error) {
	return s.cold.ListSubscriptions(ctx, ref)
}

// ListOrders implements polar.Storage (Cold only).
func (s *Storage) ListOrders(ctx context.Context, ref polar.BillableRef) ([]*polar.Order, error) {
	return s.cold.ListOrders(ctx, ref)
}

// --- Hot upserts ---

// putCustomer makes Hot's row for c.Billable match c.
func (s *Storage) putCustomer(ctx context.Context, c *polar.Customer) error {
	hot, err := s.hot.FirstOrCreateCustomer(ctx, c.Billable, c.PolarID)
	if err != nil {
		return err
	}
	if hot.PolarID == "" && c.PolarID != "" {
		if _, err := s.hot.LinkCustomer(ctx, c.Billable, c.PolarID); err != nil {
			return err
		}
	}
	return s.hot.SetCustomerTrialEndsAt(ctx, c.Billable, c.TrialEndsAt)
}

// putSubscription inserts sub into Hot or overwrites its synced fields.
func (s *Storage) putSubscription(ctx context.Context, sub *polar.Subscription) error {
	row := *sub
	err := s.hot.CreateSubscription(ctx, &row)
	if !errors.Is(err, polar.ErrSubscriptionExists) {
		return err
	}
	_, err = s.hot.SyncSubscription(ctx, sub.PolarID, polar.SubscriptionSync{
		Status:           sub.Status,
		ProductID:        sub.ProductID,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		TrialEndsAt:      sub.TrialEndsAt,
		EndsAt:           sub.EndsAt,
		SyncedAt:         sub.SyncedAt,
	})
	return err
}

// putOrder inserts order into Hot or overwrites its synced fields.
func (s *Storage) putOrder(ctx context.Context, order *polar.Order) error {
	row := *order
	err := s.hot.CreateOrder(ctx, &row)
	if !errors.Is(err, polar.ErrOrderExists) {
		return err
	}
	_, err = s.hot.SyncOrder(ctx, order.PolarID, polar.OrderSync{
		Status:            order.Status,
		Amount:            order.Amount,
		TaxAmount:         order.TaxAmount,
		RefundedAmount:    order.RefundedAmount,
		RefundedTaxAmount: order.RefundedTaxAmount,
		Currency:          order.Currency,
		BillingReason:     order.BillingReason,
		CustomerID:        order.CustomerID,
		ProductID:         order.ProductID,
		RefundedAt:        order.RefundedAt,
		SyncedAt:          order.SyncedAt,
	})
	return err
}
