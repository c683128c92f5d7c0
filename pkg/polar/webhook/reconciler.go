package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

// ErrStaleEvent is returned when RejectStaleUpdates is enabled and an event
// is older than the last one applied to the aggregate.
var ErrStaleEvent = errors.New("stale webhook event")

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// RejectStaleUpdates skips syncs whose envelope timestamp is older than
	// the aggregate's SyncedAt. Off by default, which keeps last-write-wins.
	RejectStaleUpdates bool

	// UpsertOnCreate makes created events for a known Polar id sync the
	// existing row instead of inserting a duplicate.
	UpsertOnCreate bool

	Logger  polar.Logger
	Metrics polar.Metrics
}

// Reconciler applies Polar-reported state to local orders and subscriptions.
type Reconciler struct {
	storage polar.Storage
	cfg     ReconcilerConfig
	logger  polar.Logger
	metrics polar.Metrics
}

// NewReconciler creates a reconciler over storage.
func NewReconciler(storage polar.Storage, cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = &polar.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &polar.NoopMetrics{}
	}
	return &Reconciler{storage: storage, cfg: cfg, logger: logger, metrics: metrics}
}

// CreateOrder inserts the order for owner.
func (r *Reconciler) CreateOrder(ctx context.Context, owner polar.BillableRef, p *Order, at time.Time) (*polar.Order, error) {
	if r.cfg.UpsertOnCreate {
		existing, err := r.storage.GetOrder(ctx, p.ID)
		switch {
		case err == nil:
			r.logger.Info("order already known, syncing",
				polar.Field{Key: "polar_id", Value: p.ID})
			return r.syncOrder(ctx, existing, p, at)
		case !errors.Is(err, polar.ErrOrderNotFound):
			return nil, fmt.Errorf("failed to look up order %s: %w", p.ID, err)
		}
	}

	sync := orderSync(p, at)
	order := &polar.Order{
		Billable:  owner,
		PolarID:   p.ID,
		OrderedAt: p.CreatedAt,
	}
	sync.Apply(order)
	if err := r.storage.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order %s: %w", p.ID, err)
	}
	r.metrics.RecordReconcile("order", "created")
	return order, nil
}

// UpdateOrder syncs the local order with the payload. It returns
// polar.ErrOrderNotFound when the order is not known locally.
func (r *Reconciler) UpdateOrder(ctx context.Context, p *Order, at time.Time) (*polar.Order, error) {
	existing, err := r.storage.GetOrder(ctx, p.ID)
	if err != nil {
		if errors.Is(err, polar.ErrOrderNotFound) {
			r.metrics.RecordReconcile("order", "missing")
		}
		return nil, err
	}
	return r.syncOrder(ctx, existing, p, at)
}

func (r *Reconciler) syncOrder(ctx context.Context, existing *polar.Order, p *Order, at time.Time) (*polar.Order, error) {
	if r.stale(existing.SyncedAt, at) {
		r.metrics.RecordReconcile("order", "stale")
		return nil, fmt.Errorf("%w: order %s", ErrStaleEvent, p.ID)
	}
	order, err := r.storage.SyncOrder(ctx, p.ID, orderSync(p, at))
	if err != nil {
		return nil, fmt.Errorf("failed to sync order %s: %w", p.ID, err)
	}
	r.metrics.RecordReconcile("order", "synced")
	return order, nil
}

// orderSync maps the payload onto the synced order fields. RefundedAt is only
// kept for refunded orders and falls back to the event time.
func orderSync(p *Order, at time.Time) polar.OrderSync {
	s := polar.OrderSync{
		Status:            p.Status,
		Amount:            cents(p.Amount),
		TaxAmount:         cents(p.TaxAmount),
		RefundedAmount:    cents(p.RefundedAmount),
		RefundedTaxAmount: cents(p.RefundedTaxAmount),
		Currency:          p.Currency,
		BillingReason:     p.BillingReason,
		CustomerID:        p.CustomerID,
		ProductID:         p.ProductID,
		SyncedAt:          &at,
	}
	if p.Status.IsRefunded() {
		refundedAt := at
		if p.RefundedAt != nil {
			refundedAt = *p.RefundedAt
		}
		s.RefundedAt = &refundedAt
	}
	return s
}

func cents(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// SubscriptionType returns the subscription category carried in the
// embedded customer metadata, or polar.DefaultSubscriptionType.
func SubscriptionType(p *Subscription) string {
	if p.Customer != nil {
		if v, ok := polar.MetadataValue(p.Customer.Metadata[polar.MetadataSubscriptionType]); ok && v != "" {
			return v
		}
	}
	return polar.DefaultSubscriptionType
}

// CreateSubscription inserts the subscription for owner and links the shadow
// customer to its Polar id when it has none yet.
func (r *Reconciler) CreateSubscription(ctx context.Context, owner polar.BillableRef, customer *polar.Customer, p *Subscription, at time.Time) (*polar.Subscription, error) {
	var sub *polar.Subscription
	if r.cfg.UpsertOnCreate {
		existing, err := r.storage.GetSubscription(ctx, p.ID)
		switch {
		case err == nil:
			r.logger.Info("subscription already known, syncing",
				polar.Field{Key: "polar_id", Value: p.ID})
			if sub, err = r.syncSubscription(ctx, existing, p, at); err != nil {
				return nil, err
			}
		case !errors.Is(err, polar.ErrSubscriptionNotFound):
			return nil, fmt.Errorf("failed to look up subscription %s: %w", p.ID, err)
		}
	}

	if sub == nil {
		sub = &polar.Subscription{
			Billable: owner,
			Type:     SubscriptionType(p),
			PolarID:  p.ID,
		}
		p.Sync(at).Apply(sub)
		if err := r.storage.CreateSubscription(ctx, sub); err != nil {
			return nil, fmt.Errorf("failed to create subscription %s: %w", p.ID, err)
		}
		r.metrics.RecordReconcile("subscription", "created")
	}

	if !customer.Linked() && p.CustomerID != "" {
		linked, err := r.storage.LinkCustomer(ctx, owner, p.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("failed to link customer %s: %w", owner, err)
		}
		if linked {
			r.logger.Info("linked customer to polar",
				polar.BillableField(owner),
				polar.Field{Key: "polar_customer_id", Value: p.CustomerID})
		}
	}
	return sub, nil
}

// SyncSubscription syncs the local subscription with the payload. It returns
// polar.ErrSubscriptionNotFound when the subscription is not known locally.
func (r *Reconciler) SyncSubscription(ctx context.Context, p *Subscription, at time.Time) (*polar.Subscription, error) {
	existing, err := r.storage.GetSubscription(ctx, p.ID)
	if err != nil {
		if errors.Is(err, polar.ErrSubscriptionNotFound) {
			r.metrics.RecordReconcile("subscription", "missing")
		}
		return nil, err
	}
	return r.syncSubscription(ctx, existing, p, at)
}

func (r *Reconciler) syncSubscription(ctx context.Context, existing *polar.Subscription, p *Subscription, at time.Time) (*polar.Subscription, error) {
	if r.stale(existing.SyncedAt, at) {
		r.metrics.RecordReconcile("subscription", "stale")
		return nil, fmt.Errorf("%w: subscription %s", ErrStaleEvent, p.ID)
	}
	sub, err := r.storage.SyncSubscription(ctx, p.ID, p.Sync(at))
	if err != nil {
		return nil, fmt.Errorf("failed to sync subscription %s: %w", p.ID, err)
	}
	r.metrics.RecordReconcile("subscription", "synced")
	return sub, nil
}

func (r *Reconciler) stale(syncedAt *time.Time, at time.Time) bool {
	return r.cfg.RejectStaleUpdates && syncedAt != nil && at.Before(*syncedAt)
}
