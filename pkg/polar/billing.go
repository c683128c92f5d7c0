package polar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BillingConfig configures a Billing facade.
type BillingConfig struct {
	// Storage holds the local mirror (required).
	Storage Storage

	// API is the outbound Polar client. Operations that call Polar return
	// ErrProviderNotConfigured while it is nil.
	API API

	// Logger defaults to NoopLogger.
	Logger Logger

	// Now overrides the clock used by validity checks.
	Now func() time.Time
}

// Billing exposes the billable-facing operations: subscription queries,
// subscription changes, checkouts, customer portal, usage and benefits.
type Billing struct {
	storage Storage
	logger  Logger
	now     func() time.Time

	mu  sync.RWMutex
	api API
}

// NewBilling creates a Billing facade.
func NewBilling(cfg BillingConfig) (*Billing, error) {
	if cfg.Storage == nil {
		return nil, ErrProviderNotConfigured
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Billing{
		storage: cfg.Storage,
		api:     cfg.API,
		logger:  logger,
		now:     now,
	}, nil
}

// SwapAPI replaces the outbound client and returns a func restoring the
// previous one. Intended for tests.
func (b *Billing) SwapAPI(api API) (restore func()) {
	b.mu.Lock()
	prev := b.api
	b.api = api
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.api = prev
		b.mu.Unlock()
	}
}

func (b *Billing) client() (API, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.api == nil {
		return nil, ErrProviderNotConfigured
	}
	return b.api, nil
}

// Storage returns the underlying storage.
func (b *Billing) Storage() Storage {
	return b.storage
}

// Customer returns the shadow customer of owner.
func (b *Billing) Customer(ctx context.Context, owner Billable) (*Customer, error) {
	return b.storage.GetCustomer(ctx, RefOf(owner))
}

// CreateCustomer ensures owner has a shadow customer without a Polar id.
func (b *Billing) CreateCustomer(ctx context.Context, owner Billable) (*Customer, error) {
	return b.storage.FirstOrCreateCustomer(ctx, RefOf(owner), "")
}

// SetGenericTrial starts a trial not tied to a subscription.
func (b *Billing) SetGenericTrial(ctx context.Context, owner Billable, endsAt time.Time) error {
	ref := RefOf(owner)
	if _, err := b.storage.FirstOrCreateCustomer(ctx, ref, ""); err != nil {
		return err
	}
	return b.storage.SetCustomerTrialEndsAt(ctx, ref, &endsAt)
}

// OnGenericTrial reports whether owner is on a generic trial.
func (b *Billing) OnGenericTrial(ctx context.Context, owner Billable) (bool, error) {
	c, err := b.Customer(ctx, owner)
	if errors.Is(err, ErrCustomerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.OnGenericTrial(b.now()), nil
}

// HasExpiredGenericTrial reports whether owner's generic trial has ended.
func (b *Billing) HasExpiredGenericTrial(ctx context.Context, owner Billable) (bool, error) {
	c, err := b.Customer(ctx, owner)
	if errors.Is(err, ErrCustomerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.HasExpiredGenericTrial(b.now()), nil
}

// Subscriptions returns owner's subscriptions, newest first.
func (b *Billing) Subscriptions(ctx context.Context, owner Billable) ([]*Subscription, error) {
	return b.storage.ListSubscriptions(ctx, RefOf(owner))
}

// Subscription returns owner's newest subscription of the given type, or
// ErrSubscriptionNotFound.
func (b *Billing) Subscription(ctx context.Context, owner Billable, subscriptionType string) (*Subscription, error) {
	if subscriptionType == "" {
		subscriptionType = DefaultSubscriptionType
	}
	subs, err := b.Subscriptions(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, s := range subs {
		if s.Type == subscriptionType {
			return s, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

// Subscribed reports whether owner has a valid subscription of the given
// type, optionally on productID.
func (b *Billing) Subscribed(ctx context.Context, owner Billable, subscriptionType, productID string) (bool, error) {
	sub, err := b.Subscription(ctx, owner, subscriptionType)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sub.Valid(b.now()) {
		return false, nil
	}
	if productID == "" || productID == "0" {
		return true, nil
	}
	return sub.HasProduct(productID), nil
}

// SubscribedToProduct reports whether owner has a valid subscription of the
// given type on productID.
func (b *Billing) SubscribedToProduct(ctx context.Context, owner Billable, productID, subscriptionType string) (bool, error) {
	sub, err := b.Subscription(ctx, owner, subscriptionType)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sub.Valid(b.now()) && sub.HasProduct(productID), nil
}

// Orders returns owner's orders, newest first.
func (b *Billing) Orders(ctx context.Context, owner Billable) ([]*Order, error) {
	return b.storage.ListOrders(ctx, RefOf(owner))
}

// Swap moves the subscription to productID.
func (b *Billing) Swap(ctx context.Context, sub *Subscription, productID string, proration ProrationBehavior) (*Subscription, error) {
	if proration == "" {
		proration = ProrationProrate
	}
	return b.updateAndSync(ctx, sub, SubscriptionUpdate{ProductID: &productID, ProrationBehavior: proration})
}

// SwapAndInvoice moves the subscription to productID and invoices immediately.
func (b *Billing) SwapAndInvoice(ctx context.Context, sub *Subscription, productID string) (*Subscription, error) {
	return b.Swap(ctx, sub, productID, ProrationInvoice)
}

// Cancel cancels the subscription at the end of the current period.
func (b *Billing) Cancel(ctx context.Context, sub *Subscription) (*Subscription, error) {
	cancel := true
	return b.updateAndSync(ctx, sub, SubscriptionUpdate{CancelAtPeriodEnd: &cancel})
}

// Resume undoes a pending cancellation. Incomplete and expired
// subscriptions cannot be resumed.
func (b *Billing) Resume(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if sub.IncompleteExpired() {
		return nil, ErrSubscriptionIncompleteExpired
	}
	cancel := false
	return b.updateAndSync(ctx, sub, SubscriptionUpdate{CancelAtPeriodEnd: &cancel})
}

// Revoke ends the subscription immediately.
func (b *Billing) Revoke(ctx context.Context, sub *Subscription) (*Subscription, error) {
	revoke := true
	return b.updateAndSync(ctx, sub, SubscriptionUpdate{Revoke: &revoke})
}

// UpdateSeats changes the seat count of a seat-based subscription.
func (b *Billing) UpdateSeats(ctx context.Context, sub *Subscription, seats int) (*Subscription, error) {
	return b.updateAndSync(ctx, sub, SubscriptionUpdate{Seats: &seats})
}

// ApplyDiscount applies a discount to the subscription.
func (b *Billing) ApplyDiscount(ctx context.Context, sub *Subscription, discountID string) (*Subscription, error) {
	return b.updateAndSync(ctx, sub, SubscriptionUpdate{DiscountID: &discountID})
}

func (b *Billing) updateAndSync(ctx context.Context, sub *Subscription, req SubscriptionUpdate) (*Subscription, error) {
	api, err := b.client()
	if err != nil {
		return nil, err
	}
	res, err := api.UpdateSubscription(ctx, sub.PolarID, req)
	if err != nil {
		return nil, err
	}
	sync := res.Sync()
	now := b.now()
	sync.SyncedAt = &now
	updated, err := b.storage.SyncSubscription(ctx, sub.PolarID, sync)
	if err != nil {
		return nil, fmt.Errorf("failed to sync subscription %s: %w", sub.PolarID, err)
	}
	return updated, nil
}

// CustomerPortalURL creates a customer session and returns its portal URL.
func (b *Billing) CustomerPortalURL(ctx context.Context, owner Billable) (string, error) {
	customer, err := b.linkedCustomer(ctx, owner)
	if err != nil {
		return "", err
	}
	api, err := b.client()
	if err != nil {
		return "", err
	}
	session, err := api.CreateCustomerSession(ctx, CustomerSessionCreate{CustomerID: customer.PolarID})
	if err != nil {
		return "", err
	}
	return session.CustomerPortalURL, nil
}

// IngestUsageEvent records one usage event for owner. It is a no-op while
// owner is not yet a Polar customer.
func (b *Billing) IngestUsageEvent(ctx context.Context, owner Billable, name string, metadata map[string]any) error {
	return b.IngestUsageEvents(ctx, owner, []UsageEvent{{Name: name, Metadata: metadata}})
}

// IngestUsageEvents records usage events for owner in one batch. Customer
// ids are filled in and zero timestamps default to now. It is a no-op while
// owner is not yet a Polar customer.
func (b *Billing) IngestUsageEvents(ctx context.Context, owner Billable, events []UsageEvent) error {
	customer, err := b.storage.GetCustomer(ctx, RefOf(owner))
	if errors.Is(err, ErrCustomerNotFound) || (err == nil && !customer.Linked()) {
		b.logger.Debug("skipping usage ingest for unlinked customer",
			BillableField(owner))
		return nil
	}
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	api, err := b.client()
	if err != nil {
		return err
	}
	now := b.now()
	batch := make([]UsageEvent, len(events))
	for i, e := range events {
		e.CustomerID = customer.PolarID
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
		batch[i] = e
	}
	_, err = api.IngestEvents(ctx, batch)
	return err
}

// ListCustomerMeters lists owner's meters, optionally filtered by meterID.
func (b *Billing) ListCustomerMeters(ctx context.Context, owner Billable, meterID string) (*CustomerMeterList, error) {
	customer, err := b.linkedCustomer(ctx, owner)
	if err != nil {
		return nil, err
	}
	api, err := b.client()
	if err != nil {
		return nil, err
	}
	return api.ListCustomerMeters(ctx, CustomerMetersParams{CustomerID: customer.PolarID, MeterID: meterID})
}

// ListBenefits lists the benefits of an organization.
func (b *Billing) ListBenefits(ctx context.Context, organizationID string) (*BenefitList, error) {
	api, err := b.client()
	if err != nil {
		return nil, err
	}
	return api.ListBenefits(ctx, organizationID)
}

// GetBenefit returns a benefit by id.
func (b *Billing) GetBenefit(ctx context.Context, benefitID string) (*BenefitResource, error) {
	api, err := b.client()
	if err != nil {
		return nil, err
	}
	return api.GetBenefit(ctx, benefitID)
}

// CreateBenefit creates a benefit.
func (b *Billing) CreateBenefit(ctx context.Context, req BenefitCreate) (*BenefitResource, error) {
	api, err := b.client()
	if err != nil {
		return nil, err
	}
	return api.CreateBenefit(ctx, req)
}

// UpdateBenefit updates a benefit. Polar requires the type in every update.
func (b *Billing) UpdateBenefit(ctx context.Context, benefitID string, req BenefitUpdate) (*BenefitResource, error) {
	api, err := b.client()
	if err != nil {
		return nil, err
	}
	return api.UpdateBenefit(ctx, benefitID, req)
}

func (b *Billing) DeleteBenefit(ctx context.Context, benefitID string) error {
	api, err := b.client()
	if err != nil {
		return err
	}
	return api.DeleteBenefit(ctx, benefitID)
}

// ListProducts lists products.
func (b *Billing) ListProducts(ctx context.Context, params ListProductsParams) (*ProductList, error) {
	api, err := b.client()
	if err != nil {
		return nil, err
	}
	return api.ListProducts(ctx, params)
}

// ListBenefitGrants lists the grants of a benefit.
func (b *Billing) ListBenefitGrants(ctx context.Context, benefitID string) (*BenefitGrantList, error) {
	api, err := b.client()
	if err != nil {
		return nil, err
	}
	return api.ListBenefitGrants(ctx, benefitID)
}

func (b *Billing) linkedCustomer(ctx context.Context, owner Billable) (*Customer, error) {
	ref := RefOf(owner)
	customer, err := b.storage.GetCustomer(ctx, ref)
	if errors.Is(err, ErrCustomerNotFound) {
		return nil, &InvalidCustomerError{Billable: ref}
	}
	if err != nil {
		return nil, err
	}
	if !customer.Linked() {
		return nil, &InvalidCustomerError{Billable: ref}
	}
	return customer, nil
}
