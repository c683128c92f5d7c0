package polar

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultSubscriptionType is the category used when customer metadata
// carries no subscription_type.
const DefaultSubscriptionType = "default"

// Reserved customer metadata keys written by checkouts and read back by
// the webhook pipeline.
const (
	MetadataBillableID       = "billable_id"
	MetadataBillableType     = "billable_type"
	MetadataSubscriptionType = "subscription_type"
)

// SubscriptionStatus mirrors the Polar subscription status enum.
type SubscriptionStatus string

const (
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
)

// ParseSubscriptionStatus maps a wire value onto the enum by exact match.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	switch st := SubscriptionStatus(s); st {
	case SubscriptionIncomplete, SubscriptionIncompleteExpired, SubscriptionTrialing,
		SubscriptionActive, SubscriptionPastDue, SubscriptionCanceled, SubscriptionUnpaid:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSubscriptionStatus, s)
	}
}

// UnmarshalJSON rejects status strings outside the enum.
func (s *SubscriptionStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := ParseSubscriptionStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// OrderStatus mirrors the Polar order status enum.
type OrderStatus string

const (
	OrderPending           OrderStatus = "pending"
	OrderPaid              OrderStatus = "paid"
	OrderRefunded          OrderStatus = "refunded"
	OrderPartiallyRefunded OrderStatus = "partially_refunded"
)

// ParseOrderStatus maps a wire value onto the enum by exact match.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch st := OrderStatus(s); st {
	case OrderPending, OrderPaid, OrderRefunded, OrderPartiallyRefunded:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOrderStatus, s)
	}
}

// UnmarshalJSON rejects status strings outside the enum.
func (s *OrderStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := ParseOrderStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// IsRefunded reports whether the status is refunded or partially refunded.
func (s OrderStatus) IsRefunded() bool {
	return s == OrderRefunded || s == OrderPartiallyRefunded
}

// Customer is the local shadow record correlating a billable to its Polar
// customer id.
type Customer struct {
	ID          string
	Billable    BillableRef
	PolarID     string // empty until linked
	TrialEndsAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Linked reports whether the customer exists in Polar.
func (c *Customer) Linked() bool {
	return c != nil && c.PolarID != ""
}

// OnGenericTrial reports whether a trial not tied to a subscription is running.
func (c *Customer) OnGenericTrial(now time.Time) bool {
	return c != nil && c.TrialEndsAt != nil && c.TrialEndsAt.After(now)
}

// HasExpiredGenericTrial reports whether a generic trial has ended.
func (c *Customer) HasExpiredGenericTrial(now time.Time) bool {
	return c != nil && c.TrialEndsAt != nil && !c.TrialEndsAt.After(now)
}

// Subscription is the local mirror of a Polar subscription.
type Subscription struct {
	ID               string
	Billable         BillableRef
	Type             string
	PolarID          string
	Status           SubscriptionStatus
	ProductID        string
	CurrentPeriodEnd *time.Time
	TrialEndsAt      *time.Time
	EndsAt           *time.Time
	SyncedAt         *time.Time // envelope timestamp of the last applied event
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SubscriptionSync holds the fields overwritten by a sync.
type SubscriptionSync struct {
	Status           SubscriptionStatus
	ProductID        string
	CurrentPeriodEnd *time.Time
	TrialEndsAt      *time.Time
	EndsAt           *time.Time
	SyncedAt         *time.Time
}

// Apply overwrites the synced fields on s.
func (u SubscriptionSync) Apply(s *Subscription) {
	s.Status = u.Status
	s.ProductID = u.ProductID
	s.CurrentPeriodEnd = u.CurrentPeriodEnd
	s.TrialEndsAt = u.TrialEndsAt
	s.EndsAt = u.EndsAt
	s.SyncedAt = u.SyncedAt
}

// Valid reports whether the subscription is active, trialing, past due or
// within its grace period.
func (s *Subscription) Valid(now time.Time) bool {
	return s.Active() || s.OnTrial() || s.PastDue() || s.OnGracePeriod(now)
}

func (s *Subscription) Incomplete() bool        { return s.Status == SubscriptionIncomplete }
func (s *Subscription) IncompleteExpired() bool { return s.Status == SubscriptionIncompleteExpired }
func (s *Subscription) OnTrial() bool           { return s.Status == SubscriptionTrialing }
func (s *Subscription) Active() bool            { return s.Status == SubscriptionActive }
func (s *Subscription) PastDue() bool           { return s.Status == SubscriptionPastDue }
func (s *Subscription) Unpaid() bool            { return s.Status == SubscriptionUnpaid }
func (s *Subscription) Canceled() bool          { return s.Status == SubscriptionCanceled }

// HasExpiredTrial reports whether the trial end lies in the past.
func (s *Subscription) HasExpiredTrial(now time.Time) bool {
	return s.TrialEndsAt != nil && s.TrialEndsAt.Before(now)
}

// OnGracePeriod reports whether a canceled subscription still runs until EndsAt.
func (s *Subscription) OnGracePeriod(now time.Time) bool {
	return s.Canceled() && s.EndsAt != nil && s.EndsAt.After(now)
}

// HasProduct reports whether the subscription is on productID.
func (s *Subscription) HasProduct(productID string) bool {
	return s.ProductID == productID
}

// Order is the local mirror of a Polar order.
type Order struct {
	ID                string
	Billable          BillableRef
	PolarID           string
	Status            OrderStatus
	Amount            int64
	TaxAmount         int64
	RefundedAmount    int64
	RefundedTaxAmount int64
	Currency          string
	BillingReason     string
	CustomerID        string
	ProductID         string
	OrderedAt         time.Time
	RefundedAt        *time.Time
	SyncedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OrderSync holds the fields overwritten by a sync.
type OrderSync struct {
	Status            OrderStatus
	Amount            int64
	TaxAmount         int64
	RefundedAmount    int64
	RefundedTaxAmount int64
	Currency          string
	BillingReason     string
	CustomerID        string
	ProductID         string
	RefundedAt        *time.Time
	SyncedAt          *time.Time
}

// Apply overwrites the synced fields on o.
func (u OrderSync) Apply(o *Order) {
	o.Status = u.Status
	o.Amount = u.Amount
	o.TaxAmount = u.TaxAmount
	o.RefundedAmount = u.RefundedAmount
	o.RefundedTaxAmount = u.RefundedTaxAmount
	o.Currency = u.Currency
	o.BillingReason = u.BillingReason
	o.CustomerID = u.CustomerID
	o.ProductID = u.ProductID
	o.RefundedAt = u.RefundedAt
	o.SyncedAt = u.SyncedAt
}

func (o *Order) Paid() bool              { return o.Status == OrderPaid }
func (o *Order) Refunded() bool          { return o.Status == OrderRefunded }
func (o *Order) PartiallyRefunded() bool { return o.Status == OrderPartiallyRefunded }

// HasProduct reports whether the order is for productID.
func (o *Order) HasProduct(productID string) bool {
	return o.ProductID == productID
}
