package webhook

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

// Payload is the decoded data of a webhook delivery. The concrete type is one
// of *Order, *Subscription, *BenefitGrant, *Checkout, *Customer,
// *CustomerState, *Product or *Benefit.
type Payload interface {
	isPayload()
}

func (*Order) isPayload()         {}
func (*Subscription) isPayload()  {}
func (*BenefitGrant) isPayload()  {}
func (*Checkout) isPayload()      {}
func (*Customer) isPayload()      {}
func (*CustomerState) isPayload() {}
func (*Product) isPayload()       {}
func (*Benefit) isPayload()       {}

// Metadata is a Polar metadata object. An empty JSON array decodes as empty
// metadata since some producers serialize empty maps that way.
type Metadata map[string]any

func (m *Metadata) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte("[]")) {
		*m = Metadata{}
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	*m = raw
	return nil
}

// Customer is a Polar customer, either as an event payload or embedded in
// orders, subscriptions and grants.
type Customer struct {
	ID         string     `json:"id" validate:"required"`
	Email      string     `json:"email"`
	Name       string     `json:"name"`
	ExternalID *string    `json:"external_id"`
	Metadata   Metadata   `json:"metadata"`
	CreatedAt  *time.Time `json:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at"`
}

// Order is the payload of order.* events. Amounts are pointers so a missing
// amount fails validation instead of decoding as zero.
type Order struct {
	ID                string            `json:"id" validate:"required"`
	Status            polar.OrderStatus `json:"status" validate:"required"`
	Amount            *int64            `json:"amount" validate:"required"`
	TaxAmount         *int64            `json:"tax_amount" validate:"required"`
	RefundedAmount    *int64            `json:"refunded_amount" validate:"required"`
	RefundedTaxAmount *int64            `json:"refunded_tax_amount" validate:"required"`
	Currency          string            `json:"currency" validate:"required"`
	BillingReason     string            `json:"billing_reason" validate:"required"`
	CustomerID        string            `json:"customer_id" validate:"required"`
	ProductID         string            `json:"product_id" validate:"required"`
	SubscriptionID    *string           `json:"subscription_id"`
	CreatedAt         time.Time         `json:"created_at" validate:"required"`
	RefundedAt        *time.Time        `json:"refunded_at"`
	Customer          *Customer         `json:"customer"`
	Metadata          Metadata          `json:"metadata"`
}

// Subscription is the payload of subscription.* events.
type Subscription struct {
	ID                 string                   `json:"id" validate:"required"`
	Status             polar.SubscriptionStatus `json:"status" validate:"required"`
	Amount             *int64                   `json:"amount"`
	Currency           string                   `json:"currency"`
	RecurringInterval  string                   `json:"recurring_interval"`
	ProductID          string                   `json:"product_id" validate:"required"`
	CustomerID         string                   `json:"customer_id" validate:"required"`
	CurrentPeriodStart *time.Time               `json:"current_period_start"`
	CurrentPeriodEnd   *time.Time               `json:"current_period_end"`
	TrialStart         *time.Time               `json:"trial_start"`
	TrialEnd           *time.Time               `json:"trial_end"`
	CancelAtPeriodEnd  bool                     `json:"cancel_at_period_end"`
	CanceledAt         *time.Time               `json:"canceled_at"`
	StartedAt          *time.Time               `json:"started_at"`
	EndsAt             *time.Time               `json:"ends_at"`
	EndedAt            *time.Time               `json:"ended_at"`
	Customer           *Customer                `json:"customer"`
	Metadata           Metadata                 `json:"metadata"`
}

// Sync converts the payload into the fields a local sync overwrites.
func (s *Subscription) Sync(syncedAt time.Time) polar.SubscriptionSync {
	return polar.SubscriptionSync{
		Status:           s.Status,
		ProductID:        s.ProductID,
		CurrentPeriodEnd: s.CurrentPeriodEnd,
		TrialEndsAt:      s.TrialEnd,
		EndsAt:           s.EndsAt,
		SyncedAt:         &syncedAt,
	}
}

// BenefitGrant is the payload of benefit_grant.* events.
type BenefitGrant struct {
	ID         string          `json:"id" validate:"required"`
	Type       BenefitType     `json:"-"`
	CustomerID string          `json:"customer_id" validate:"required"`
	BenefitID  string          `json:"benefit_id"`
	IsGranted  bool            `json:"is_granted"`
	IsRevoked  bool            `json:"is_revoked"`
	GrantedAt  *time.Time      `json:"granted_at"`
	RevokedAt  *time.Time      `json:"revoked_at"`
	Customer   *Customer       `json:"customer"`
	Benefit    *Benefit        `json:"-"`
	Properties GrantProperties `json:"-"`
}

// Checkout is the payload of checkout.* events.
type Checkout struct {
	ID            string     `json:"id" validate:"required"`
	Status        string     `json:"status" validate:"required"`
	URL           string     `json:"url"`
	ProductID     string     `json:"product_id"`
	CustomerID    *string    `json:"customer_id"`
	CustomerEmail *string    `json:"customer_email"`
	Amount        *int64     `json:"amount"`
	Currency      string     `json:"currency"`
	ExpiresAt     *time.Time `json:"expires_at"`
	CreatedAt     *time.Time `json:"created_at"`
	Metadata      Metadata   `json:"metadata"`
}

// CustomerState is the payload of customer.state_changed.
type CustomerState struct {
	ID                  string                      `json:"id" validate:"required"`
	Email               string                      `json:"email"`
	Name                string                      `json:"name"`
	ExternalID          *string                     `json:"external_id"`
	Metadata            Metadata                    `json:"metadata"`
	ActiveSubscriptions []CustomerStateSubscription `json:"active_subscriptions" validate:"dive"`
	GrantedBenefits     []CustomerStateGrant        `json:"granted_benefits" validate:"dive"`
	ActiveMeters        []CustomerStateMeter        `json:"active_meters" validate:"dive"`
}

type CustomerStateSubscription struct {
	ID               string                   `json:"id" validate:"required"`
	Status           polar.SubscriptionStatus `json:"status" validate:"required"`
	ProductID        string                   `json:"product_id"`
	CurrentPeriodEnd *time.Time               `json:"current_period_end"`
}

type CustomerStateGrant struct {
	ID          string      `json:"id" validate:"required"`
	BenefitID   string      `json:"benefit_id"`
	BenefitType BenefitType `json:"benefit_type"`
	GrantedAt   *time.Time  `json:"granted_at"`
}

type CustomerStateMeter struct {
	ID            string  `json:"id" validate:"required"`
	MeterID       string  `json:"meter_id"`
	ConsumedUnits float64 `json:"consumed_units"`
	CreditedUnits float64 `json:"credited_units"`
	Balance       float64 `json:"balance"`
}

// Product is the payload of product.* events.
type Product struct {
	ID                string     `json:"id" validate:"required"`
	Name              string     `json:"name" validate:"required"`
	Description       string     `json:"description"`
	IsRecurring       bool       `json:"is_recurring"`
	IsArchived        bool       `json:"is_archived"`
	RecurringInterval string     `json:"recurring_interval"`
	OrganizationID    string     `json:"organization_id"`
	CreatedAt         *time.Time `json:"created_at"`
	Metadata          Metadata   `json:"metadata"`
}

// Benefit is the payload of benefit.* events and the benefit embedded in
// grants.
type Benefit struct {
	ID             string            `json:"id" validate:"required"`
	Type           BenefitType       `json:"-"`
	Description    string            `json:"description"`
	Selectable     bool              `json:"selectable"`
	Deletable      bool              `json:"deletable"`
	OrganizationID string            `json:"organization_id"`
	CreatedAt      *time.Time        `json:"created_at"`
	Properties     BenefitProperties `json:"-"`
}
