package polar

import (
	"context"
	"encoding/json"
	"time"
)

// API is the outbound port to the Polar API. pkg/polar/client implements it
// over HTTP; tests substitute fakes.
type API interface {
	CreateCheckoutSession(ctx context.Context, req *CheckoutCreateRequest) (*CheckoutSession, error)
	UpdateSubscription(ctx context.Context, subscriptionID string, req SubscriptionUpdate) (*SubscriptionResource, error)
	ListProducts(ctx context.Context, params ListProductsParams) (*ProductList, error)
	CreateCustomerSession(ctx context.Context, req CustomerSessionCreate) (*CustomerSession, error)

	ListBenefits(ctx context.Context, organizationID string) (*BenefitList, error)
	GetBenefit(ctx context.Context, benefitID string) (*BenefitResource, error)
	CreateBenefit(ctx context.Context, req BenefitCreate) (*BenefitResource, error)
	UpdateBenefit(ctx context.Context, benefitID string, req BenefitUpdate) (*BenefitResource, error)
	DeleteBenefit(ctx context.Context, benefitID string) error
	ListBenefitGrants(ctx context.Context, benefitID string) (*BenefitGrantList, error)

	IngestEvents(ctx context.Context, events []UsageEvent) (*IngestResult, error)
	ListCustomerMeters(ctx context.Context, params CustomerMetersParams) (*CustomerMeterList, error)
	GetCustomerMeter(ctx context.Context, customerMeterID string) (*CustomerMeter, error)
}

// Pagination is the page block of every Polar list response.
type Pagination struct {
	TotalCount int `json:"total_count"`
	MaxPage    int `json:"max_page"`
}

// ProrationBehavior controls billing when a subscription changes product.
type ProrationBehavior string

const (
	ProrationInvoice ProrationBehavior = "invoice"
	ProrationProrate ProrationBehavior = "prorate"
)

// SubscriptionUpdate is the body of a subscription update. Polar accepts
// exactly one of the groups below per request.
type SubscriptionUpdate struct {
	ProductID         *string           `json:"product_id,omitempty"`
	ProrationBehavior ProrationBehavior `json:"proration_behavior,omitempty"`
	CancelAtPeriodEnd *bool             `json:"cancel_at_period_end,omitempty"`
	Revoke            *bool             `json:"revoke,omitempty"`
	Seats             *int              `json:"seats,omitempty"`
	DiscountID        *string           `json:"discount_id,omitempty"`
}

// SubscriptionResource is a subscription as returned by the API.
type SubscriptionResource struct {
	ID                string             `json:"id"`
	Status            SubscriptionStatus `json:"status"`
	ProductID         string             `json:"product_id"`
	CustomerID        string             `json:"customer_id"`
	CurrentPeriodEnd  *time.Time         `json:"current_period_end"`
	TrialEnd          *time.Time         `json:"trial_end"`
	EndsAt            *time.Time         `json:"ends_at"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end"`
}

// Sync converts the resource into the fields a local sync overwrites.
func (r *SubscriptionResource) Sync() SubscriptionSync {
	return SubscriptionSync{
		Status:           r.Status,
		ProductID:        r.ProductID,
		CurrentPeriodEnd: r.CurrentPeriodEnd,
		TrialEndsAt:      r.TrialEnd,
		EndsAt:           r.EndsAt,
	}
}

// Address is a billing address.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	Country    string `json:"country"`
}

// CheckoutCreateRequest is the body of POST /v1/checkouts/.
type CheckoutCreateRequest struct {
	Products               []string       `json:"products"`
	Metadata               map[string]any `json:"metadata,omitempty"`
	CustomFieldData        map[string]any `json:"custom_field_data,omitempty"`
	CustomerMetadata       map[string]any `json:"customer_metadata,omitempty"`
	DiscountID             string         `json:"discount_id,omitempty"`
	AllowDiscountCodes     bool           `json:"allow_discount_codes"`
	Amount                 *int64         `json:"amount,omitempty"`
	CustomerID             string         `json:"customer_id,omitempty"`
	ExternalCustomerID     string         `json:"external_customer_id,omitempty"`
	CustomerName           string         `json:"customer_name,omitempty"`
	CustomerEmail          string         `json:"customer_email,omitempty"`
	CustomerIPAddress      string         `json:"customer_ip_address,omitempty"`
	CustomerBillingAddress *Address       `json:"customer_billing_address,omitempty"`
	CustomerTaxID          string         `json:"customer_tax_id,omitempty"`
	SubscriptionID         string         `json:"subscription_id,omitempty"`
	SuccessURL             string         `json:"success_url,omitempty"`
	EmbedOrigin            string         `json:"embed_origin,omitempty"`
}

// CheckoutSession is the API response for a created checkout.
type CheckoutSession struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	ClientSecret string     `json:"client_secret"`
	Status       string     `json:"status"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// ListProductsParams filters GET /v1/products/.
type ListProductsParams struct {
	OrganizationID string
	IsArchived     *bool
	IsRecurring    *bool
	Page           int
	Limit          int
}

// ProductPrice is a price attached to a product.
type ProductPrice struct {
	ID                string `json:"id"`
	AmountType        string `json:"amount_type"`
	PriceAmount       int64  `json:"price_amount"`
	PriceCurrency     string `json:"price_currency"`
	RecurringInterval string `json:"recurring_interval"`
	IsArchived        bool   `json:"is_archived"`
}

// ProductResource is a product as returned by the API.
type ProductResource struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	IsRecurring       bool           `json:"is_recurring"`
	IsArchived        bool           `json:"is_archived"`
	OrganizationID    string         `json:"organization_id"`
	RecurringInterval string         `json:"recurring_interval"`
	Prices            []ProductPrice `json:"prices"`
}

// ProductList is a page of products.
type ProductList struct {
	Items      []ProductResource `json:"items"`
	Pagination Pagination        `json:"pagination"`
}

// CustomerSessionCreate selects the customer by Polar id or external id.
type CustomerSessionCreate struct {
	CustomerID         string `json:"customer_id,omitempty"`
	ExternalCustomerID string `json:"external_customer_id,omitempty"`
}

// CustomerSession grants temporary access to the customer portal.
type CustomerSession struct {
	ID                string    `json:"id"`
	Token             string    `json:"token"`
	CustomerID        string    `json:"customer_id"`
	CustomerPortalURL string    `json:"customer_portal_url"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// BenefitResource is a benefit as returned by the API. Properties stay raw
// since their shape depends on Type.
type BenefitResource struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Description    string          `json:"description"`
	Selectable     bool            `json:"selectable"`
	Deletable      bool            `json:"deletable"`
	OrganizationID string          `json:"organization_id"`
	Properties     json.RawMessage `json:"properties,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BenefitList is a page of benefits.
type BenefitList struct {
	Items      []BenefitResource `json:"items"`
	Pagination Pagination        `json:"pagination"`
}

// BenefitCreate is the body of POST /v1/benefits/.
type BenefitCreate struct {
	Type           string         `json:"type"`
	Description    string         `json:"description"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Properties     map[string]any `json:"properties"`
}

// BenefitUpdate is the body of PATCH /v1/benefits/{id}.
type BenefitUpdate struct {
	Type        string         `json:"type"`
	Description *string        `json:"description,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// BenefitGrantResource is a grant as returned by the API.
type BenefitGrantResource struct {
	ID         string          `json:"id"`
	BenefitID  string          `json:"benefit_id"`
	CustomerID string          `json:"customer_id"`
	IsGranted  bool            `json:"is_granted"`
	IsRevoked  bool            `json:"is_revoked"`
	GrantedAt  *time.Time      `json:"granted_at"`
	RevokedAt  *time.Time      `json:"revoked_at"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// BenefitGrantList is a page of grants.
type BenefitGrantList struct {
	Items      []BenefitGrantResource `json:"items"`
	Pagination Pagination             `json:"pagination"`
}

// UsageEvent is a metered usage event for a customer.
type UsageEvent struct {
	Name       string         `json:"name"`
	CustomerID string         `json:"customer_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IngestResult is the response of POST /v1/events/ingest.
type IngestResult struct {
	Inserted int `json:"inserted"`
}

// CustomerMetersParams filters GET /v1/customer-meters/.
type CustomerMetersParams struct {
	CustomerID string
	MeterID    string
}

// CustomerMeter is the balance of one meter for one customer.
type CustomerMeter struct {
	ID            string    `json:"id"`
	CustomerID    string    `json:"customer_id"`
	MeterID       string    `json:"meter_id"`
	ConsumedUnits float64   `json:"consumed_units"`
	CreditedUnits float64   `json:"credited_units"`
	Balance       float64   `json:"balance"`
	ModifiedAt    time.Time `json:"modified_at"`
}

// CustomerMeterList is a page of customer meters.
type CustomerMeterList struct {
	Items      []CustomerMeter `json:"items"`
	Pagination Pagination      `json:"pagination"`
}
