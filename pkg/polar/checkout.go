package polar

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CheckoutBuilder assembles a checkout session for a billable. The billable
// reference is injected into customer metadata so that the webhook pipeline
// can correlate the resulting customer, orders and subscriptions.
type CheckoutBuilder struct {
	billing          *Billing
	owner            BillableRef
	subscriptionType string
	req              CheckoutCreateRequest
	err              error
}

// Checkout starts a checkout for owner over the given products.
func (b *Billing) Checkout(owner Billable, products ...string) *CheckoutBuilder {
	return &CheckoutBuilder{
		billing: b,
		owner:   RefOf(owner),
		req: CheckoutCreateRequest{
			Products:           products,
			AllowDiscountCodes: true,
		},
	}
}

// Subscribe starts a checkout creating a subscription of the given type.
func (b *Billing) Subscribe(owner Billable, subscriptionType string, products ...string) *CheckoutBuilder {
	c := b.Checkout(owner, products...)
	c.subscriptionType = subscriptionType
	return c
}

// WithMetadata sets checkout metadata. An empty map clears it.
func (c *CheckoutBuilder) WithMetadata(metadata map[string]any) *CheckoutBuilder {
	if len(metadata) == 0 {
		metadata = nil
	}
	c.req.Metadata = metadata
	return c
}

// WithCustomFieldData sets custom field values.
func (c *CheckoutBuilder) WithCustomFieldData(data map[string]any) *CheckoutBuilder {
	if len(data) == 0 {
		data = nil
	}
	c.req.CustomFieldData = data
	return c
}

// WithCustomerMetadata sets metadata copied to the created customer. String
// values are trimmed and nil values dropped. Reserved keys fail Create with
// ErrReservedMetadataKeys.
func (c *CheckoutBuilder) WithCustomerMetadata(metadata map[string]any) *CheckoutBuilder {
	processed := make(map[string]any, len(metadata))
	for k, v := range metadata {
		switch k {
		case MetadataBillableID, MetadataBillableType, MetadataSubscriptionType:
			c.err = ErrReservedMetadataKeys
		}
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			v = strings.TrimSpace(s)
		}
		processed[k] = v
	}
	if len(processed) == 0 {
		processed = nil
	}
	c.req.CustomerMetadata = processed
	return c
}

func (c *CheckoutBuilder) WithDiscountID(id string) *CheckoutBuilder {
	c.req.DiscountID = id
	return c
}

// WithoutDiscountCodes prevents the customer from entering discount codes.
func (c *CheckoutBuilder) WithoutDiscountCodes() *CheckoutBuilder {
	c.req.AllowDiscountCodes = false
	return c
}

// WithAmount sets a custom amount for pay-what-you-want products.
func (c *CheckoutBuilder) WithAmount(amount int64) *CheckoutBuilder {
	c.req.Amount = &amount
	return c
}

func (c *CheckoutBuilder) WithCustomerID(id string) *CheckoutBuilder {
	c.req.CustomerID = id
	return c
}

func (c *CheckoutBuilder) WithCustomerExternalID(id string) *CheckoutBuilder {
	c.req.ExternalCustomerID = id
	return c
}

func (c *CheckoutBuilder) WithCustomerName(name string) *CheckoutBuilder {
	c.req.CustomerName = name
	return c
}

func (c *CheckoutBuilder) WithCustomerEmail(email string) *CheckoutBuilder {
	c.req.CustomerEmail = email
	return c
}

func (c *CheckoutBuilder) WithCustomerIPAddress(ip string) *CheckoutBuilder {
	c.req.CustomerIPAddress = ip
	return c
}

func (c *CheckoutBuilder) WithCustomerBillingAddress(addr *Address) *CheckoutBuilder {
	c.req.CustomerBillingAddress = addr
	return c
}

func (c *CheckoutBuilder) WithCustomerTaxID(id string) *CheckoutBuilder {
	c.req.CustomerTaxID = id
	return c
}

// WithSubscriptionID upgrades an existing free subscription.
func (c *CheckoutBuilder) WithSubscriptionID(id string) *CheckoutBuilder {
	c.req.SubscriptionID = id
	return c
}

// WithSuccessURL sets the redirect target. Polar substitutes {CHECKOUT_ID}.
func (c *CheckoutBuilder) WithSuccessURL(url string) *CheckoutBuilder {
	c.req.SuccessURL = url
	return c
}

// WithEmbedOrigin sets the origin of the page embedding the checkout.
func (c *CheckoutBuilder) WithEmbedOrigin(origin string) *CheckoutBuilder {
	c.req.EmbedOrigin = origin
	return c
}

// Request returns the request Create would send.
func (c *CheckoutBuilder) Request() (*CheckoutCreateRequest, error) {
	if c.err != nil {
		return nil, c.err
	}
	if len(c.req.Products) == 0 {
		return nil, errors.New("checkout requires at least one product")
	}
	req := c.req
	meta := make(map[string]any, len(req.CustomerMetadata)+3)
	for k, v := range req.CustomerMetadata {
		meta[k] = v
	}
	meta[MetadataBillableID] = c.owner.ID
	meta[MetadataBillableType] = c.owner.Type
	if c.subscriptionType != "" {
		meta[MetadataSubscriptionType] = c.subscriptionType
	}
	req.CustomerMetadata = meta
	return &req, nil
}

// Create creates the checkout session. A linked customer is attached so
// Polar does not create a duplicate.
func (c *CheckoutBuilder) Create(ctx context.Context) (*CheckoutSession, error) {
	req, err := c.Request()
	if err != nil {
		return nil, err
	}
	if req.CustomerID == "" {
		customer, err := c.billing.storage.GetCustomer(ctx, c.owner)
		if err != nil && !errors.Is(err, ErrCustomerNotFound) {
			return nil, fmt.Errorf("failed to resolve customer: %w", err)
		}
		if customer.Linked() {
			req.CustomerID = customer.PolarID
		}
	}
	api, err := c.billing.client()
	if err != nil {
		return nil, err
	}
	return api.CreateCheckoutSession(ctx, req)
}

// URL creates the checkout session and returns its URL.
func (c *CheckoutBuilder) URL(ctx context.Context) (string, error) {
	session, err := c.Create(ctx)
	if err != nil {
		return "", err
	}
	if session.URL == "" {
		return "", &APIError{Status: 500, Detail: "failed to create checkout session"}
	}
	return session.URL, nil
}
