package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

// Resolver maps the customer metadata of owner-scoped payloads onto local
// billables, creating the shadow customer on first sight.
type Resolver struct {
	storage polar.Storage
	loader  polar.BillableLoader
}

// NewResolver creates a resolver. A nil loader returns bare references.
func NewResolver(storage polar.Storage, loader polar.BillableLoader) *Resolver {
	if loader == nil {
		loader = polar.RefLoader{}
	}
	return &Resolver{storage: storage, loader: loader}
}

type ownerFields struct {
	CustomerID *string `json:"customer_id"`
	Customer   *struct {
		ID       *string         `json:"id"`
		Metadata json.RawMessage `json:"metadata"`
	} `json:"customer"`
}

// Ref extracts the billable reference and Polar customer id from raw event
// data. It fails with polar.ErrInvalidMetadataPayload unless
// customer.metadata carries non-empty billable_id and billable_type.
func Ref(data json.RawMessage) (polar.BillableRef, string, error) {
	var f ownerFields
	if err := json.Unmarshal(data, &f); err != nil || f.Customer == nil {
		return polar.BillableRef{}, "", polar.ErrInvalidMetadataPayload
	}
	var meta map[string]any
	if err := json.Unmarshal(f.Customer.Metadata, &meta); err != nil || meta == nil {
		return polar.BillableRef{}, "", polar.ErrInvalidMetadataPayload
	}
	id, okID := polar.MetadataValue(meta[polar.MetadataBillableID])
	typ, okType := polar.MetadataValue(meta[polar.MetadataBillableType])
	if !okID || !okType || id == "" || typ == "" {
		return polar.BillableRef{}, "", polar.ErrInvalidMetadataPayload
	}

	customerID := deref(f.CustomerID)
	if customerID == "" {
		customerID = deref(f.Customer.ID)
	}
	return polar.BillableRef{ID: id, Type: typ}, customerID, nil
}

// HasCustomer reports whether raw event data embeds a customer object.
func HasCustomer(data json.RawMessage) bool {
	var f ownerFields
	return json.Unmarshal(data, &f) == nil && f.Customer != nil
}

// Resolve returns the billable owning the event data together with its
// shadow customer. The Polar customer id seeds the shadow row on creation
// only.
func (r *Resolver) Resolve(ctx context.Context, data json.RawMessage) (polar.Billable, *polar.Customer, error) {
	ref, customerID, err := Ref(data)
	if err != nil {
		return nil, nil, err
	}
	customer, err := r.storage.FirstOrCreateCustomer(ctx, ref, customerID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve customer for %s: %w", ref, err)
	}
	owner, err := r.Load(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	return owner, customer, nil
}

// Load returns the application model behind ref.
func (r *Resolver) Load(ctx context.Context, ref polar.BillableRef) (polar.Billable, error) {
	owner, err := r.loader.LoadBillable(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load billable %s: %w", ref, err)
	}
	return owner, nil
}
