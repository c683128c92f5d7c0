// Package middleware holds the subscription gate shared by the framework
// adapters in its subpackages.
package middleware

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

// Requirement describes what a billable needs to pass a gate.
type Requirement struct {
	// Billing answers subscription queries (required)
	Billing *polar.Billing

	// SubscriptionType defaults to polar.DefaultSubscriptionType
	SubscriptionType string

	// ProductID optionally restricts the gate to one product
	ProductID string

	// AllowGenericTrial lets billables on a generic trial through
	AllowGenericTrial bool

	// DeniedStatusCode is returned when the requirement is not met
	// Default: 402 (Payment Required)
	DeniedStatusCode int
}

// WithDefaults validates r and fills defaults. It panics when Billing is
// missing so misconfiguration fails at startup.
func (r Requirement) WithDefaults(adapter string) Requirement {
	if r.Billing == nil {
		panic("gopolar/" + adapter + ": Requirement.Billing is required")
	}
	if r.SubscriptionType == "" {
		r.SubscriptionType = polar.DefaultSubscriptionType
	}
	if r.DeniedStatusCode == 0 {
		r.DeniedStatusCode = http.StatusPaymentRequired
	}
	return r
}

// Allowed reports whether owner meets the requirement.
func (r Requirement) Allowed(ctx context.Context, owner polar.Billable) (bool, error) {
	ok, err := r.Billing.Subscribed(ctx, owner, r.SubscriptionType, r.ProductID)
	if err != nil || ok {
		return ok, err
	}
	if r.AllowGenericTrial {
		return r.Billing.OnGenericTrial(ctx, owner)
	}
	return false, nil
}
