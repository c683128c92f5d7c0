package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

// Config holds configuration for the billing status handler
type Config struct {
	// Billing is the billing facade (required)
	Billing *polar.Billing

	// GetBillable extracts the billable from the HTTP request (required)
	// Similar to middleware/http pattern
	GetBillable func(*http.Request) polar.Billable

	// IncludeOrders adds the billable's orders to the response
	IncludeOrders bool

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Now overrides the clock used for trial and grace period flags
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Billing == nil {
		return fmt.Errorf("billing is required")
	}
	if c.GetBillable == nil {
		return fmt.Errorf("getBillable is required")
	}
	return nil
}

// NewHandler creates a new billing status handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common billable extraction patterns

// FromHeader returns a GetBillable function that reads the billable id from a header
func FromHeader(headerName, billableType string) func(*http.Request) polar.Billable {
	return func(r *http.Request) polar.Billable {
		if id := r.Header.Get(headerName); id != "" {
			return polar.BillableRef{ID: id, Type: billableType}
		}
		return nil
	}
}

// FromContext returns a GetBillable function that reads the billable from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) polar.Billable {
	return func(r *http.Request) polar.Billable {
		if owner, ok := r.Context().Value(key).(polar.Billable); ok {
			return owner
		}
		return nil
	}
}
