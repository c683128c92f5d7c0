// Package http provides net/http middleware that gates routes on a Polar
// subscription. It works with chi, gorilla/mux and the standard ServeMux.
package http

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gopolar/middleware"
	"github.com/mihaimyh/gopolar/pkg/polar"
)

// BillableExtractor returns the billable making the request, or nil when
// the request is not authenticated.
type BillableExtractor func(r *http.Request) polar.Billable

// Config holds middleware configuration
type Config struct {
	middleware.Requirement

	// GetBillable extracts the billable from the request (required)
	GetBillable BillableExtractor

	// OnDenied is called when the billable lacks a valid subscription
	// If nil, returns DeniedStatusCode with a plain text body
	OnDenied func(w http.ResponseWriter, r *http.Request, owner polar.Billable)

	// OnUnauthorized is called when no billable was extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the subscription lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireSubscription creates an HTTP middleware that only lets billables
// with a valid subscription through.
func RequireSubscription(config Config) func(http.Handler) http.Handler {
	config.Requirement = config.Requirement.WithDefaults("http")
	if config.GetBillable == nil {
		panic("gopolar/http: Config.GetBillable is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := config.GetBillable(r)
			if owner == nil {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			ok, err := config.Allowed(r.Context(), owner)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}
			if !ok {
				if config.OnDenied != nil {
					config.OnDenied(w, r, owner)
				} else {
					http.Error(w, "Subscription required", config.DeniedStatusCode)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithBillable(r.Context(), owner)))
		})
	}
}

// HandlerFunc is RequireSubscription for http.HandlerFunc chains.
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	mw := RequireSubscription(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return mw(next).ServeHTTP
	}
}

// ContextKey is a type for context keys
type ContextKey string

// BillableKey is the context key for the gated billable
const BillableKey ContextKey = "polar:billable"

// WithBillable adds the billable to the context
func WithBillable(ctx context.Context, owner polar.Billable) context.Context {
	return context.WithValue(ctx, BillableKey, owner)
}

// BillableFromContext returns the billable stored by WithBillable.
func BillableFromContext(ctx context.Context) (polar.Billable, bool) {
	owner, ok := ctx.Value(BillableKey).(polar.Billable)
	return owner, ok
}

// FromContext returns a BillableExtractor reading the billable that an
// authentication middleware stored under BillableKey.
func FromContext() BillableExtractor {
	return func(r *http.Request) polar.Billable {
		if owner, ok := BillableFromContext(r.Context()); ok {
			return owner
		}
		return nil
	}
}

// FromHeader returns a BillableExtractor building a reference of
// billableType from the id in headerName.
func FromHeader(headerName, billableType string) BillableExtractor {
	return func(r *http.Request) polar.Billable {
		if id := r.Header.Get(headerName); id != "" {
			return polar.BillableRef{ID: id, Type: billableType}
		}
		return nil
	}
}
