// Package gin provides Gin handlers for Polar webhooks and a subscription gate
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gopolar/middleware"
	"github.com/mihaimyh/gopolar/pkg/polar"
)

// BillableKey is the context key RequireSubscription stores the billable under
const BillableKey = "polar.billable"

// BillableExtractor returns the billable making the request, or nil when
// the request is not authenticated.
type BillableExtractor func(c *gongin.Context) polar.Billable

// Config holds middleware configuration
type Config struct {
	middleware.Requirement

	// GetBillable extracts the billable from the context (required)
	GetBillable BillableExtractor

	// OnDenied is called when the billable lacks a valid subscription
	// If nil, responds DeniedStatusCode with a JSON error
	OnDenied func(c *gongin.Context, owner polar.Billable)

	// OnUnauthorized is called when no billable was extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the subscription lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Webhook mounts a webhook handler, e.g.
//
//	r.POST("/polar/webhook", gin.Webhook(handler))
func Webhook(h http.Handler) gongin.HandlerFunc {
	return gongin.WrapH(h)
}

// RequireSubscription creates a Gin middleware that only lets billables with
// a valid subscription through.
func RequireSubscription(cfg Config) gongin.HandlerFunc {
	cfg.Requirement = cfg.Requirement.WithDefaults("gin")
	if cfg.GetBillable == nil {
		panic("gopolar/gin: Config.GetBillable is required")
	}

	return func(c *gongin.Context) {
		owner := cfg.GetBillable(c)
		if owner == nil {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		ok, err := cfg.Allowed(c.Request.Context(), owner)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}
		if !ok {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, owner)
			} else {
				c.JSON(cfg.DeniedStatusCode, gongin.H{
					"error":             "Subscription required",
					"subscription_type": cfg.SubscriptionType,
				})
			}
			c.Abort()
			return
		}

		c.Set(BillableKey, owner)
		c.Next()
	}
}

// Convenience extractors

// FromContext returns a BillableExtractor reading a polar.Billable that an
// auth middleware stored via c.Set(key, ...).
func FromContext(key string) BillableExtractor {
	return func(c *gongin.Context) polar.Billable {
		if val, exists := c.Get(key); exists {
			if owner, ok := val.(polar.Billable); ok {
				return owner
			}
		}
		return nil
	}
}

// FromHeader returns a BillableExtractor building a reference of
// billableType from the id in headerName.
func FromHeader(headerName, billableType string) BillableExtractor {
	return func(c *gongin.Context) polar.Billable {
		if id := c.GetHeader(headerName); id != "" {
			return polar.BillableRef{ID: id, Type: billableType}
		}
		return nil
	}
}

// FromParam returns a BillableExtractor reading the id from a route parameter
func FromParam(paramName, billableType string) BillableExtractor {
	return func(c *gongin.Context) polar.Billable {
		if id := c.Param(paramName); id != "" {
			return polar.BillableRef{ID: id, Type: billableType}
		}
		return nil
	}
}
