// Package echo provides Echo handlers for Polar webhooks and a subscription gate
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gopolar/middleware"
	"github.com/mihaimyh/gopolar/pkg/polar"
)

// BillableKey is the context key RequireSubscription stores the billable under
const BillableKey = "polar.billable"

// BillableExtractor returns the billable making the request, or nil when
// the request is not authenticated.
type BillableExtractor func(c echo.Context) polar.Billable

// Config holds middleware configuration
type Config struct {
	middleware.Requirement

	// GetBillable extracts the billable from the context (required)
	GetBillable BillableExtractor

	// OnDenied is called when the billable lacks a valid subscription
	// If nil, responds DeniedStatusCode with a JSON error
	OnDenied func(c echo.Context, owner polar.Billable) error

	// OnUnauthorized is called when no billable was extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the subscription lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Webhook mounts a webhook handler, e.g.
//
//	e.POST("/polar/webhook", echo.Webhook(handler))
func Webhook(h http.Handler) echo.HandlerFunc {
	return echo.WrapHandler(h)
}

// RequireSubscription creates an Echo middleware that only lets billables
// with a valid subscription through.
func RequireSubscription(cfg Config) echo.MiddlewareFunc {
	cfg.Requirement = cfg.Requirement.WithDefaults("echo")
	if cfg.GetBillable == nil {
		panic("gopolar/echo: Config.GetBillable is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			owner := cfg.GetBillable(c)
			if owner == nil {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			ok, err := cfg.Allowed(c.Request().Context(), owner)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}
			if !ok {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, owner)
				}
				return c.JSON(cfg.DeniedStatusCode, map[string]string{
					"error":             "Subscription required",
					"subscription_type": cfg.SubscriptionType,
				})
			}

			c.Set(BillableKey, owner)
			return next(c)
		}
	}
}

// Convenience extractors

// FromContext returns a BillableExtractor reading a polar.Billable that an
// auth middleware stored via c.Set(key, ...).
func FromContext(key string) BillableExtractor {
	return func(c echo.Context) polar.Billable {
		if owner, ok := c.Get(key).(polar.Billable); ok {
			return owner
		}
		return nil
	}
}

// FromHeader returns a BillableExtractor building a reference of
// billableType from the id in headerName.
func FromHeader(headerName, billableType string) BillableExtractor {
	return func(c echo.Context) polar.Billable {
		if id := c.Request().Header.Get(headerName); id != "" {
			return polar.BillableRef{ID: id, Type: billableType}
		}
		return nil
	}
}

// FromParam returns a BillableExtractor reading the id from a route parameter
func FromParam(paramName, billableType string) BillableExtractor {
	return func(c echo.Context) polar.Billable {
		if id := c.Param(paramName); id != "" {
			return polar.BillableRef{ID: id, Type: billableType}
		}
		return nil
	}
}
