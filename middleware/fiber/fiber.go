// Package fiber provides Fiber handlers for Polar webhooks and a subscription gate
package fiber

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/mihaimyh/gopolar/middleware"
	"github.com/mihaimyh/gopolar/pkg/polar"
)

// BillableKey is the Locals key RequireSubscription stores the billable under
const BillableKey = "polar.billable"

// BillableExtractor returns the billable making the request, or nil when
// the request is not authenticated.
type BillableExtractor func(c *fiber.Ctx) polar.Billable

// Config holds middleware configuration
type Config struct {
	middleware.Requirement

	// GetBillable extracts the billable from the context (required)
	GetBillable BillableExtractor

	// OnDenied is called when the billable lacks a valid subscription
	// If nil, responds DeniedStatusCode with a JSON error
	OnDenied func(c *fiber.Ctx, owner polar.Billable) error

	// OnUnauthorized is called when no billable was extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the subscription lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Webhook mounts a net/http webhook handler on fasthttp, e.g.
//
//	app.Post("/polar/webhook", fiber.Webhook(handler))
func Webhook(h http.Handler) fiber.Handler {
	return adaptor.HTTPHandler(h)
}

// RequireSubscription creates a Fiber middleware that only lets billables
// with a valid subscription through.
func RequireSubscription(cfg Config) fiber.Handler {
	cfg.Requirement = cfg.Requirement.WithDefaults("fiber")
	if cfg.GetBillable == nil {
		panic("gopolar/fiber: Config.GetBillable is required")
	}

	return func(c *fiber.Ctx) error {
		owner := cfg.GetBillable(c)
		if owner == nil {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		ok, err := cfg.Allowed(c.UserContext(), owner)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}
		if !ok {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, owner)
			}
			return c.Status(cfg.DeniedStatusCode).JSON(fiber.Map{
				"error":             "Subscription required",
				"subscription_type": cfg.SubscriptionType,
			})
		}

		c.Locals(BillableKey, owner)
		return c.Next()
	}
}

// Convenience extractors

// FromContext returns a BillableExtractor reading a polar.Billable that an
// auth middleware stored via c.Locals(key, ...).
func FromContext(key string) BillableExtractor {
	return func(c *fiber.Ctx) polar.Billable {
		if owner, ok := c.Locals(key).(polar.Billable); ok {
			return owner
		}
		return nil
	}
}

// FromHeader returns a BillableExtractor building a reference of
// billableType from the id in headerName.
func FromHeader(headerName, billableType string) BillableExtractor {
	return func(c *fiber.Ctx) polar.Billable {
		if id := c.Get(headerName); id != "" {
			return polar.BillableRef{ID: id, Type: billableType}
		}
		return nil
	}
}

// FromParam returns a BillableExtractor reading the id from a route parameter
func FromParam(paramName, billableType string) BillableExtractor {
	return func(c *fiber.Ctx) polar.Billable {
		if id := c.Params(paramName); id != "" {
			return polar.BillableRef{ID: id, Type: billableType}
		}
		return nil
	}
}
