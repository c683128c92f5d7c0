package fiber

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopolar/middleware"
	"github.com/mihaimyh/gopolar/pkg/polar"
	"github.com/mihaimyh/gopolar/storage/memory"
)

// setupBilling returns a Billing where user 1 holds an active subscription
// and user 2 is on a generic trial.
func setupBilling(t *testing.T) *polar.Billing {
	t.Helper()
	ctx := context.Background()
	storage := memory.New()
	require.NoError(t, storage.CreateSubscription(ctx, &polar.Subscription{
		Billable: polar.BillableRef{ID: "1", Type: "users"},
		Type:     polar.DefaultSubscriptionType,
		PolarID:  "sub_1",
		Status:   polar.SubscriptionTrialing,
	}))
	b, err := polar.NewBilling(polar.BillingConfig{Storage: storage})
	require.NoError(t, err)
	require.NoError(t, b.SetGenericTrial(ctx, polar.BillableRef{ID: "2", Type: "users"}, time.Now().Add(time.Hour)))
	return b
}

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Get("/reports", RequireSubscription(cfg), func(c *fiber.Ctx) error {
		owner := c.Locals(BillableKey).(polar.Billable)
		return c.SendString("reports for " + owner.BillableID())
	})
	return app
}

func do(t *testing.T, app *fiber.App, userID string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRequireSubscription(t *testing.T) {
	billing := setupBilling(t)

	tests := []struct {
		name       string
		req        middleware.Requirement
		userID     string
		wantStatus int
		wantBody   string
	}{
		{"trialing subscription", middleware.Requirement{}, "1", fiber.StatusOK, "reports for 1"},
		{"generic trial denied", middleware.Requirement{}, "2", fiber.StatusPaymentRequired, "Subscription required"},
		{"generic trial allowed", middleware.Requirement{AllowGenericTrial: true}, "2", fiber.StatusOK, "reports for 2"},
		{"anonymous", middleware.Requirement{}, "", fiber.StatusUnauthorized, "Unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Billing = billing
			status, body := do(t, newApp(Config{Requirement: req, GetBillable: FromHeader("X-User-ID", "users")}), tt.userID)
			assert.Equal(t, tt.wantStatus, status)
			assert.Contains(t, body, tt.wantBody)
		})
	}
}

func TestFromContext(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user", polar.BillableRef{ID: "1", Type: "users"})
		return c.Next()
	})
	app.Get("/", RequireSubscription(Config{
		Requirement: middleware.Requirement{Billing: setupBilling(t)},
		GetBillable: FromContext("user"),
	}), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestWebhook(t *testing.T) {
	app := fiber.New()
	app.Post("/polar/webhook", Webhook(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write(body)
	})))

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/polar/webhook", strings.NewReader("ok")))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}
