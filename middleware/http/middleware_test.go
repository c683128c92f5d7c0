package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopolar/middleware"
	"github.com/mihaimyh/gopolar/pkg/polar"
	"github.com/mihaimyh/gopolar/storage/memory"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// setupBilling returns a Billing where user 1 holds an active "default"
// subscription on prod_pro and user 3 is on a generic trial.
func setupBilling(t *testing.T) *polar.Billing {
	t.Helper()
	ctx := context.Background()
	storage := memory.New()

	require.NoError(t, storage.CreateSubscription(ctx, &polar.Subscription{
		Billable:  polar.BillableRef{ID: "1", Type: "users"},
		Type:      polar.DefaultSubscriptionType,
		PolarID:   "sub_1",
		Status:    polar.SubscriptionActive,
		ProductID: "prod_pro",
	}))

	b, err := polar.NewBilling(polar.BillingConfig{Storage: storage, Now: func() time.Time { return now }})
	require.NoError(t, err)
	require.NoError(t, b.SetGenericTrial(ctx, polar.BillableRef{ID: "3", Type: "users"}, now.Add(24*time.Hour)))
	return b
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	owner, _ := BillableFromContext(r.Context())
	_, _ = w.Write([]byte("hello " + owner.BillableID()))
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
		{"subscribed", middleware.Requirement{}, "1", http.StatusOK, "hello 1"},
		{"not subscribed", middleware.Requirement{}, "2", http.StatusPaymentRequired, "Subscription required\n"},
		{"no billable", middleware.Requirement{}, "", http.StatusUnauthorized, "Unauthorized\n"},
		{"product matches", middleware.Requirement{ProductID: "prod_pro"}, "1", http.StatusOK, "hello 1"},
		{"product differs", middleware.Requirement{ProductID: "prod_team"}, "1", http.StatusPaymentRequired, "Subscription required\n"},
		{"other type", middleware.Requirement{SubscriptionType: "swimming"}, "1", http.StatusPaymentRequired, "Subscription required\n"},
		{"generic trial denied", middleware.Requirement{}, "3", http.StatusPaymentRequired, "Subscription required\n"},
		{"generic trial allowed", middleware.Requirement{AllowGenericTrial: true}, "3", http.StatusOK, "hello 3"},
		{"custom status", middleware.Requirement{DeniedStatusCode: http.StatusForbidden}, "2", http.StatusForbidden, "Subscription required\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Billing = billing
			mw := RequireSubscription(Config{Requirement: req, GetBillable: FromHeader("X-User-ID", "users")})

			r := httptest.NewRequest(http.MethodGet, "/reports", nil)
			if tt.userID != "" {
				r.Header.Set("X-User-ID", tt.userID)
			}
			w := httptest.NewRecorder()
			mw(http.HandlerFunc(okHandler)).ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
		})
	}
}

type failingStorage struct {
	*memory.Storage
}

func (failingStorage) ListSubscriptions(context.Context, polar.BillableRef) ([]*polar.Subscription, error) {
	return nil, errors.New("connection refused")
}

func TestRequireSubscription_Callbacks(t *testing.T) {
	b, err := polar.NewBilling(polar.BillingConfig{Storage: failingStorage{memory.New()}})
	require.NoError(t, err)

	var gotErr error
	mw := RequireSubscription(Config{
		Requirement: middleware.Requirement{Billing: b},
		GetBillable: FromHeader("X-User-ID", "users"),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-User-ID", "1")
	w := httptest.NewRecorder()
	mw(http.HandlerFunc(okHandler)).ServeHTTP(w, r)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.EqualError(t, gotErr, "connection refused")
}

func TestRequireSubscription_OnDenied(t *testing.T) {
	var denied polar.Billable
	mw := HandlerFunc(Config{
		Requirement: middleware.Requirement{Billing: setupBilling(t)},
		GetBillable: FromContext(),
		OnDenied: func(w http.ResponseWriter, r *http.Request, owner polar.Billable) {
			denied = owner
			http.Redirect(w, r, "/billing", http.StatusFound)
		},
	})

	ref := polar.BillableRef{ID: "9", Type: "teams"}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(WithBillable(r.Context(), ref))
	w := httptest.NewRecorder()
	mw(okHandler)(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, ref, denied)
}

func TestRequireSubscription_PanicsWithoutConfig(t *testing.T) {
	assert.Panics(t, func() { RequireSubscription(Config{GetBillable: FromContext()}) })
	assert.Panics(t, func() {
		RequireSubscription(Config{Requirement: middleware.Requirement{Billing: setupBilling(t)}})
	})
}
