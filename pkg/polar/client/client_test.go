package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

type apiMetrics struct {
	polar.NoopMetrics
	mu    sync.Mutex
	calls []string
}

func (m *apiMetrics) RecordAPICall(endpoint, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, endpoint+":"+status)
}

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	if cfg.AccessToken == "" {
		cfg.AccessToken = "polar_oat_test"
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, polar.ErrProviderNotConfigured)

	tests := []struct {
		server string
		want   string
	}{
		{"", SandboxURL},
		{"sandbox", SandboxURL},
		{"production", ProductionURL},
		{"Production", ProductionURL},
	}
	for _, tt := range tests {
		c, err := New(Config{AccessToken: "tok", Server: tt.server})
		require.NoError(t, err)
		assert.Equal(t, tt.want, c.BaseURL())
	}

	_, err = New(Config{AccessToken: "tok", Server: "staging"})
	assert.Error(t, err)

	c, err := New(Config{AccessToken: "Bearer tok", BaseURL: "http://localhost:8080/"})
	require.NoError(t, err)
	assert.Equal(t, "tok", c.token)
	assert.Equal(t, "http://localhost:8080", c.BaseURL())
}

func TestClient_CreateCheckoutSession(t *testing.T) {
	var got polar.CheckoutCreateRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkouts/", r.URL.Path)
		assert.Equal(t, "Bearer polar_oat_test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "gopolar/"+Version, r.Header.Get("User-Agent"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"co_1","url":"https://polar.sh/checkout/co_1","status":"open"}`))
	}, Config{})

	session, err := c.CreateCheckoutSession(context.Background(), &polar.CheckoutCreateRequest{
		Products:         []string{"prod_1"},
		CustomerMetadata: map[string]any{"billable_id": "1", "billable_type": "users"},
	})
	require.NoError(t, err)
	assert.Equal(t, "co_1", session.ID)
	assert.Equal(t, "https://polar.sh/checkout/co_1", session.URL)
	assert.Equal(t, []string{"prod_1"}, got.Products)
	assert.Equal(t, "users", got.CustomerMetadata["billable_type"])
}

func TestClient_UpdateSubscription(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"cancel_at_period_end":true}`, string(body))
		_, _ = w.Write([]byte(`{"id":"sub_1","status":"active","product_id":"prod_1","cancel_at_period_end":true}`))
	}, Config{})

	cancel := true
	sub, err := c.UpdateSubscription(context.Background(), "sub_1", polar.SubscriptionUpdate{CancelAtPeriodEnd: &cancel})
	require.NoError(t, err)
	assert.Equal(t, polar.SubscriptionActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
}

func TestClient_QueryParameters(t *testing.T) {
	var queries []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Path+"?"+r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"items":[],"pagination":{"total_count":0,"max_page":1}}`))
	}, Config{})
	ctx := context.Background()

	archived := false
	_, err := c.ListProducts(ctx, polar.ListProductsParams{OrganizationID: "org_1", IsArchived: &archived, Page: 2, Limit: 10})
	require.NoError(t, err)
	_, err = c.ListBenefits(ctx, "org_1")
	require.NoError(t, err)
	_, err = c.ListCustomerMeters(ctx, polar.CustomerMetersParams{CustomerID: "cus_1", MeterID: "m_1"})
	require.NoError(t, err)
	_, err = c.ListBenefitGrants(ctx, "ben_1")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/v1/products/?is_archived=false&limit=10&organization_id=org_1&page=2",
		"/v1/benefits/?organization_id=org_1",
		"/v1/customer-meters/?customer_id=cus_1&meter_id=m_1",
		"/v1/benefits/ben_1/grants?",
	}, queries)
}

func TestClient_IngestEvents(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/events/ingest", r.URL.Path)
		var body struct {
			Events []polar.UsageEvent `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Events, 1)
		assert.Equal(t, "cus_1", body.Events[0].CustomerID)
		_, _ = w.Write([]byte(`{"inserted":1}`))
	}, Config{})

	res, err := c.IngestEvents(context.Background(), []polar.UsageEvent{{Name: "api_call", CustomerID: "cus_1", Timestamp: time.Now()}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
}

func TestClient_DeleteBenefit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/benefits/ben_1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}, Config{})

	assert.NoError(t, c.DeleteBenefit(context.Background(), "ben_1"))
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantDetail string
	}{
		{
			name:       "errors array",
			status:     http.StatusBadRequest,
			body:       `{"errors":[{"detail":"Product is archived","status":"422"}]}`,
			wantStatus: 422,
			wantDetail: "Product is archived",
		},
		{
			name:       "detail string",
			status:     http.StatusNotFound,
			body:       `{"error":"ResourceNotFound","detail":"Not found"}`,
			wantStatus: 404,
			wantDetail: "Not found",
		},
		{
			name:       "validation list",
			status:     http.StatusUnprocessableEntity,
			body:       `{"error":"RequestValidationError","detail":[{"loc":["body","products"],"msg":"Field required"}]}`,
			wantStatus: 422,
			wantDetail: "body.products: Field required",
		},
		{
			name:       "error only",
			status:     http.StatusForbidden,
			body:       `{"error":"NotPermitted"}`,
			wantStatus: 403,
			wantDetail: "NotPermitted",
		},
		{
			name:       "plain text",
			status:     http.StatusBadGateway,
			body:       "upstream down",
			wantStatus: 502,
			wantDetail: "upstream down",
		},
		{
			name:       "empty",
			status:     http.StatusServiceUnavailable,
			wantStatus: 503,
			wantDetail: "Service Unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, Config{FailureThreshold: -1})

			_, err := c.GetBenefit(context.Background(), "ben_1")
			var apiErr *polar.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.ErrorIs(t, err, polar.ErrProviderAPIError)
			assert.Equal(t, tt.wantStatus, apiErr.Status)
			assert.Equal(t, tt.wantDetail, apiErr.Detail)
		})
	}
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var hits int
	var mu sync.Mutex
	metrics := &apiMetrics{}
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}, Config{FailureThreshold: 2, OpenTimeout: time.Minute, Metrics: metrics})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.GetCustomerMeter(ctx, "cm_1")
		assert.ErrorIs(t, err, polar.ErrProviderAPIError)
	}
	_, err := c.GetCustomerMeter(ctx, "cm_1")
	assert.ErrorIs(t, err, polar.ErrCircuitOpen)

	mu.Lock()
	assert.Equal(t, 2, hits)
	mu.Unlock()
	assert.Equal(t, []string{
		"customer_meters.get:error",
		"customer_meters.get:error",
		"customer_meters.get:circuit_open",
	}, metrics.calls)
}

func TestClient_ClientErrorsDoNotTrip(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Not found"}`))
	}, Config{FailureThreshold: 1})

	for i := 0; i < 3; i++ {
		_, err := c.GetBenefit(context.Background(), "missing")
		assert.NotErrorIs(t, err, polar.ErrCircuitOpen)
		assert.ErrorIs(t, err, polar.ErrProviderAPIError)
	}
}

func TestClient_MalformedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":`))
	}, Config{})

	_, err := c.GetBenefit(context.Background(), "ben_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "benefits.get")
}

func TestClient_ImplementsBillingAPI(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/customer-sessions/", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"cs_1","customer_portal_url":"https://polar.sh/portal/x"}`))
	}, Config{})

	var api polar.API = c
	session, err := api.CreateCustomerSession(context.Background(), polar.CustomerSessionCreate{CustomerID: "cus_1"})
	require.NoError(t, err)
	assert.Equal(t, "https://polar.sh/portal/x", session.CustomerPortalURL)
}
