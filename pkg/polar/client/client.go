// Package client implements polar.API over the Polar REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

const (
	// ProductionURL is the base URL of the live Polar API.
	ProductionURL = "https://api.polar.sh"
	// SandboxURL is the base URL of the Polar sandbox.
	SandboxURL = "https://sandbox-api.polar.sh"

	// Version is sent in the User-Agent header.
	Version = "0.1.0"

	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 4 << 20
)

// Config configures a Client.
type Config struct {
	// AccessToken is an organization access token (required). A leading
	// "Bearer " is stripped.
	AccessToken string

	// Server selects "production" or "sandbox" (default).
	Server string

	// BaseURL overrides Server, e.g. for tests.
	BaseURL string

	HTTPClient *http.Client
	UserAgent  string

	// FailureThreshold is the number of consecutive failures that open the
	// breaker. Zero means 5; negative disables the breaker.
	FailureThreshold int

	// OpenTimeout is how long the breaker stays open. Default 30s.
	OpenTimeout time.Duration

	Metrics polar.Metrics
	Logger  polar.Logger
}

// Client is an HTTP client for the Polar API.
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	metrics    polar.Metrics
	logger     polar.Logger
}

var _ polar.API = (*Client)(nil)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.AccessToken)
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[len("bearer "):])
	}
	if token == "" {
		return nil, fmt.Errorf("%w: access token is required", polar.ErrProviderNotConfigured)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch strings.ToLower(cfg.Server) {
		case "production":
			baseURL = ProductionURL
		case "", "sandbox":
			baseURL = SandboxURL
		default:
			return nil, fmt.Errorf("unknown polar server %q", cfg.Server)
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "gopolar/" + Version
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &polar.NoopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &polar.NoopLogger{}
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		userAgent:  userAgent,
		httpClient: httpClient,
		metrics:    metrics,
		logger:     logger,
	}
	if cfg.FailureThreshold >= 0 {
		c.breaker = newBreaker(cfg.FailureThreshold, cfg.OpenTimeout, metrics, logger)
	}
	return c, nil
}

func newBreaker(threshold int, timeout time.Duration, metrics polar.Metrics, logger polar.Logger) *gobreaker.CircuitBreaker[[]byte] {
	if threshold == 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "polar-api",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		// 4xx responses mean Polar is up.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var apiErr *polar.APIError
			return errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				polar.Field{Key: "breaker", Value: name},
				polar.Field{Key: "from", Value: from.String()},
				polar.Field{Key: "to", Value: to.String()},
			)
			metrics.RecordCircuitBreakerStateChange(name, to.String())
		},
	})
}

// BaseURL returns the API base URL in use.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) CreateCheckoutSession(ctx context.Context, req *polar.CheckoutCreateRequest) (*polar.CheckoutSession, error) {
	var out polar.CheckoutSession
	if err := c.do(ctx, "checkouts.create", http.MethodPost, "/v1/checkouts/", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateSubscription(ctx context.Context, subscriptionID string, req polar.SubscriptionUpdate) (*polar.SubscriptionResource, error) {
	var out polar.SubscriptionResource
	path := "/v1/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.do(ctx, "subscriptions.update", http.MethodPatch, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListProducts(ctx context.Context, params polar.ListProductsParams) (*polar.ProductList, error) {
	q := url.Values{}
	if params.OrganizationID != "" {
		q.Set("organization_id", params.OrganizationID)
	}
	if params.IsArchived != nil {
		q.Set("is_archived", strconv.FormatBool(*params.IsArchived))
	}
	if params.IsRecurring != nil {
		q.Set("is_recurring", strconv.FormatBool(*params.IsRecurring))
	}
	setPage(q, params.Page, params.Limit)

	var out polar.ProductList
	if err := c.do(ctx, "products.list", http.MethodGet, "/v1/products/", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateCustomerSession(ctx context.Context, req polar.CustomerSessionCreate) (*polar.CustomerSession, error) {
	var out polar.CustomerSession
	if err := c.do(ctx, "customer_sessions.create", http.MethodPost, "/v1/customer-sessions/", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListBenefits(ctx context.Context, organizationID string) (*polar.BenefitList, error) {
	q := url.Values{}
	if organizationID != "" {
		q.Set("organization_id", organizationID)
	}
	var out polar.BenefitList
	if err := c.do(ctx, "benefits.list", http.MethodGet, "/v1/benefits/", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetBenefit(ctx context.Context, benefitID string) (*polar.BenefitResource, error) {
	var out polar.BenefitResource
	if err := c.do(ctx, "benefits.get", http.MethodGet, benefitPath(benefitID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateBenefit(ctx context.Context, req polar.BenefitCreate) (*polar.BenefitResource, error) {
	var out polar.BenefitResource
	if err := c.do(ctx, "benefits.create", http.MethodPost, "/v1/benefits/", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateBenefit(ctx context.Context, benefitID string, req polar.BenefitUpdate) (*polar.BenefitResource, error) {
	var out polar.BenefitResource
	if err := c.do(ctx, "benefits.update", http.MethodPatch, benefitPath(benefitID), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteBenefit(ctx context.Context, benefitID string) error {
	return c.do(ctx, "benefits.delete", http.MethodDelete, benefitPath(benefitID), nil, nil, nil)
}

func (c *Client) ListBenefitGrants(ctx context.Context, benefitID string) (*polar.BenefitGrantList, error) {
	var out polar.BenefitGrantList
	if err := c.do(ctx, "benefits.grants", http.MethodGet, benefitPath(benefitID)+"/grants", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) IngestEvents(ctx context.Context, events []polar.UsageEvent) (*polar.IngestResult, error) {
	body := struct {
		Events []polar.UsageEvent `json:"events"`
	}{Events: events}
	var out polar.IngestResult
	if err := c.do(ctx, "events.ingest", http.MethodPost, "/v1/events/ingest", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListCustomerMeters(ctx context.Context, params polar.CustomerMetersParams) (*polar.CustomerMeterList, error) {
	q := url.Values{}
	if params.CustomerID != "" {
		q.Set("customer_id", params.CustomerID)
	}
	if params.MeterID != "" {
		q.Set("meter_id", params.MeterID)
	}
	var out polar.CustomerMeterList
	if err := c.do(ctx, "customer_meters.list", http.MethodGet, "/v1/customer-meters/", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCustomerMeter(ctx context.Context, customerMeterID string) (*polar.CustomerMeter, error) {
	var out polar.CustomerMeter
	path := "/v1/customer-meters/" + url.PathEscape(customerMeterID)
	if err := c.do(ctx, "customer_meters.get", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func benefitPath(id string) string {
	return "/v1/benefits/" + url.PathEscape(id)
}

func setPage(q url.Values, page, limit int) {
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
}

// do runs one request through the breaker and decodes the response into out.
func (c *Client) do(ctx context.Context, endpoint, method, path string, query url.Values, in, out any) error {
	start := time.Now()
	call := func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, query, in)
	}

	var (
		body []byte
		err  error
	)
	if c.breaker != nil {
		body, err = c.breaker.Execute(call)
	} else {
		body, err = call()
	}
	c.metrics.RecordAPICallDuration(endpoint, time.Since(start))

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.metrics.RecordAPICall(endpoint, "circuit_open")
		return fmt.Errorf("%s: %w", endpoint, polar.ErrCircuitOpen)
	}
	if err != nil {
		c.metrics.RecordAPICall(endpoint, "error")
		c.logger.Debug("polar API call failed",
			polar.Field{Key: "endpoint", Value: endpoint},
			polar.Field{Key: "error", Value: err.Error()},
		)
		return err
	}
	c.metrics.RecordAPICall(endpoint, "success")

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, in any) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader = http.NoBody
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polar request %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, decodeError(res.StatusCode, body)
	}
	return body, nil
}

// errorResponse covers both Polar error shapes: a JSON:API style errors
// array and the FastAPI style detail (string or validation list).
type errorResponse struct {
	Errors []struct {
		Detail string      `json:"detail"`
		Status json.Number `json:"status"`
	} `json:"errors"`
	Error  string          `json:"error"`
	Detail json.RawMessage `json:"detail"`
}

func decodeError(status int, body []byte) *polar.APIError {
	apiErr := &polar.APIError{Status: status}
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		apiErr.Detail = strings.TrimSpace(string(body))
		if apiErr.Detail == "" {
			apiErr.Detail = http.StatusText(status)
		}
		return apiErr
	}

	if len(resp.Errors) > 0 {
		apiErr.Detail = resp.Errors[0].Detail
		if n, err := resp.Errors[0].Status.Int64(); err == nil && n > 0 {
			apiErr.Status = int(n)
		}
		return apiErr
	}

	apiErr.Detail = detailText(resp.Detail)
	if apiErr.Detail == "" {
		apiErr.Detail = resp.Error
	}
	if apiErr.Detail == "" {
		apiErr.Detail = http.StatusText(status)
	}
	return apiErr
}

func detailText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return string(raw)
	}
	msgs := make([]string, 0, len(items))
	for _, it := range items {
		if len(it.Loc) > 0 {
			parts := make([]string, len(it.Loc))
			for i, p := range it.Loc {
				parts[i] = fmt.Sprint(p)
			}
			msgs = append(msgs, strings.Join(parts, ".")+": "+it.Msg)
			continue
		}
		msgs = append(msgs, it.Msg)
	}
	return strings.Join(msgs, "; ")
}
