package webhook

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopolar/pkg/polar"
	"github.com/mihaimyh/gopolar/storage/memory"
)

const testSecret = "test_secret"

type webhookMetrics struct {
	polar.NoopMetrics
	mu     sync.Mutex
	events []string
	errors []string
}

func (m *webhookMetrics) RecordWebhookEvent(eventType, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType+":"+status)
}

func (m *webhookMetrics) RecordWebhookError(errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, errorType)
}

func newTestHandler(t *testing.T, cfg Config, listeners ...Listener) (*Handler, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	d, err := NewDispatcher(DispatcherConfig{Storage: storage, Publisher: NewBus(listeners...)})
	require.NoError(t, err)
	cfg.Dispatcher = d
	h, err := NewHandler(cfg)
	require.NoError(t, err)
	return h, storage
}

func signedRequest(t *testing.T, secret string, payload []byte) *http.Request {
	t.Helper()
	v, err := NewVerifier(secret, 0)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/polar", bytes.NewReader(payload))
	for k, vals := range v.Headers("msg_1", time.Now(), payload) {
		req.Header[k] = vals
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestNewHandler_RequiresDispatcher(t *testing.T) {
	_, err := NewHandler(Config{Secret: testSecret})
	assert.ErrorIs(t, err, polar.ErrProviderNotConfigured)
}

func TestHandler_Success(t *testing.T) {
	metrics := &webhookMetrics{}
	h, storage := newTestHandler(t, Config{Secret: testSecret, Metrics: metrics})

	payload := body(t, EventOrderCreated, orderData("order_123", polar.OrderPaid, 0, ownerMetadata(nil)), time.Now())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, testSecret, payload))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	_, err := storage.GetOrder(context.Background(), "order_123")
	assert.NoError(t, err)
	assert.Equal(t, []string{"order.created:success"}, metrics.events)
}

func TestHandler_UnknownEventIsIgnored(t *testing.T) {
	metrics := &webhookMetrics{}
	h, _ := newTestHandler(t, Config{Secret: testSecret, Metrics: metrics})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, testSecret, []byte(`{"type":"unknown.event","data":[]}`)))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"unknown.event:ignored"}, metrics.events)
}

func TestHandler_Rejections(t *testing.T) {
	valid := []byte(`{"type":"product.created","data":{"id":"p","name":"Pro"}}`)

	tests := []struct {
		name      string
		cfg       Config
		request   func(t *testing.T) *http.Request
		wantCode  int
		wantError string
	}{
		{
			name: "method not allowed",
			cfg:  Config{Secret: testSecret},
			request: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodGet, "/webhooks/polar", nil)
			},
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name:     "not configured",
			cfg:      Config{},
			request:  func(t *testing.T) *http.Request { return signedRequest(t, testSecret, valid) },
			wantCode: http.StatusServiceUnavailable,
		},
		{
			name:      "bad signature",
			cfg:       Config{Secret: testSecret},
			request:   func(t *testing.T) *http.Request { return signedRequest(t, "wrong_secret", valid) },
			wantCode:  http.StatusUnauthorized,
			wantError: "auth_failed",
		},
		{
			name: "empty body",
			cfg:  Config{Secret: testSecret},
			request: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhooks/polar", strings.NewReader(""))
			},
			wantCode:  http.StatusBadRequest,
			wantError: "invalid_payload",
		},
		{
			name: "too large",
			cfg:  Config{Secret: testSecret, MaxBodyBytes: 16},
			request: func(t *testing.T) *http.Request {
				return signedRequest(t, testSecret, valid)
			},
			wantCode:  http.StatusRequestEntityTooLarge,
			wantError: "payload_too_large",
		},
		{
			name:      "malformed envelope",
			cfg:       Config{Secret: testSecret},
			request:   func(t *testing.T) *http.Request { return signedRequest(t, testSecret, []byte(`{"data":{}}`)) },
			wantCode:  http.StatusBadRequest,
			wantError: "invalid_payload",
		},
		{
			name: "missing metadata",
			cfg:  Config{Secret: testSecret},
			request: func(t *testing.T) *http.Request {
				return signedRequest(t, testSecret, body(t, EventOrderCreated, orderData("order_123", polar.OrderPaid, 0, []any{}), time.Now()))
			},
			wantCode:  http.StatusInternalServerError,
			wantError: "invalid_metadata",
		},
		{
			name: "invalid payload",
			cfg:  Config{Secret: testSecret},
			request: func(t *testing.T) *http.Request {
				return signedRequest(t, testSecret, []byte(`{"type":"product.created","data":{"id":"p"}}`))
			},
			wantCode:  http.StatusInternalServerError,
			wantError: "invalid_payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := &webhookMetrics{}
			tt.cfg.Metrics = metrics
			h, _ := newTestHandler(t, tt.cfg)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.request(t))

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantError != "" {
				assert.Equal(t, []string{tt.wantError}, metrics.errors)
			}
		})
	}
}

func TestHandler_ListenerErrorReturns500(t *testing.T) {
	metrics := &webhookMetrics{}
	failing := On(func(context.Context, ProductCreated) error { return errors.New("downstream unavailable") })
	h, _ := newTestHandler(t, Config{Secret: testSecret, Metrics: metrics}, failing)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, testSecret, []byte(`{"type":"product.created","data":{"id":"p","name":"Pro"}}`)))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, []string{"product.created:error"}, metrics.events)
	assert.Equal(t, []string{"processing_error"}, metrics.errors)
}

func TestHandler_RateLimit(t *testing.T) {
	h, _ := newTestHandler(t, Config{Secret: testSecret, RateLimit: 2, RateWindow: time.Minute})
	payload := []byte(`{"type":"product.created","data":{"id":"p","name":"Pro"}}`)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(t, testSecret, payload))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)
}

func TestHandler_RateLimitDisabled(t *testing.T) {
	h, _ := newTestHandler(t, Config{Secret: testSecret, RateLimit: -1})
	assert.Nil(t, h.limiter)
}
