package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gopolar/pkg/polar"
	"github.com/mihaimyh/gopolar/pkg/polar/internal"
)

// Config configures the HTTP webhook handler.
type Config struct {
	// Dispatcher processes verified deliveries (required).
	Dispatcher *Dispatcher

	// Secret is the Polar webhook secret. Requests are rejected with 503
	// while it is empty.
	Secret string

	// Tolerance is the accepted clock skew (default 5m).
	Tolerance time.Duration

	// MaxBodyBytes caps request bodies (default 256KB).
	MaxBodyBytes int64

	// RateLimit is the number of requests per RateWindow allowed per client
	// IP (default 100 per minute). A negative value disables limiting.
	RateLimit  int
	RateWindow time.Duration

	Metrics polar.Metrics
	Logger  polar.Logger
}

// DefaultConfig returns a configuration with the defaults filled in.
func DefaultConfig() Config {
	return Config{
		Tolerance:    DefaultTolerance,
		MaxBodyBytes: 256 * 1024,
		RateLimit:    100,
		RateWindow:   time.Minute,
	}
}

// Handler receives Polar webhook deliveries over HTTP.
type Handler struct {
	dispatcher *Dispatcher
	verifier   *Verifier
	maxBody    int64
	limiter    *internal.RateLimiter
	metrics    polar.Metrics
	logger     polar.Logger
	now        func() time.Time
	handler    http.Handler
}

// NewHandler creates the webhook handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("%w: webhook handler requires a dispatcher", polar.ErrProviderNotConfigured)
	}
	def := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &polar.NoopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &polar.NoopLogger{}
	}

	h := &Handler{
		dispatcher: cfg.Dispatcher,
		maxBody:    cfg.MaxBodyBytes,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        time.Now,
	}
	if cfg.Secret != "" {
		v, err := NewVerifier(cfg.Secret, cfg.Tolerance)
		if err != nil {
			return nil, err
		}
		h.verifier = v
	}

	h.handler = http.HandlerFunc(h.handle)
	if cfg.RateLimit > 0 {
		h.limiter = internal.NewRateLimiter(cfg.RateLimit, cfg.RateWindow)
		h.handler = h.limiter.Middleware(h.handler)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	startTime := h.now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.verifier == nil {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, h.maxBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError("payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			h.metrics.RecordWebhookError("invalid_payload")
		}
		return
	}

	if err := h.verifier.Verify(r.Header, body); err != nil {
		h.logger.Warn("webhook signature rejected",
			polar.ErrorField(err),
			polar.Field{Key: "ip", Value: internal.GetClientIP(r)})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		h.metrics.RecordWebhookError("auth_failed")
		return
	}

	env, err := ParseEnvelope(body, h.now())
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		h.metrics.RecordWebhookError("invalid_payload")
		return
	}

	if err := h.dispatcher.Dispatch(r.Context(), env); err != nil {
		h.logger.Error("webhook processing failed",
			polar.Field{Key: "type", Value: env.Type},
			polar.Field{Key: "webhook_id", Value: r.Header.Get(HeaderID)},
			polar.ErrorField(err))
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		h.metrics.RecordWebhookEvent(env.Type, "error")
		h.metrics.RecordWebhookError(errorType(err))
		h.metrics.RecordWebhookProcessingDuration(env.Type, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusAccepted)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}

	status := "success"
	if !IsKnownEventType(env.Type) {
		status = "ignored"
	}
	h.metrics.RecordWebhookEvent(env.Type, status)
	h.metrics.RecordWebhookProcessingDuration(env.Type, time.Since(startTime))
}

func errorType(err error) string {
	switch {
	case errors.Is(err, polar.ErrInvalidMetadataPayload):
		return "invalid_metadata"
	case errors.Is(err, polar.ErrInvalidWebhookPayload):
		return "invalid_payload"
	default:
		return "processing_error"
	}
}
