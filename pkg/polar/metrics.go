package polar

import "time"

// Metrics defines the interface for tracking webhook processing, reconciliation
// and Polar API calls. Components fall back to NoopMetrics when nil.
type Metrics interface {
	// RecordWebhookEvent records a webhook delivery.
	// status: "success", "error" or "ignored" (unknown event type)
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long a delivery took to dispatch.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a rejected or failed delivery.
	// errorType: e.g. "auth_failed", "invalid_payload", "payload_too_large", "processing_error"
	RecordWebhookError(errorType string)

	// RecordReconcile records a state reconciliation outcome.
	// aggregate: "order" or "subscription"
	// outcome: "created", "synced", "missing" or "stale"
	RecordReconcile(aggregate, outcome string)

	// RecordAPICall records an API call to Polar.
	// status: HTTP status code as string, or "error" for transport failures
	RecordAPICall(endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(endpoint string, duration time.Duration)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(name, state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordReconcile(_, _ string)                               {}
func (n *NoopMetrics) RecordAPICall(_, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_, _ string)               {}
