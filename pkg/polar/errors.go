package polar

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMetadataPayload is returned when customer metadata lacks billable_id or billable_type
	ErrInvalidMetadataPayload = errors.New("invalid metadata payload: billable_id and billable_type are required")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot be decoded
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrUnknownEventType is returned by the decoder for event types it has no schema for
	ErrUnknownEventType = errors.New("unknown webhook event type")

	// ErrUnknownSubscriptionStatus is returned for status strings outside the subscription enum
	ErrUnknownSubscriptionStatus = errors.New("unknown subscription status")

	// ErrUnknownOrderStatus is returned for status strings outside the order enum
	ErrUnknownOrderStatus = errors.New("unknown order status")

	// ErrCustomerNotFound is returned when no shadow customer exists for a billable
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrSubscriptionNotFound is returned when no local subscription has the Polar id
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrOrderNotFound is returned when no local order has the Polar id
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderExists is returned when inserting an order whose Polar id is already stored
	ErrOrderExists = errors.New("order already exists")

	// ErrSubscriptionExists is returned when inserting a subscription whose Polar id is already stored
	ErrSubscriptionExists = errors.New("subscription already exists")

	// ErrSubscriptionIncompleteExpired is returned when resuming an incomplete and expired subscription
	ErrSubscriptionIncompleteExpired = errors.New("subscription is incomplete and expired")

	// ErrReservedMetadataKeys is returned when checkout metadata overwrites keys owned by this package
	ErrReservedMetadataKeys = fmt.Errorf("metadata keys %q, %q and %q are reserved",
		MetadataBillableID, MetadataBillableType, MetadataSubscriptionType)

	// ErrProviderNotConfigured is returned when a component is missing a required dependency
	ErrProviderNotConfigured = errors.New("polar provider not configured")

	// ErrProviderAPIError is wrapped by every APIError
	ErrProviderAPIError = errors.New("polar API error")

	// ErrInvalidCustomer is wrapped by every InvalidCustomerError
	ErrInvalidCustomer = errors.New("invalid customer")
)

// APIError is returned when the Polar API responds with a non-2xx status.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return e.Detail
	}
	return fmt.Sprintf("polar API error (status %d): %s", e.Status, e.Detail)
}

func (e *APIError) Unwrap() error { return ErrProviderAPIError }

// InvalidCustomerError is returned for operations that need a linked Polar customer.
type InvalidCustomerError struct {
	Billable BillableRef
}

func (e *InvalidCustomerError) Error() string {
	return fmt.Sprintf("%s is not a Polar customer yet", e.Billable)
}

func (e *InvalidCustomerError) Unwrap() error { return ErrInvalidCustomer }

// DecodeError reports a payload that failed structural validation.
type DecodeError struct {
	EventType string
	Field     string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s: field %s: %v", e.EventType, e.Field, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.EventType, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is.
func (e *DecodeError) Unwrap() []error {
	return []error{ErrInvalidWebhookPayload, e.Err}
}
