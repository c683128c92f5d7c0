package polar

import (
	"context"
	"time"
)

// Storage defines the interface for persisting the local billing mirror.
// Implementations must be safe for concurrent use.
type Storage interface {
	// FirstOrCreateCustomer returns the shadow customer of ref, creating it
	// with polarID when absent. The lookup and insert must be atomic with
	// respect to the (billable_id, billable_type) uniqueness constraint.
	// polarID is only used on creation.
	FirstOrCreateCustomer(ctx context.Context, ref BillableRef, polarID string) (*Customer, error)

	// GetCustomer returns ErrCustomerNotFound when ref has no shadow customer.
	GetCustomer(ctx context.Context, ref BillableRef) (*Customer, error)

	// LinkCustomer sets the Polar customer id when it is still empty.
	// Returns true when the id was written.
	LinkCustomer(ctx context.Context, ref BillableRef, polarID string) (bool, error)

	// SetCustomerTrialEndsAt sets or clears the generic trial end.
	SetCustomerTrialEndsAt(ctx context.Context, ref BillableRef, endsAt *time.Time) error

	// CreateSubscription inserts sub, assigning ID and timestamps. Returns
	// ErrSubscriptionExists when the Polar id is already stored.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscription returns ErrSubscriptionNotFound for unknown Polar ids.
	GetSubscription(ctx context.Context, polarID string) (*Subscription, error)

	// SyncSubscription overwrites the synced fields of the subscription with
	// the given Polar id and returns the updated row.
	SyncSubscription(ctx context.Context, polarID string, sync SubscriptionSync) (*Subscription, error)

	// ListSubscriptions returns the billable's subscriptions, newest first.
	ListSubscriptions(ctx context.Context, ref BillableRef) ([]*Subscription, error)

	// CreateOrder inserts order, assigning ID and timestamps. Returns
	// ErrOrderExists when the Polar id is already stored.
	CreateOrder(ctx context.Context, order *Order) error

	// GetOrder returns ErrOrderNotFound for unknown Polar ids.
	GetOrder(ctx context.Context, polarID string) (*Order, error)

	// SyncOrder overwrites the synced fields of the order with the given
	// Polar id and returns the updated row.
	SyncOrder(ctx context.Context, polarID string, sync OrderSync) (*Order, error)

	// ListOrders returns the billable's orders, newest first.
	ListOrders(ctx context.Context, ref BillableRef) ([]*Order, error)
}
