// Package firestore provides a Firestore implementation of the polar.Storage interface.
// Customers are keyed by billable, subscriptions and orders by their Polar id.
package firestore

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"net/url"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

// Storage implements polar.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	customersCollection     string
	subscriptionsCollection string
	ordersCollection        string
	now                     func() time.Time
}

var _ polar.Storage = (*Storage)(nil)

// Config holds Firestore storage configuration
type Config struct {
	// CustomersCollection is the Firestore collection for billable customers
	// Default: "polar_customers"
	CustomersCollection string

	// SubscriptionsCollection is the Firestore collection for subscriptions
	// Default: "polar_subscriptions"
	SubscriptionsCollection string

	// OrdersCollection is the Firestore collection for orders
	// Default: "polar_orders"
	OrdersCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.CustomersCollection == "" {
		config.CustomersCollection = "polar_customers"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "polar_subscriptions"
	}
	if config.OrdersCollection == "" {
		config.OrdersCollection = "polar_orders"
	}

	return &Storage{
		client:                  client,
		customersCollection:     config.CustomersCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		ordersCollection:        config.OrdersCollection,
		now:                     func() time.Time { return time.Now().UTC() },
	}, nil
}

// FirstOrCreateCustomer implements polar.Storage
func (s *Storage) FirstOrCreateCustomer(ctx context.Context, ref polar.BillableRef, polarID string) (*polar.Customer, error) {
	if ref.ID == "" || ref.Type == "" {
		return nil, fmt.Errorf("invalid billable reference %q", ref)
	}

	doc := s.customerDoc(ref)
	var data map[string]interface{}
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err == nil {
			data = snap.Data()
			return nil
		}
		if status.Code(err) != codes.NotFound {
			return err
		}

		now := s.now()
		data = map[string]interface{}{
			"id":           uuid.NewString(),
			"billableId":   ref.ID,
			"billableType": ref.Type,
			"polarId":      polarID,
			"trialEndsAt":  nil,
			"createdAt":    now,
			"updatedAt":    now,
		}
		return tx.Create(doc, data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	return customerFromData(data), nil
}

// GetCustomer implements polar.Storage
func (s *Storage) GetCustomer(ctx context.Context, ref polar.BillableRef) (*polar.Customer, error) {
	snap, err := s.customerDoc(ref).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, polar.ErrCustomerNotFound
		}
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return customerFromData(snap.Data()), nil
}

// LinkCustomer implements polar.Storage
func (s *Storage) LinkCustomer(ctx context.Context, ref polar.BillableRef, polarID string) (bool, error) {
	doc := s.customerDoc(ref)
	var linked bool
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		linked = false
		snap, err := tx.Get(doc)
		if err != nil {
			return err
		}
		if getString(snap.Data(), "polarId") != "" || polarID == "" {
			return nil
		}
		linked = true
		return tx.Update(doc, []firestore.Update{
			{Path: "polarId", Value: polarID},
			{Path: "updatedAt", Value: s.now()},
		})
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, polar.ErrCustomerNotFound
		}
		return false, fmt.Errorf("failed to link customer: %w", err)
	}
	return linked, nil
}

// SetCustomerTrialEndsAt implements polar.Storage
func (s *Storage) SetCustomerTrialEndsAt(ctx context.Context, ref polar.BillableRef, endsAt *time.Time) error {
	// Update fails with NotFound on missing documents.
	_, err := s.customerDoc(ref).Update(ctx, []firestore.Update{
		{Path: "trialEndsAt", Value: optTime(endsAt)},
		{Path: "updatedAt", Value: s.now()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return polar.ErrCustomerNotFound
		}
		return fmt.Errorf("failed to set customer trial: %w", err)
	}
	return nil
}

// CreateSubscription implements polar.Storage
func (s *Storage) CreateSubscription(ctx context.Context, sub *polar.Subscription) error {
	if sub == nil || sub.PolarID == "" {
		return fmt.Errorf("invalid subscription")
	}

	now := s.now()
	created := *sub
	created.ID = uuid.NewString()
	created.CreatedAt = now
	created.UpdatedAt = now

	data := subscriptionData(&created)
	data["seq"] = now.UnixNano()
	_, err := s.client.Collection(s.subscriptionsCollection).Doc(sub.PolarID).Create(ctx, data)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return polar.ErrSubscriptionExists
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	sub.ID = created.ID
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return nil
}

// GetSubscription implements polar.Storage
func (s *Storage) GetSubscription(ctx context.Context, polarID string) (*polar.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(polarID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, polar.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return subscriptionFromData(snap.Data()), nil
}

// SyncSubscription implements polar.Storage
func (s *Storage) SyncSubscription(ctx context.Context, polarID string, sync polar.SubscriptionSync) (*polar.Subscription, error) {
	doc := s.client.Collection(s.subscriptionsCollection).Doc(polarID)
	var out *polar.Subscription
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			return err
		}
		sub := subscriptionFromData(snap.Data())
		sync.Apply(sub)
		sub.UpdatedAt = s.now()
		out = sub
		return tx.Set(doc, subscriptionData(sub), firestore.MergeAll)
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, polar.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to sync subscription: %w", err)
	}
	return out, nil
}

// ListSubscriptions implements polar.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, ref polar.BillableRef) ([]*polar.Subscription, error) {
	docs, err := s.billableDocs(ctx, s.subscriptionsCollection, ref, "createdAt")
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	out := make([]*polar.Subscription, 0, len(docs))
	for _, data := range docs {
		out = append(out, subscriptionFromData(data))
	}
	return out, nil
}

// CreateOrder implements polar.Storage
func (s *Storage) CreateOrder(ctx context.Context, order *polar.Order) error {
	if order == nil || order.PolarID == "" {
		return fmt.Errorf("invalid order")
	}

	now := s.now()
	created := *order
	created.ID = uuid.NewString()
	created.CreatedAt = now
	created.UpdatedAt = now

	data := orderData(&created)
	data["seq"] = now.UnixNano()
	_, err := s.client.Collection(s.ordersCollection).Doc(order.PolarID).Create(ctx, data)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return polar.ErrOrderExists
		}
		return fmt.Errorf("failed to create order: %w", err)
	}

	order.ID = created.ID
	order.CreatedAt = now
	order.UpdatedAt = now
	return nil
}

// GetOrder implements polar.Storage
func (s *Storage) GetOrder(ctx context.Context, polarID string) (*polar.Order, error) {
	snap, err := s.client.Collection(s.ordersCollection).Doc(polarID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, polar.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return orderFromData(snap.Data()), nil
}

// SyncOrder implements polar.Storage
func (s *Storage) SyncOrder(ctx context.Context, polarID string, sync polar.OrderSync) (*polar.Order, error) {
	doc := s.client.Collection(s.ordersCollection).Doc(polarID)
	var out *polar.Order
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			return err
		}
		o := orderFromData(snap.Data())
		sync.Apply(o)
		o.UpdatedAt = s.now()
		out = o
		return tx.Set(doc, orderData(o), firestore.MergeAll)
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, polar.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to sync order: %w", err)
	}
	return out, nil
}

// ListOrders implements polar.Storage
func (s *Storage) ListOrders(ctx context.Context, ref polar.BillableRef) ([]*polar.Order, error) {
	docs, err := s.billableDocs(ctx, s.ordersCollection, ref, "orderedAt")
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	out := make([]*polar.Order, 0, len(docs))
	for _, data := range docs {
		out = append(out, orderFromData(data))
	}
	return out, nil
}

// billableDocs returns the documents owned by ref, newest first by timeKey.
// Sorting happens client side so no composite index is required.
func (s *Storage) billableDocs(ctx context.Context, collection string, ref polar.BillableRef, timeKey string) ([]map[string]interface{}, error) {
	iter := s.client.Collection(collection).
		Where("billableType", "==", ref.Type).
		Where("billableId", "==", ref.ID).
		Documents(ctx)
	defer iter.Stop()

	var docs []map[string]interface{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, snap.Data())
	}

	slices.SortFunc(docs, func(a, b map[string]interface{}) int {
		if c := getTime(b, timeKey).Compare(getTime(a, timeKey)); c != 0 {
			return c
		}
		return cmp.Compare(getInt(b, "seq"), getInt(a, "seq"))
	})
	return docs, nil
}

// customerDoc returns the document for a billable.
// Structure: polar_customers/{type}:{id}
func (s *Storage) customerDoc(ref polar.BillableRef) *firestore.DocumentRef {
	docID := url.PathEscape(ref.Type) + ":" + url.PathEscape(ref.ID)
	return s.client.Collection(s.customersCollection).Doc(docID)
}

func customerFromData(data map[string]interface{}) *polar.Customer {
	return &polar.Customer{
		ID:          getString(data, "id"),
		Billable:    polar.BillableRef{ID: getString(data, "billableId"), Type: getString(data, "billableType")},
		PolarID:     getString(data, "polarId"),
		TrialEndsAt: getTimePtr(data, "trialEndsAt"),
		CreatedAt:   getTime(data, "createdAt"),
		UpdatedAt:   getTime(data, "updatedAt"),
	}
}

func subscriptionData(sub *polar.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"id":               sub.ID,
		"billableId":       sub.Billable.ID,
		"billableType":     sub.Billable.Type,
		"type":             sub.Type,
		"polarId":          sub.PolarID,
		"status":           string(sub.Status),
		"productId":        sub.ProductID,
		"currentPeriodEnd": optTime(sub.CurrentPeriodEnd),
		"trialEndsAt":      optTime(sub.TrialEndsAt),
		"endsAt":           optTime(sub.EndsAt),
		"syncedAt":         optTime(sub.SyncedAt),
		"createdAt":        sub.CreatedAt,
		"updatedAt":        sub.UpdatedAt,
	}
}

func subscriptionFromData(data map[string]interface{}) *polar.Subscription {
	return &polar.Subscription{
		ID:               getString(data, "id"),
		Billable:         polar.BillableRef{ID: getString(data, "billableId"), Type: getString(data, "billableType")},
		Type:             getString(data, "type"),
		PolarID:          getString(data, "polarId"),
		Status:           polar.SubscriptionStatus(getString(data, "status")),
		ProductID:        getString(data, "productId"),
		CurrentPeriodEnd: getTimePtr(data, "currentPeriodEnd"),
		TrialEndsAt:      getTimePtr(data, "trialEndsAt"),
		EndsAt:           getTimePtr(data, "endsAt"),
		SyncedAt:         getTimePtr(data, "syncedAt"),
		CreatedAt:        getTime(data, "createdAt"),
		UpdatedAt:        getTime(data, "updatedAt"),
	}
}

func orderData(o *polar.Order) map[string]interface{} {
	return map[string]interface{}{
		"id":                o.ID,
		"billableId":        o.Billable.ID,
		"billableType":      o.Billable.Type,
		"polarId":           o.PolarID,
		"status":            string(o.Status),
		"amount":            o.Amount,
		"taxAmount":         o.TaxAmount,
		"refundedAmount":    o.RefundedAmount,
		"refundedTaxAmount": o.RefundedTaxAmount,
		"currency":          o.Currency,
		"billingReason":     o.BillingReason,
		"customerId":        o.CustomerID,
		"productId":         o.ProductID,
		"orderedAt":         o.OrderedAt,
		"refundedAt":        optTime(o.RefundedAt),
		"syncedAt":          optTime(o.SyncedAt),
		"createdAt":         o.CreatedAt,
		"updatedAt":         o.UpdatedAt,
	}
}

func orderFromData(data map[string]interface{}) *polar.Order {
	return &polar.Order{
		ID:                getString(data, "id"),
		Billable:          polar.BillableRef{ID: getString(data, "billableId"), Type: getString(data, "billableType")},
		PolarID:           getString(data, "polarId"),
		Status:            polar.OrderStatus(getString(data, "status")),
		Amount:            getInt(data, "amount"),
		TaxAmount:         getInt(data, "taxAmount"),
		RefundedAmount:    getInt(data, "refundedAmount"),
		RefundedTaxAmount: getInt(data, "refundedTaxAmount"),
		Currency:          getString(data, "currency"),
		BillingReason:     getString(data, "billingReason"),
		CustomerID:        getString(data, "customerId"),
		ProductID:         getString(data, "productId"),
		OrderedAt:         getTime(data, "orderedAt"),
		RefundedAt:        getTimePtr(data, "refundedAt"),
		SyncedAt:          getTimePtr(data, "syncedAt"),
		CreatedAt:         getTime(data, "createdAt"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func optTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	v, ok := data[key].(time.Time)
	if !ok || v.IsZero() {
		return nil
	}
	v = v.UTC()
	return &v
}
