// Package redis provides a Redis implementation of the polar.Storage interface.
// Inserts that must honor Polar id uniqueness run as Lua scripts; syncs use
// optimistic WATCH transactions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

// Storage implements polar.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
	now     func() time.Time
}

var _ polar.Storage = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "polar:")
	KeyPrefix string

	// MaxRetries bounds optimistic transaction retries (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "polar:",
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "polar:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic inserts
func (s *Storage) loadScripts() {
	// Insert a record keyed by Polar id and index it for its billable.
	// Index members are "<seq>:<polar id>" so equal scores list newest first.
	s.scripts["insert"] = redis.NewScript(`
		local recordKey = KEYS[1]
		local indexKey = KEYS[2]
		local seqKey = KEYS[3]
		local data = ARGV[1]
		local score = ARGV[2]
		local polarID = ARGV[3]

		if redis.call('EXISTS', recordKey) == 1 then
			return 0
		end

		local seq = redis.call('INCR', seqKey)
		redis.call('SET', recordKey, data)
		redis.call('ZADD', indexKey, score, string.format('%019d', seq) .. ':' .. polarID)
		return 1
	`)
}

type customerRecord struct {
	ID           string     `json:"id"`
	BillableID   string     `json:"billable_id"`
	BillableType string     `json:"billable_type"`
	PolarID      string     `json:"polar_id,omitempty"`
	TrialEndsAt  *time.Time `json:"trial_ends_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (r *customerRecord) toCustomer() *polar.Customer {
	return &polar.Customer{
		ID:          r.ID,
		Billable:    polar.BillableRef{ID: r.BillableID, Type: r.BillableType},
		PolarID:     r.PolarID,
		TrialEndsAt: r.TrialEndsAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type subscriptionRecord struct {
	ID               string     `json:"id"`
	BillableID       string     `json:"billable_id"`
	BillableType     string     `json:"billable_type"`
	Type             string     `json:"type"`
	PolarID          string     `json:"polar_id"`
	Status           string     `json:"status"`
	ProductID        string     `json:"product_id"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	TrialEndsAt      *time.Time `json:"trial_ends_at,omitempty"`
	EndsAt           *time.Time `json:"ends_at,omitempty"`
	SyncedAt         *time.Time `json:"synced_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func newSubscriptionRecord(sub *polar.Subscription) *subscriptionRecord {
	return &subscriptionRecord{
		ID:               sub.ID,
		BillableID:       sub.Billable.ID,
		BillableType:     sub.Billable.Type,
		Type:             sub.Type,
		PolarID:          sub.PolarID,
		Status:           string(sub.Status),
		ProductID:        sub.ProductID,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		TrialEndsAt:      sub.TrialEndsAt,
		EndsAt:           sub.EndsAt,
		SyncedAt:         sub.SyncedAt,
		CreatedAt:        sub.CreatedAt,
		UpdatedAt:        sub.UpdatedAt,
	}
}

func (r *subscriptionRecord) toSubscription() *polar.Subscription {
	return &polar.Subscription{
		ID:               r.ID,
		Billable:         polar.BillableRef{ID: r.BillableID, Type: r.BillableType},
		Type:             r.Type,
		PolarID:          r.PolarID,
		Status:           polar.SubscriptionStatus(r.Status),
		ProductID:        r.ProductID,
		CurrentPeriodEnd: r.CurrentPeriodEnd,
		TrialEndsAt:      r.TrialEndsAt,
		EndsAt:           r.EndsAt,
		SyncedAt:         r.SyncedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type orderRecord struct {
	ID                string     `json:"id"`
	BillableID        string     `json:"billable_id"`
	BillableType      string     `json:"billable_type"`
	PolarID           string     `json:"polar_id"`
	Status            string     `json:"status"`
	Amount            int64      `json:"amount"`
	TaxAmount         int64      `json:"tax_amount"`
	RefundedAmount    int64      `json:"refunded_amount"`
	RefundedTaxAmount int64      `json:"refunded_tax_amount"`
	Currency          string     `json:"currency"`
	BillingReason     string     `json:"billing_reason"`
	CustomerID        string     `json:"customer_id"`
	ProductID         string     `json:"product_id"`
	OrderedAt         time.Time  `json:"ordered_at"`
	RefundedAt        *time.Time `json:"refunded_at,omitempty"`
	SyncedAt          *time.Time `json:"synced_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func newOrderRecord(o *polar.Order) *orderRecord {
	return &orderRecord{
		ID:                o.ID,
		BillableID:        o.Billable.ID,
		BillableType:      o.Billable.Type,
		PolarID:           o.PolarID,
		Status:            string(o.Status),
		Amount:            o.Amount,
		TaxAmount:         o.TaxAmount,
		RefundedAmount:    o.RefundedAmount,
		RefundedTaxAmount: o.RefundedTaxAmount,
		Currency:          o.Currency,
		BillingReason:     o.BillingReason,
		CustomerID:        o.CustomerID,
		ProductID:         o.ProductID,
		OrderedAt:         o.OrderedAt,
		RefundedAt:        o.RefundedAt,
		SyncedAt:          o.SyncedAt,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

func (r *orderRecord) toOrder() *polar.Order {
	return &polar.Order{
		ID:                r.ID,
		Billable:          polar.BillableRef{ID: r.BillableID, Type: r.BillableType},
		PolarID:           r.PolarID,
		Status:            polar.OrderStatus(r.Status),
		Amount:            r.Amount,
		TaxAmount:         r.TaxAmount,
		RefundedAmount:    r.RefundedAmount,
		RefundedTaxAmount: r.RefundedTaxAmount,
		Currency:          r.Currency,
		BillingReason:     r.BillingReason,
		CustomerID:        r.CustomerID,
		ProductID:         r.ProductID,
		OrderedAt:         r.OrderedAt,
		RefundedAt:        r.RefundedAt,
		SyncedAt:          r.SyncedAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// FirstOrCreateCustomer implements polar.Storage
func (s *Storage) FirstOrCreateCustomer(ctx context.Context, ref polar.BillableRef, polarID string) (*polar.Customer, error) {
	if ref.ID == "" || ref.Type == "" {
		return nil, fmt.Errorf("invalid billable reference %q", ref)
	}

	now := s.now()
	data, err := json.Marshal(&customerRecord{
		ID:           uuid.NewString(),
		BillableID:   ref.ID,
		BillableType: ref.Type,
		PolarID:      polarID,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal customer: %w", err)
	}
	if err := s.client.SetNX(ctx, s.customerKey(ref), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	return s.GetCustomer(ctx, ref)
}

// GetCustomer implements polar.Storage
func (s *Storage) GetCustomer(ctx context.Context, ref polar.BillableRef) (*polar.Customer, error) {
	rec, err := getRecord[customerRecord](ctx, s.client, s.customerKey(ref))
	if errors.Is(err, redis.Nil) {
		return nil, polar.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return rec.toCustomer(), nil
}

// LinkCustomer implements polar.Storage
func (s *Storage) LinkCustomer(ctx context.Context, ref polar.BillableRef, polarID string) (bool, error) {
	var linked bool
	err := s.update(ctx, s.customerKey(ref), polar.ErrCustomerNotFound, func(data []byte) ([]byte, error) {
		var rec customerRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		if rec.PolarID != "" || polarID == "" {
			linked = false
			return nil, nil
		}
		rec.PolarID = polarID
		rec.UpdatedAt = s.now()
		linked = true
		return json.Marshal(&rec)
	})
	if err != nil {
		return false, err
	}
	return linked, nil
}

// SetCustomerTrialEndsAt implements polar.Storage
func (s *Storage) SetCustomerTrialEndsAt(ctx context.Context, ref polar.BillableRef, endsAt *time.Time) error {
	return s.update(ctx, s.customerKey(ref), polar.ErrCustomerNotFound, func(data []byte) ([]byte, error) {
		var rec customerRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		rec.TrialEndsAt = endsAt
		rec.UpdatedAt = s.now()
		return json.Marshal(&rec)
	})
}

// CreateSubscription implements polar.Storage
func (s *Storage) CreateSubscription(ctx context.Context, sub *polar.Subscription) error {
	if sub == nil || sub.PolarID == "" {
		return fmt.Errorf("invalid subscription")
	}

	now := s.now()
	rec := newSubscriptionRecord(sub)
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	inserted, err := s.insert(ctx, s.subscriptionKey(sub.PolarID), s.subscriptionIndexKey(sub.Billable), rec, now, sub.PolarID)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	if !inserted {
		return polar.ErrSubscriptionExists
	}
	sub.ID = rec.ID
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return nil
}

// GetSubscription implements polar.Storage
func (s *Storage) GetSubscription(ctx context.Context, polarID string) (*polar.Subscription, error) {
	rec, err := getRecord[subscriptionRecord](ctx, s.client, s.subscriptionKey(polarID))
	if errors.Is(err, redis.Nil) {
		return nil, polar.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return rec.toSubscription(), nil
}

// SyncSubscription implements polar.Storage
func (s *Storage) SyncSubscription(ctx context.Context, polarID string, sync polar.SubscriptionSync) (*polar.Subscription, error) {
	var out *polar.Subscription
	err := s.update(ctx, s.subscriptionKey(polarID), polar.ErrSubscriptionNotFound, func(data []byte) ([]byte, error) {
		var rec subscriptionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		sub := rec.toSubscription()
		sync.Apply(sub)
		sub.UpdatedAt = s.now()
		out = sub
		return json.Marshal(newSubscriptionRecord(sub))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListSubscriptions implements polar.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, ref polar.BillableRef) ([]*polar.Subscription, error) {
	keys, err := s.indexedKeys(ctx, s.subscriptionIndexKey(ref), s.subscriptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	recs, err := getRecords[subscriptionRecord](ctx, s.client, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	out := make([]*polar.Subscription, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toSubscription())
	}
	return out, nil
}

// CreateOrder implements polar.Storage
func (s *Storage) CreateOrder(ctx context.Context, order *polar.Order) error {
	if order == nil || order.PolarID == "" {
		return fmt.Errorf("invalid order")
	}

	now := s.now()
	rec := newOrderRecord(order)
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	inserted, err := s.insert(ctx, s.orderKey(order.PolarID), s.orderIndexKey(order.Billable), rec, order.OrderedAt, order.PolarID)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	if !inserted {
		return polar.ErrOrderExists
	}
	order.ID = rec.ID
	order.CreatedAt = now
	order.UpdatedAt = now
	return nil
}

// GetOrder implements polar.Storage
func (s *Storage) GetOrder(ctx context.Context, polarID string) (*polar.Order, error) {
	rec, err := getRecord[orderRecord](ctx, s.client, s.orderKey(polarID))
	if errors.Is(err, redis.Nil) {
		return nil, polar.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return rec.toOrder(), nil
}

// SyncOrder implements polar.Storage
func (s *Storage) SyncOrder(ctx context.Context, polarID string, sync polar.OrderSync) (*polar.Order, error) {
	var out *polar.Order
	err := s.update(ctx, s.orderKey(polarID), polar.ErrOrderNotFound, func(data []byte) ([]byte, error) {
		var rec orderRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		o := rec.toOrder()
		sync.Apply(o)
		o.UpdatedAt = s.now()
		out = o
		return json.Marshal(newOrderRecord(o))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListOrders implements polar.Storage
func (s *Storage) ListOrders(ctx context.Context, ref polar.BillableRef) ([]*polar.Order, error) {
	keys, err := s.indexedKeys(ctx, s.orderIndexKey(ref), s.orderKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	recs, err := getRecords[orderRecord](ctx, s.client, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	out := make([]*polar.Order, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toOrder())
	}
	return out, nil
}

// insert runs the insert script. It reports false when the record exists.
func (s *Storage) insert(ctx context.Context, recordKey, indexKey string, rec any, sortBy time.Time, polarID string) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	res, err := s.scripts["insert"].Run(ctx, s.client,
		[]string{recordKey, indexKey, s.seqKey()},
		string(data), sortBy.UnixMilli(), polarID,
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// update applies fn to the value at key inside a WATCH transaction. fn
// returning nil data leaves the value unchanged.
func (s *Storage) update(ctx context.Context, key string, notFound error, fn func(data []byte) ([]byte, error)) error {
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound
		}
		if err != nil {
			return err
		}
		updated, err := fn(data)
		if err != nil || updated == nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, notFound) {
			return fmt.Errorf("failed to update %s: %w", key, err)
		}
		return err
	}
	return fmt.Errorf("failed to update %s: too many concurrent writers", key)
}

// indexedKeys returns record keys from a billable index, newest first.
func (s *Storage) indexedKeys(ctx context.Context, indexKey string, recordKey func(string) string) ([]string, error) {
	members, err := s.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		_, polarID, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		keys = append(keys, recordKey(polarID))
	}
	return keys, nil
}

func getRecord[T any](ctx context.Context, client redis.UniversalClient, key string) (*T, error) {
	data, err := client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var rec T
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &rec, nil
}

func getRecords[T any](ctx context.Context, client redis.UniversalClient, keys []string) ([]*T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec T
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s *Storage) customerKey(ref polar.BillableRef) string {
	return fmt.Sprintf("%scustomer:%s:%s", s.config.KeyPrefix, ref.Type, ref.ID)
}

func (s *Storage) subscriptionKey(polarID string) string {
	return s.config.KeyPrefix + "subscription:" + polarID
}

func (s *Storage) orderKey(polarID string) string {
	return s.config.KeyPrefix + "order:" + polarID
}

func (s *Storage) subscriptionIndexKey(ref polar.BillableRef) string {
	return fmt.Sprintf("%sbillable:%s:%s:subscriptions", s.config.KeyPrefix, ref.Type, ref.ID)
}

func (s *Storage) orderIndexKey(ref polar.BillableRef) string {
	return fmt.Sprintf("%sbillable:%s:%s:orders", s.config.KeyPrefix, ref.Type, ref.ID)
}

func (s *Storage) seqKey() string {
	return s.config.KeyPrefix + "seq"
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
