// Package postgres provides a PostgreSQL implementation of the polar.Storage interface.
// Uniqueness of billables and Polar ids is enforced by the schema, so concurrent
// webhook deliveries cannot create duplicate rows.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Storage implements polar.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	now    func() time.Time
}

var _ polar.Storage = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate creates the tables on startup when they are missing
	Migrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{
		pool:   pool,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the polar_* tables and indexes if they do not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const customerColumns = `id, billable_id, billable_type, polar_id, trial_ends_at, created_at, updated_at`

func scanCustomer(row pgx.Row) (*polar.Customer, error) {
	var c polar.Customer
	var polarID *string
	if err := row.Scan(&c.ID, &c.Billable.ID, &c.Billable.Type, &polarID, &c.TrialEndsAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if polarID != nil {
		c.PolarID = *polarID
	}
	return &c, nil
}

// FirstOrCreateCustomer implements polar.Storage
func (s *Storage) FirstOrCreateCustomer(ctx context.Context, ref polar.BillableRef, polarID string) (*polar.Customer, error) {
	if ref.ID == "" || ref.Type == "" {
		return nil, fmt.Errorf("invalid billable reference %q", ref)
	}

	now := s.now()
	// Insert-or-ignore then read keeps the lookup atomic under the unique constraint.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO polar_customers (id, billable_id, billable_type, polar_id, created_at, updated_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $5)
			ON CONFLICT (billable_id, billable_type) DO NOTHING`,
		uuid.NewString(), ref.ID, ref.Type, polarID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	return s.GetCustomer(ctx, ref)
}

// GetCustomer implements polar.Storage
func (s *Storage) GetCustomer(ctx context.Context, ref polar.BillableRef) (*polar.Customer, error) {
	c, err := scanCustomer(s.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM polar_customers WHERE billable_id = $1 AND billable_type = $2`,
		ref.ID, ref.Type))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, polar.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

// LinkCustomer implements polar.Storage
func (s *Storage) LinkCustomer(ctx context.Context, ref polar.BillableRef, polarID string) (bool, error) {
	if polarID == "" {
		_, err := s.GetCustomer(ctx, ref)
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE polar_customers SET polar_id = $3, updated_at = $4
			WHERE billable_id = $1 AND billable_type = $2 AND polar_id IS NULL`,
		ref.ID, ref.Type, polarID, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to link customer: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Either already linked or missing.
	if _, err := s.GetCustomer(ctx, ref); err != nil {
		return false, err
	}
	return false, nil
}

// SetCustomerTrialEndsAt implements polar.Storage
func (s *Storage) SetCustomerTrialEndsAt(ctx context.Context, ref polar.BillableRef, endsAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE polar_customers SET trial_ends_at = $3, updated_at = $4
			WHERE billable_id = $1 AND billable_type = $2`,
		ref.ID, ref.Type, endsAt, s.now())
	if err != nil {
		return fmt.Errorf("failed to set trial end: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return polar.ErrCustomerNotFound
	}
	return nil
}

const subscriptionColumns = `id, billable_id, billable_type, type, polar_id, status, product_id,
	current_period_end, trial_ends_at, ends_at, synced_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*polar.Subscription, error) {
	var sub polar.Subscription
	var status string
	err := row.Scan(&sub.ID, &sub.Billable.ID, &sub.Billable.Type, &sub.Type, &sub.PolarID, &status, &sub.ProductID,
		&sub.CurrentPeriodEnd, &sub.TrialEndsAt, &sub.EndsAt, &sub.SyncedAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Status = polar.SubscriptionStatus(status)
	return &sub, nil
}

// CreateSubscription implements polar.Storage
func (s *Storage) CreateSubscription(ctx context.Context, sub *polar.Subscription) error {
	if sub == nil || sub.PolarID == "" {
		return fmt.Errorf("invalid subscription")
	}

	id := uuid.NewString()
	now := s.now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO polar_subscriptions (id, billable_id, billable_type, type, polar_id, status, product_id,
				current_period_end, trial_ends_at, ends_at, synced_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		id, sub.Billable.ID, sub.Billable.Type, sub.Type, sub.PolarID, string(sub.Status), sub.ProductID,
		sub.CurrentPeriodEnd, sub.TrialEndsAt, sub.EndsAt, sub.SyncedAt, now)
	if isUniqueViolation(err) {
		return polar.ErrSubscriptionExists
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	sub.ID = id
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return nil
}

// GetSubscription implements polar.Storage
func (s *Storage) GetSubscription(ctx context.Context, polarID string) (*polar.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM polar_subscriptions WHERE polar_id = $1`, polarID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, polar.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// SyncSubscription implements polar.Storage
func (s *Storage) SyncSubscription(ctx context.Context, polarID string, sync polar.SubscriptionSync) (*polar.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`UPDATE polar_subscriptions SET status = $2, product_id = $3, current_period_end = $4,
				trial_ends_at = $5, ends_at = $6, synced_at = $7, updated_at = $8
			WHERE polar_id = $1
			RETURNING `+subscriptionColumns,
		polarID, string(sync.Status), sync.ProductID, sync.CurrentPeriodEnd,
		sync.TrialEndsAt, sync.EndsAt, sync.SyncedAt, s.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, polar.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to sync subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions implements polar.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, ref polar.BillableRef) ([]*polar.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM polar_subscriptions
			WHERE billable_id = $1 AND billable_type = $2
			ORDER BY created_at DESC, seq DESC`,
		ref.ID, ref.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*polar.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

const orderColumns = `id, billable_id, billable_type, polar_id, status, amount, tax_amount, refunded_amount,
	refunded_tax_amount, currency, billing_reason, customer_id, product_id, ordered_at, refunded_at,
	synced_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*polar.Order, error) {
	var o polar.Order
	var status string
	err := row.Scan(&o.ID, &o.Billable.ID, &o.Billable.Type, &o.PolarID, &status, &o.Amount, &o.TaxAmount,
		&o.RefundedAmount, &o.RefundedTaxAmount, &o.Currency, &o.BillingReason, &o.CustomerID, &o.ProductID,
		&o.OrderedAt, &o.RefundedAt, &o.SyncedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = polar.OrderStatus(status)
	return &o, nil
}

// CreateOrder implements polar.Storage
func (s *Storage) CreateOrder(ctx context.Context, order *polar.Order) error {
	if order == nil || order.PolarID == "" {
		return fmt.Errorf("invalid order")
	}

	id := uuid.NewString()
	now := s.now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO polar_orders (id, billable_id, billable_type, polar_id, status, amount, tax_amount,
				refunded_amount, refunded_tax_amount, currency, billing_reason, customer_id, product_id,
				ordered_at, refunded_at, synced_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)`,
		id, order.Billable.ID, order.Billable.Type, order.PolarID, string(order.Status), order.Amount, order.TaxAmount,
		order.RefundedAmount, order.RefundedTaxAmount, order.Currency, order.BillingReason, order.CustomerID,
		order.ProductID, order.OrderedAt, order.RefundedAt, order.SyncedAt, now)
	if isUniqueViolation(err) {
		return polar.ErrOrderExists
	}
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	order.ID = id
	order.CreatedAt = now
	order.UpdatedAt = now
	return nil
}

// GetOrder implements polar.Storage
func (s *Storage) GetOrder(ctx context.Context, polarID string) (*polar.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM polar_orders WHERE polar_id = $1`, polarID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, polar.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// SyncOrder implements polar.Storage
func (s *Storage) SyncOrder(ctx context.Context, polarID string, sync polar.OrderSync) (*polar.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`UPDATE polar_orders SET status = $2, amount = $3, tax_amount = $4, refunded_amount = $5,
				refunded_tax_amount = $6, currency = $7, billing_reason = $8, customer_id = $9,
				product_id = $10, refunded_at = $11, synced_at = $12, updated_at = $13
			WHERE polar_id = $1
			RETURNING `+orderColumns,
		polarID, string(sync.Status), sync.Amount, sync.TaxAmount, sync.RefundedAmount,
		sync.RefundedTaxAmount, sync.Currency, sync.BillingReason, sync.CustomerID,
		sync.ProductID, sync.RefundedAt, sync.SyncedAt, s.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, polar.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to sync order: %w", err)
	}
	return o, nil
}

// ListOrders implements polar.Storage
func (s *Storage) ListOrders(ctx context.Context, ref polar.BillableRef) ([]*polar.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM polar_orders
			WHERE billable_id = $1 AND billable_type = $2
			ORDER BY ordered_at DESC, seq DESC`,
		ref.ID, ref.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []*polar.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
