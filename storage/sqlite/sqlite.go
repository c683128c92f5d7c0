// Package sqlite provides a SQLite implementation of the polar.Storage
// interface on the pure Go modernc.org/sqlite driver. It suits single-node
// deployments, the polarctl CLI and tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/mihaimyh/gopolar/pkg/polar"
)

//go:embed schema.sql
var schema string

// Fixed-width UTC layout so that text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Storage implements polar.Storage using SQLite
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

var _ polar.Storage = (*Storage)(nil)

// Config holds SQLite storage configuration
type Config struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string
}

// New opens the database and creates the tables when missing.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := config.Path
	if dsn != ":memory:" {
		if !strings.Contains(dsn, "?") {
			dsn += "?"
		} else {
			dsn += "&"
		}
		dsn += "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite doesn't support multiple writers, and each :memory: connection
	// is a separate database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Storage{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// timeScanner collects text columns and converts them after Scan.
type timeScanner struct {
	required []*time.Time
	reqRaw   []string
	optional []**time.Time
	optRaw   []sql.NullString
}

func (ts *timeScanner) req(dst *time.Time) *string {
	ts.required = append(ts.required, dst)
	ts.reqRaw = append(ts.reqRaw, "")
	return &ts.reqRaw[len(ts.reqRaw)-1]
}

func (ts *timeScanner) opt(dst **time.Time) *sql.NullString {
	ts.optional = append(ts.optional, dst)
	ts.optRaw = append(ts.optRaw, sql.NullString{})
	return &ts.optRaw[len(ts.optRaw)-1]
}

func (ts *timeScanner) convert() error {
	for i, dst := range ts.required {
		t, err := parseTime(ts.reqRaw[i])
		if err != nil {
			return err
		}
		*dst = t
	}
	for i, dst := range ts.optional {
		t, err := parseTimePtr(ts.optRaw[i])
		if err != nil {
			return err
		}
		*dst = t
	}
	return nil
}

func newTimeScanner(required, optional int) *timeScanner {
	// Capacity is fixed up front so the pointers handed to Scan stay valid.
	return &timeScanner{
		required: make([]*time.Time, 0, required),
		reqRaw:   make([]string, 0, required),
		optional: make([]**time.Time, 0, optional),
		optRaw:   make([]sql.NullString, 0, optional),
	}
}

const customerColumns = `id, billable_id, billable_type, polar_id, trial_ends_at, created_at, updated_at`

func scanCustomer(row interface{ Scan(...any) error }) (*polar.Customer, error) {
	var c polar.Customer
	var polarID sql.NullString
	ts := newTimeScanner(2, 1)
	err := row.Scan(&c.ID, &c.Billable.ID, &c.Billable.Type, &polarID,
		ts.opt(&c.TrialEndsAt), ts.req(&c.CreatedAt), ts.req(&c.UpdatedAt))
	if err != nil {
		return nil, err
	}
	c.PolarID = polarID.String
	return &c, ts.convert()
}

// FirstOrCreateCustomer implements polar.Storage
func (s *Storage) FirstOrCreateCustomer(ctx context.Context, ref polar.BillableRef, polarID string) (*polar.Customer, error) {
	if ref.ID == "" || ref.Type == "" {
		return nil, fmt.Errorf("invalid billable reference %q", ref)
	}

	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO polar_customers (id, billable_id, billable_type, polar_id, created_at, updated_at)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)
			ON CONFLICT (billable_id, billable_type) DO NOTHING`,
		uuid.NewString(), ref.ID, ref.Type, polarID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	return s.GetCustomer(ctx, ref)
}

// GetCustomer implements polar.Storage
func (s *Storage) GetCustomer(ctx context.Context, ref polar.BillableRef) (*polar.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM polar_customers WHERE billable_id = ? AND billable_type = ?`,
		ref.ID, ref.Type))
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE polar_customers SET polar_id = ?, updated_at = ?
			WHERE billable_id = ? AND billable_type = ? AND polar_id IS NULL`,
		polarID, formatTime(s.now()), ref.ID, ref.Type)
	if err != nil {
		return false, fmt.Errorf("failed to link customer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.GetCustomer(ctx, ref); err != nil {
		return false, err
	}
	return false, nil
}

// SetCustomerTrialEndsAt implements polar.Storage
func (s *Storage) SetCustomerTrialEndsAt(ctx context.Context, ref polar.BillableRef, endsAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE polar_customers SET trial_ends_at = ?, updated_at = ?
			WHERE billable_id = ? AND billable_type = ?`,
		formatTimePtr(endsAt), formatTime(s.now()), ref.ID, ref.Type)
	if err != nil {
		return fmt.Errorf("failed to set trial end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return polar.ErrCustomerNotFound
	}
	return nil
}

const subscriptionColumns = `id, billable_id, billable_type, type, polar_id, status, product_id,
	current_period_end, trial_ends_at, ends_at, synced_at, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*polar.Subscription, error) {
	var sub polar.Subscription
	var status string
	ts := newTimeScanner(2, 4)
	err := row.Scan(&sub.ID, &sub.Billable.ID, &sub.Billable.Type, &sub.Type, &sub.PolarID, &status, &sub.ProductID,
		ts.opt(&sub.CurrentPeriodEnd), ts.opt(&sub.TrialEndsAt), ts.opt(&sub.EndsAt), ts.opt(&sub.SyncedAt),
		ts.req(&sub.CreatedAt), ts.req(&sub.UpdatedAt))
	if err != nil {
		return nil, err
	}
	sub.Status = polar.SubscriptionStatus(status)
	return &sub, ts.convert()
}

// CreateSubscription implements polar.Storage
func (s *Storage) CreateSubscription(ctx context.Context, sub *polar.Subscription) error {
	if sub == nil || sub.PolarID == "" {
		return fmt.Errorf("invalid subscription")
	}

	id := uuid.NewString()
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO polar_subscriptions (id, billable_id, billable_type, type, polar_id, status, product_id,
				current_period_end, trial_ends_at, ends_at, synced_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (polar_id) DO NOTHING`,
		id, sub.Billable.ID, sub.Billable.Type, sub.Type, sub.PolarID, string(sub.Status), sub.ProductID,
		formatTimePtr(sub.CurrentPeriodEnd), formatTimePtr(sub.TrialEndsAt), formatTimePtr(sub.EndsAt),
		formatTimePtr(sub.SyncedAt), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return polar.ErrSubscriptionExists
	}
	sub.ID = id
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return nil
}

// GetSubscription implements polar.Storage
func (s *Storage) GetSubscription(ctx context.Context, polarID string) (*polar.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM polar_subscriptions WHERE polar_id = ?`, polarID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, polar.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// SyncSubscription implements polar.Storage
func (s *Storage) SyncSubscription(ctx context.Context, polarID string, sync polar.SubscriptionSync) (*polar.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`UPDATE polar_subscriptions SET status = ?, product_id = ?, current_period_end = ?,
				trial_ends_at = ?, ends_at = ?, synced_at = ?, updated_at = ?
			WHERE polar_id = ?
			RETURNING `+subscriptionColumns,
		string(sync.Status), sync.ProductID, formatTimePtr(sync.CurrentPeriodEnd),
		formatTimePtr(sync.TrialEndsAt), formatTimePtr(sync.EndsAt), formatTimePtr(sync.SyncedAt),
		formatTime(s.now()), polarID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, polar.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to sync subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions implements polar.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, ref polar.BillableRef) ([]*polar.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM polar_subscriptions
			WHERE billable_id = ? AND billable_type = ?
			ORDER BY created_at DESC, rowid DESC`,
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

func scanOrder(row interface{ Scan(...any) error }) (*polar.Order, error) {
	var o polar.Order
	var status string
	ts := newTimeScanner(3, 2)
	err := row.Scan(&o.ID, &o.Billable.ID, &o.Billable.Type, &o.PolarID, &status, &o.Amount, &o.TaxAmount,
		&o.RefundedAmount, &o.RefundedTaxAmount, &o.Currency, &o.BillingReason, &o.CustomerID, &o.ProductID,
		ts.req(&o.OrderedAt), ts.opt(&o.RefundedAt), ts.opt(&o.SyncedAt), ts.req(&o.CreatedAt), ts.req(&o.UpdatedAt))
	if err != nil {
		return nil, err
	}
	o.Status = polar.OrderStatus(status)
	return &o, ts.convert()
}

// CreateOrder implements polar.Storage
func (s *Storage) CreateOrder(ctx context.Context, order *polar.Order) error {
	if order == nil || order.PolarID == "" {
		return fmt.Errorf("invalid order")
	}

	id := uuid.NewString()
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO polar_orders (id, billable_id, billable_type, polar_id, status, amount, tax_amount,
				refunded_amount, refunded_tax_amount, currency, billing_reason, customer_id, product_id,
				ordered_at, refunded_at, synced_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (polar_id) DO NOTHING`,
		id, order.Billable.ID, order.Billable.Type, order.PolarID, string(order.Status), order.Amount,
		order.TaxAmount, order.RefundedAmount, order.RefundedTaxAmount, order.Currency, order.BillingReason,
		order.CustomerID, order.ProductID, formatTime(order.OrderedAt), formatTimePtr(order.RefundedAt),
		formatTimePtr(order.SyncedAt), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return polar.ErrOrderExists
	}
	order.ID = id
	order.CreatedAt = now
	order.UpdatedAt = now
	return nil
}

// GetOrder implements polar.Storage
func (s *Storage) GetOrder(ctx context.Context, polarID string) (*polar.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM polar_orders WHERE polar_id = ?`, polarID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, polar.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// SyncOrder implements polar.Storage
func (s *Storage) SyncOrder(ctx context.Context, polarID string, sync polar.OrderSync) (*polar.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`UPDATE polar_orders SET status = ?, amount = ?, tax_amount = ?, refunded_amount = ?,
				refunded_tax_amount = ?, currency = ?, billing_reason = ?, customer_id = ?,
				product_id = ?, refunded_at = ?, synced_at = ?, updated_at = ?
			WHERE polar_id = ?
			RETURNING `+orderColumns,
		string(sync.Status), sync.Amount, sync.TaxAmount, sync.RefundedAmount,
		sync.RefundedTaxAmount, sync.Currency, sync.BillingReason, sync.CustomerID,
		sync.ProductID, formatTimePtr(sync.RefundedAt), formatTimePtr(sync.SyncedAt),
		formatTime(s.now()), polarID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, polar.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to sync order: %w", err)
	}
	return o, nil
}

// ListOrders implements polar.Storage
func (s *Storage) ListOrders(ctx context.Context, ref polar.BillableRef) ([]*polar.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM polar_orders
			WHERE billable_id = ? AND billable_type = ?
			ORDER BY ordered_at DESC, rowid DESC`,
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
