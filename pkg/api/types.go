package api

import "time"

// StatusResponse represents the billing state of a billable
type StatusResponse struct {
	BillableID    string               `json:"billable_id"`
	BillableType  string               `json:"billable_type"`
	Status        string               `json:"status"` // "subscribed", "generic_trial", "none"
	Customer      *CustomerStatus      `json:"customer,omitempty"`
	Subscriptions []SubscriptionStatus `json:"subscriptions"`
	Orders        []OrderStatus        `json:"orders,omitempty"`
}

// CustomerStatus represents the shadow customer
type CustomerStatus struct {
	PolarID             string     `json:"polar_id,omitempty"`
	Linked              bool       `json:"linked"`
	TrialEndsAt         *time.Time `json:"trial_ends_at,omitempty"`
	OnGenericTrial      bool       `json:"on_generic_trial"`
	GenericTrialExpired bool       `json:"generic_trial_expired"`
}

// SubscriptionStatus represents a single subscription with derived flags
type SubscriptionStatus struct {
	Type             string     `json:"type"`
	PolarID          string     `json:"polar_id"`
	Status           string     `json:"status"`
	ProductID        string     `json:"product_id"`
	Valid            bool       `json:"valid"`
	OnTrial          bool       `json:"on_trial"`
	OnGracePeriod    bool       `json:"on_grace_period"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	TrialEndsAt      *time.Time `json:"trial_ends_at,omitempty"`
	EndsAt           *time.Time `json:"ends_at,omitempty"`
}

// OrderStatus represents a single order
type OrderStatus struct {
	PolarID        string     `json:"polar_id"`
	Status         string     `json:"status"`
	ProductID      string     `json:"product_id,omitempty"`
	Amount         int64      `json:"amount"`
	RefundedAmount int64      `json:"refunded_amount,omitempty"`
	Currency       string     `json:"currency"`
	OrderedAt      time.Time  `json:"ordered_at"`
	RefundedAt     *time.Time `json:"refunded_at,omitempty"`
}
