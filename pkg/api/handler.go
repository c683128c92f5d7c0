package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

const (
	statusSubscribed   = "subscribed"
	statusGenericTrial = "generic_trial"
	statusNone         = "none"
	maxBillableIDLen   = 255
)

// Handler provides HTTP endpoints for billing state inspection
type Handler struct {
	config Config
}

// GetStatus returns a JSON view of the billable's customer, subscriptions
// and, when configured, orders.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// 1. Extract billable
	owner := h.config.GetBillable(r)
	if owner == nil {
		h.handleError(w, r, fmt.Errorf("billable not found"), http.StatusUnauthorized)
		return
	}

	ref := polar.RefOf(owner)
	if ref.ID == "" || ref.Type == "" || len(ref.ID) > maxBillableIDLen {
		h.handleError(w, r, fmt.Errorf("invalid billable reference"), http.StatusBadRequest)
		return
	}

	now := h.config.Now()
	response := StatusResponse{
		BillableID:    ref.ID,
		BillableType:  ref.Type,
		Status:        statusNone,
		Subscriptions: []SubscriptionStatus{},
	}

	// 2. Customer (absent until the first checkout or webhook)
	customer, err := h.config.Billing.Customer(ctx, owner)
	switch {
	case err == nil:
		response.Customer = &CustomerStatus{
			PolarID:             customer.PolarID,
			Linked:              customer.Linked(),
			TrialEndsAt:         customer.TrialEndsAt,
			OnGenericTrial:      customer.OnGenericTrial(now),
			GenericTrialExpired: customer.HasExpiredGenericTrial(now),
		}
		if response.Customer.OnGenericTrial {
			response.Status = statusGenericTrial
		}
	case errors.Is(err, polar.ErrCustomerNotFound):
	default:
		h.handleError(w, r, fmt.Errorf("failed to get customer: %w", err), http.StatusInternalServerError)
		return
	}

	// 3. Subscriptions, newest first
	subs, err := h.config.Billing.Subscriptions(ctx, owner)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list subscriptions: %w", err), http.StatusInternalServerError)
		return
	}
	for _, sub := range subs {
		s := SubscriptionStatus{
			Type:             sub.Type,
			PolarID:          sub.PolarID,
			Status:           string(sub.Status),
			ProductID:        sub.ProductID,
			Valid:            sub.Valid(now),
			OnTrial:          sub.OnTrial(),
			OnGracePeriod:    sub.OnGracePeriod(now),
			CurrentPeriodEnd: sub.CurrentPeriodEnd,
			TrialEndsAt:      sub.TrialEndsAt,
			EndsAt:           sub.EndsAt,
		}
		if s.Valid {
			response.Status = statusSubscribed
		}
		response.Subscriptions = append(response.Subscriptions, s)
	}

	// 4. Orders
	if h.config.IncludeOrders {
		orders, err := h.config.Billing.Orders(ctx, owner)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("failed to list orders: %w", err), http.StatusInternalServerError)
			return
		}
		response.Orders = make([]OrderStatus, 0, len(orders))
		for _, o := range orders {
			response.Orders = append(response.Orders, OrderStatus{
				PolarID:        o.PolarID,
				Status:         string(o.Status),
				ProductID:      o.ProductID,
				Amount:         o.Amount,
				RefundedAmount: o.RefundedAmount,
				Currency:       o.Currency,
				OrderedAt:      o.OrderedAt,
				RefundedAt:     o.RefundedAt,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// Response already started
		return
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.GetStatus(w, r)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	_ = json.NewEncoder(w).Encode(errorResponse)
}
