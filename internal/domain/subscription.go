package domain

import (
	"encoding/json"
	"time"

	"github.com/penpost/backend/pkg/payment"
	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a SubscriptionOrder.
type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderFailed    OrderStatus = "failed"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s OrderStatus) Terminal() bool {
	return s == OrderPaid || s == OrderFailed || s == OrderCancelled
}

// InFlightStatuses are the states of an order still waiting on the gateway.
var InFlightStatuses = []OrderStatus{OrderCreated, OrderPending}

// BillingCycle is the period a single payment buys.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Extend returns t advanced by one cycle.
func (c BillingCycle) Extend(t time.Time) time.Time {
	if c == CycleYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// SubscriptionOrder is the authoritative settlement record of one charge.
type SubscriptionOrder struct {
	ID                   string            `json:"id"`
	UserID               string            `json:"userId"`
	PlanID               string            `json:"planId"`
	Gateway              payment.Gateway   `json:"gateway"`
	GatewayTransactionID string            `json:"gatewayTransactionId,omitempty"`
	Amount               decimal.Decimal   `json:"amount"`
	Currency             string            `json:"currency"`
	BillingCycle         BillingCycle      `json:"billingCycle"`
	Status               OrderStatus       `json:"status"`
	RedirectTarget       string            `json:"redirectTarget,omitempty"`
	AppliedAt            *time.Time        `json:"appliedAt,omitempty"`
	RawWebhookLog        []json.RawMessage `json:"rawWebhookLog,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// Charge describes the order to the gateway adapters.
func (o *SubscriptionOrder) Charge() payment.Charge {
	return payment.Charge{
		OrderID:              o.ID,
		GatewayTransactionID: o.GatewayTransactionID,
		UserID:               o.UserID,
		Amount:               o.Amount,
		Currency:             o.Currency,
	}
}

// SubscriptionStatus is the membership state of a user.
type SubscriptionStatus string

const (
	SubscriptionFree      SubscriptionStatus = "free"
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// UserSubscription is a user's membership. CurrentOrderID is a lookup
// reference only.
type UserSubscription struct {
	UserID         string             `json:"userId"`
	PlanID         string             `json:"planId"`
	Status         SubscriptionStatus `json:"status"`
	StartDate      *time.Time         `json:"startDate,omitempty"`
	EndDate        *time.Time         `json:"endDate,omitempty"`
	CurrentOrderID string             `json:"currentOrderId,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// NewFreeSubscription returns the free-tier membership every user starts on.
func NewFreeSubscription(userID string, now time.Time) *UserSubscription {
	return &UserSubscription{
		UserID:    userID,
		PlanID:    FreePlanID,
		Status:    SubscriptionFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Activation is the subscription change applied when an order is paid.
type Activation struct {
	UserID    string
	PlanID    string
	OrderID   string
	StartDate time.Time
	EndDate   time.Time
}

// NextActivation computes the activation for order paid at now. A still
// active membership is extended from its current end date.
func NextActivation(current *UserSubscription, order *SubscriptionOrder, now time.Time) Activation {
	start := now
	base := now
	if current != nil && current.Status == SubscriptionActive && current.EndDate != nil && current.EndDate.After(now) {
		base = *current.EndDate
		if current.StartDate != nil && current.PlanID == order.PlanID {
			start = *current.StartDate
		}
	}
	return Activation{
		UserID:    order.UserID,
		PlanID:    order.PlanID,
		OrderID:   order.ID,
		StartDate: start,
		EndDate:   order.BillingCycle.Extend(base),
	}
}

// CheckoutRequest is the input for creating a subscription charge.
type CheckoutRequest struct {
	PlanID       string       `json:"planId" validate:"required"`
	BillingCycle BillingCycle `json:"billingCycle" validate:"required,oneof=monthly yearly"`
	Gateway      string       `json:"gateway" validate:"required,oneof=midtrans xendit stripe"`
}

// CheckoutResponse tells the client where to complete payment.
type CheckoutResponse struct {
	RedirectTarget string          `json:"redirectTarget"`
	OrderID        string          `json:"orderId"`
	Gateway        payment.Gateway `json:"gateway"`
}

// SubscriptionView is the membership as reported to its owner.
type SubscriptionView struct {
	*UserSubscription
	PendingOrderID string `json:"pendingOrderId,omitempty"`
}
