package domain

import (
	"encoding/json"
	"time"

	"github.com/penpost/backend/pkg/payment"
)

// EventType names a settlement event delivered to downstream collaborators
// (email, real-time notifications, analytics).
type EventType string

const (
	EventSubscriptionActivated EventType = "subscription.activated"
	EventPaymentFailed         EventType = "subscription.payment_failed"
	EventPaymentCancelled      EventType = "subscription.payment_cancelled"
	EventSubscriptionExpired   EventType = "subscription.expired"
)

// Event is a side effect of a settlement transition.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	UserID     string          `json:"userId"`
	OrderID    string          `json:"orderId,omitempty"`
	PlanID     string          `json:"planId,omitempty"`
	Gateway    payment.Gateway `json:"gateway,omitempty"`
	EndDate    *time.Time      `json:"endDate,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// QueuedEvent is an event awaiting redelivery.
type QueuedEvent struct {
	Event    Event  `json:"event"`
	Attempts int    `json:"attempts"`
	LastErr  string `json:"lastError,omitempty"`
	// Receipt identifies the queue entry a claimed event was read from.
	Receipt string `json:"-"`
}

// AnomalyKind classifies a delivery flagged for manual review.
type AnomalyKind string

const (
	AnomalyUnknownOrder       AnomalyKind = "unknown_order"
	AnomalyTerminalConflict   AnomalyKind = "terminal_conflict"
	AnomalyAmountMismatch     AnomalyKind = "amount_mismatch"
	AnomalyUnrecognizedStatus AnomalyKind = "unrecognized_status"
)

// Anomaly is a settlement input that was acknowledged but not applied.
type Anomaly struct {
	ID            int64           `json:"id"`
	Kind          AnomalyKind     `json:"kind"`
	Gateway       payment.Gateway `json:"gateway"`
	OrderID       string          `json:"orderId"`
	TransactionID string          `json:"transactionId,omitempty"`
	Detail        string          `json:"detail"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}
