package service

import (
	"context"
	"time"

	"github.com/penpost/backend/internal/domain"
	"github.com/penpost/backend/pkg/payment"
)

// OrderStore persists subscription orders. Status writes are compare-and-set
// on the in-flight states.
type OrderStore interface {
	Create(ctx context.Context, o *domain.SubscriptionOrder) error
	FindByID(ctx context.Context, id string) (*domain.SubscriptionOrder, error)
	FindInFlightByUser(ctx context.Context, userID string) (*domain.SubscriptionOrder, error)
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.SubscriptionOrder, error)
	AppendWebhookLog(ctx context.Context, orderID, source string, raw []byte) error
	Acknowledge(ctx context.Context, id, txnID, redirect string) (bool, error)
	Close(ctx context.Context, id string, to domain.OrderStatus, txnID string) (bool, error)
	ApplyPaid(ctx context.Context, id, txnID string, now time.Time) (*domain.Activation, error)
}

// SubscriptionStore persists user memberships.
type SubscriptionStore interface {
	EnsureFree(ctx context.Context, userID string) error
	FindByUserID(ctx context.Context, userID string) (*domain.UserSubscription, error)
	ExpireLapsed(ctx context.Context, now time.Time) ([]*domain.UserSubscription, error)
}

// Ledger is the idempotency ledger keyed by (gateway, transaction id).
type Ledger interface {
	Reserve(ctx context.Context, gateway payment.Gateway, txnID, orderID string) (domain.Reservation, error)
	MarkApplied(ctx context.Context, gateway payment.Gateway, txnID, token string) error
	Release(ctx context.Context, gateway payment.Gateway, txnID, token string) error
	ListAbandoned(ctx context.Context, limit int) ([]*domain.LedgerEntry, error)
}

// AnomalyStore records deliveries flagged for manual review.
type AnomalyStore interface {
	Record(ctx context.Context, a *domain.Anomaly) error
	List(ctx context.Context, limit, offset int) ([]*domain.Anomaly, error)
}

// EventPublisher hands settlement events to downstream collaborators.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// RetryQueue holds events whose delivery failed. Due claims entries for a
// lease instead of removing them; a claimed entry leaves the queue only
// through Ack, DeadLetter, or a Push that reschedules it.
type RetryQueue interface {
	Push(ctx context.Context, q domain.QueuedEvent, due time.Time) error
	Due(ctx context.Context, now time.Time, limit int) ([]domain.QueuedEvent, error)
	Ack(ctx context.Context, q domain.QueuedEvent) error
	DeadLetter(ctx context.Context, q domain.QueuedEvent) error
}
