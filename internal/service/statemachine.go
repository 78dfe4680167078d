package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/penpost/backend/internal/domain"
	"github.com/penpost/backend/internal/metrics"
	"go.uber.org/zap"
)

// Transition is the result of applying an outcome to an order.
type Transition struct {
	OrderID string
	From    domain.OrderStatus
	To      domain.OrderStatus
	// Changed is false when the order was already in the target state.
	Changed    bool
	Activation *domain.Activation
	Events     []domain.Event
}

// StateMachine is the only writer of order status, appliedAt and subscription
// activation. Statuses only move forward:
//
//	created -> pending -> {paid, failed, cancelled}
//
// and a terminal status is never left.
type StateMachine struct {
	orders OrderStore
	logger *zap.Logger
	now    func() time.Time
}

// NewStateMachine creates a new StateMachine.
func NewStateMachine(orders OrderStore, logger *zap.Logger) *StateMachine {
	return &StateMachine{orders: orders, logger: logger, now: time.Now}
}

// Acknowledge records that the gateway accepted the charge: created becomes
// pending and the gateway's identifiers are stored. Terminal orders are left
// untouched.
func (m *StateMachine) Acknowledge(ctx context.Context, order *domain.SubscriptionOrder, txnID, redirect string) error {
	if order.Status.Terminal() {
		return nil
	}
	ok, err := m.orders.Acknowledge(ctx, order.ID, txnID, redirect)
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w: %v", order.ID, domain.ErrPersistence, err)
	}
	if ok {
		if order.Status != domain.OrderPending {
			metrics.TransitionsTotal.WithLabelValues(string(order.Gateway), string(domain.OrderPending)).Inc()
		}
		order.Status = domain.OrderPending
		if order.GatewayTransactionID == "" {
			order.GatewayTransactionID = txnID
		}
		if redirect != "" {
			order.RedirectTarget = redirect
		}
	}
	return nil
}

// Apply drives order to the terminal status to. Reaching paid activates the
// user's subscription in the same transaction. Applying the status the order
// already holds is a no-op; any other move out of a terminal status returns
// domain.ErrTerminalStateConflict.
func (m *StateMachine) Apply(ctx context.Context, order *domain.SubscriptionOrder, to domain.OrderStatus, txnID string) (*Transition, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("apply %s: %q is not a terminal status", order.ID, to)
	}
	tr := &Transition{OrderID: order.ID, From: order.Status, To: to}
	if order.Status.Terminal() {
		return m.settled(order, tr)
	}

	now := m.now()
	var (
		changed bool
		err     error
	)
	if to == domain.OrderPaid {
		tr.Activation, err = m.orders.ApplyPaid(ctx, order.ID, txnID, now)
		changed = tr.Activation != nil
	} else {
		changed, err = m.orders.Close(ctx, order.ID, to, txnID)
	}
	if err != nil {
		return nil, fmt.Errorf("apply %s to %s: %w: %v", to, order.ID, domain.ErrPersistence, err)
	}

	if !changed {
		// Lost the compare-and-set to a concurrent writer; judge against what it wrote.
		current, err := m.orders.FindByID(ctx, order.ID)
		if err != nil {
			return nil, fmt.Errorf("reload %s: %w: %v", order.ID, domain.ErrPersistence, err)
		}
		if current == nil {
			return nil, fmt.Errorf("reload %s: %w", order.ID, domain.ErrUnknownOrder)
		}
		*order = *current
		return m.settled(order, tr)
	}

	order.Status = to
	if order.GatewayTransactionID == "" {
		order.GatewayTransactionID = txnID
	}
	if to == domain.OrderPaid {
		order.AppliedAt = &now
	}
	tr.Changed = true
	tr.Events = []domain.Event{m.event(order, tr, now)}
	metrics.TransitionsTotal.WithLabelValues(string(order.Gateway), string(to)).Inc()

	m.logger.Info("order transitioned",
		zap.String("order_id", order.ID),
		zap.String("gateway", string(order.Gateway)),
		zap.String("from", string(tr.From)),
		zap.String("to", string(to)),
	)
	return tr, nil
}

func (m *StateMachine) settled(order *domain.SubscriptionOrder, tr *Transition) (*Transition, error) {
	tr.From = order.Status
	if order.Status == tr.To {
		return tr, nil
	}
	return tr, fmt.Errorf("order %s is %s, cannot become %s: %w", order.ID, order.Status, tr.To, domain.ErrTerminalStateConflict)
}

func (m *StateMachine) event(order *domain.SubscriptionOrder, tr *Transition, now time.Time) domain.Event {
	ev := domain.Event{
		ID:         uuid.NewString(),
		UserID:     order.UserID,
		OrderID:    order.ID,
		PlanID:     order.PlanID,
		Gateway:    order.Gateway,
		OccurredAt: now,
	}
	switch tr.To {
	case domain.OrderPaid:
		ev.Type = domain.EventSubscriptionActivated
		if tr.Activation != nil {
			end := tr.Activation.EndDate
			ev.EndDate = &end
		}
	case domain.OrderCancelled:
		ev.Type = domain.EventPaymentCancelled
	default:
		ev.Type = domain.EventPaymentFailed
	}
	return ev
}
