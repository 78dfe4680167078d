package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/penpost/backend/internal/domain"
	"github.com/penpost/backend/internal/metrics"
	"github.com/penpost/backend/pkg/payment"
	"go.uber.org/zap"
)

// Disposition describes what a settlement input did to its order.
type Disposition string

const (
	DispositionApplied          Disposition = "applied"
	DispositionAlreadyApplied   Disposition = "already_applied"
	DispositionPendingRecorded  Disposition = "pending_recorded"
	DispositionIgnored          Disposition = "ignored"
	DispositionNoop             Disposition = "noop"
	DispositionUnknownOrder     Disposition = "unknown_order"
	DispositionTerminalConflict Disposition = "terminal_conflict"
	DispositionAmountMismatch   Disposition = "amount_mismatch"
)

// WebhookResult is the settled outcome of one webhook delivery or poll.
type WebhookResult struct {
	Gateway     payment.Gateway    `json:"gateway"`
	OrderID     string             `json:"orderId,omitempty"`
	Outcome     payment.Outcome    `json:"outcome,omitempty"`
	Disposition Disposition        `json:"disposition"`
	OrderStatus domain.OrderStatus `json:"orderStatus,omitempty"`
}

// SettlementConfig tunes the settlement service.
type SettlementConfig struct {
	// ChargeTimeout bounds an outbound charge including its retries.
	ChargeTimeout time.Duration
	// ChargeExpiry is how long the payer has to complete a charge.
	ChargeExpiry time.Duration
	SuccessURL   string
	// StaleAfter is the age after which an in-flight order is reconciled
	// instead of waiting for its webhook.
	StaleAfter time.Duration
}

// SettlementService applies gateway notifications to subscription orders
// exactly once: verify, normalize, reserve, transition, mark applied.
type SettlementService struct {
	adapters  map[payment.Gateway]payment.Adapter
	orders    OrderStore
	subs      SubscriptionStore
	ledger    Ledger
	anomalies AnomalyStore
	machine   *StateMachine
	events    EventPublisher
	cfg       SettlementConfig
	validate  *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewSettlementService creates a SettlementService for the given adapters.
func NewSettlementService(
	adapters []payment.Adapter,
	orders OrderStore,
	subs SubscriptionStore,
	ledger Ledger,
	anomalies AnomalyStore,
	events EventPublisher,
	cfg SettlementConfig,
	logger *zap.Logger,
) *SettlementService {
	byGateway := make(map[payment.Gateway]payment.Adapter, len(adapters))
	for _, a := range adapters {
		byGateway[a.Gateway()] = a
	}
	if cfg.ChargeTimeout <= 0 {
		cfg.ChargeTimeout = time.Minute
	}
	if cfg.ChargeExpiry <= 0 {
		cfg.ChargeExpiry = 24 * time.Hour
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	return &SettlementService{
		adapters:  byGateway,
		orders:    orders,
		subs:      subs,
		ledger:    ledger,
		anomalies: anomalies,
		machine:   NewStateMachine(orders, logger),
		events:    events,
		cfg:       cfg,
		validate:  validator.New(),
		logger:    logger,
		now:       time.Now,
	}
}

func (s *SettlementService) adapter(gateway payment.Gateway) (payment.Adapter, error) {
	a, ok := s.adapters[gateway]
	if !ok {
		return nil, domain.ErrNotFound(fmt.Sprintf("gateway %s is not enabled", gateway))
	}
	return a, nil
}

// HandleWebhook verifies, normalizes and applies one inbound delivery.
// A nil error means the delivery must be acknowledged to the gateway.
func (s *SettlementService) HandleWebhook(ctx context.Context, gateway payment.Gateway, body []byte, headers http.Header) (*WebhookResult, error) {
	a, err := s.adapter(gateway)
	if err != nil {
		return nil, err
	}

	if err := a.VerifySignature(body, headers); err != nil {
		metrics.WebhooksTotal.WithLabelValues(string(gateway), "invalid_signature").Inc()
		if errors.Is(err, payment.ErrMalformed) {
			return nil, fmt.Errorf("%s webhook: %w: %v", gateway, domain.ErrMalformedPayload, err)
		}
		s.logger.Warn("webhook signature rejected", zap.String("gateway", string(gateway)), zap.Error(err))
		return nil, fmt.Errorf("%s webhook: %w", gateway, domain.ErrInvalidSignature)
	}

	n, err := a.Normalize(body)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(string(gateway), "malformed").Inc()
		return nil, fmt.Errorf("%s webhook: %w: %v", gateway, domain.ErrMalformedPayload, err)
	}
	if n.Ignored {
		metrics.WebhooksTotal.WithLabelValues(string(gateway), string(DispositionIgnored)).Inc()
		return &WebhookResult{Gateway: gateway, Disposition: DispositionIgnored}, nil
	}

	res, err := s.settle(ctx, n, body, "webhook")
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(string(gateway), "error").Inc()
		return nil, err
	}
	metrics.WebhooksTotal.WithLabelValues(string(gateway), string(res.Disposition)).Inc()
	return res, nil
}

// Reconcile polls the gateway for an in-flight order and applies the answer
// through the same path as a webhook.
func (s *SettlementService) Reconcile(ctx context.Context, orderID string) (*WebhookResult, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w: %v", orderID, domain.ErrPersistence, err)
	}
	if order == nil {
		return nil, domain.ErrNotFound("order not found")
	}
	if order.Status.Terminal() {
		return &WebhookResult{Gateway: order.Gateway, OrderID: order.ID, Disposition: DispositionNoop, OrderStatus: order.Status}, nil
	}

	a, err := s.adapter(order.Gateway)
	if err != nil {
		return nil, err
	}
	n, raw, err := a.PollStatus(ctx, order.Charge())
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(string(order.Gateway), "error").Inc()
		return nil, domain.ErrUnavailable("failed to poll gateway", fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err))
	}
	n.Gateway = order.Gateway
	if n.OrderID == "" {
		n.OrderID = order.ID
	}

	if n.Outcome == payment.OutcomePending && s.now().Sub(order.CreatedAt) > s.cfg.ChargeExpiry {
		n, raw, err = s.abandon(ctx, a, order, n, raw)
		if err != nil {
			metrics.ReconcileTotal.WithLabelValues(string(order.Gateway), "error").Inc()
			return nil, err
		}
	}

	res, err := s.settle(ctx, n, raw, "poll")
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(string(order.Gateway), "error").Inc()
		return nil, err
	}
	metrics.ReconcileTotal.WithLabelValues(string(order.Gateway), string(res.Disposition)).Inc()
	return res, nil
}

// abandon closes a charge whose payment window has passed without a result.
// Gateways that hold unpaid charges open are asked to cancel first, and their
// answer is settled as-is; the others are failed locally.
func (s *SettlementService) abandon(ctx context.Context, a payment.Adapter, order *domain.SubscriptionOrder, n *payment.Notification, raw []byte) (*payment.Notification, []byte, error) {
	c, ok := a.(payment.Canceller)
	if !ok {
		n.Outcome = payment.OutcomeFailed
		n.RawStatus = "abandoned"
		return n, raw, nil
	}

	cn, craw, err := c.CancelCharge(ctx, order.Charge())
	if err != nil {
		return nil, nil, domain.ErrUnavailable("failed to cancel abandoned charge", fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err))
	}
	cn.Gateway = order.Gateway
	if cn.OrderID == "" {
		cn.OrderID = order.ID
	}
	s.logger.Info("abandoned charge cancelled",
		zap.String("order_id", order.ID),
		zap.String("gateway", string(order.Gateway)),
		zap.String("raw_status", cn.RawStatus),
	)
	return cn, craw, nil
}

// settle runs a normalized notification through the ledger and the state machine.
func (s *SettlementService) settle(ctx context.Context, n *payment.Notification, raw []byte, source string) (*WebhookResult, error) {
	res := &WebhookResult{Gateway: n.Gateway, OrderID: n.OrderID, Outcome: n.Outcome}
	log := s.logger.With(
		zap.String("gateway", string(n.Gateway)),
		zap.String("order_id", n.OrderID),
		zap.String("transaction_id", n.GatewayTransactionID),
		zap.String("raw_status", n.RawStatus),
		zap.String("source", source),
	)

	order, err := s.orders.FindByID(ctx, n.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w: %v", n.OrderID, domain.ErrPersistence, err)
	}
	if order == nil || order.Gateway != n.Gateway {
		detail := "no order with this id"
		if order != nil {
			detail = fmt.Sprintf("order belongs to gateway %s", order.Gateway)
		}
		s.flag(ctx, log, n, domain.AnomalyUnknownOrder, detail, raw)
		res.Disposition = DispositionUnknownOrder
		return res, nil
	}
	res.OrderStatus = order.Status

	if err := s.orders.AppendWebhookLog(ctx, order.ID, source, raw); err != nil {
		return nil, fmt.Errorf("log payload for %s: %w: %v", order.ID, domain.ErrPersistence, err)
	}

	if n.Unrecognized {
		s.flag(ctx, log, n, domain.AnomalyUnrecognizedStatus, fmt.Sprintf("unrecognized status %q treated as pending", n.RawStatus), raw)
	}

	if !n.Outcome.Terminal() {
		if order.Status.Terminal() {
			s.flag(ctx, log, n, domain.AnomalyTerminalConflict,
				fmt.Sprintf("%s notification for order already %s", n.Outcome, order.Status), raw)
			res.Disposition = DispositionTerminalConflict
			return res, nil
		}
		if err := s.machine.Acknowledge(ctx, order, n.GatewayTransactionID, ""); err != nil {
			return nil, err
		}
		res.Disposition = DispositionPendingRecorded
		res.OrderStatus = order.Status
		return res, nil
	}

	key := n.TransactionKey()
	rsv, err := s.ledger.Reserve(ctx, n.Gateway, key, order.ID)
	if err != nil {
		return nil, fmt.Errorf("reserve %s/%s: %w: %v", n.Gateway, key, domain.ErrPersistence, err)
	}
	switch rsv.Result {
	case domain.ReserveAlreadyApplied:
		log.Info("duplicate delivery acknowledged")
		res.Disposition = DispositionAlreadyApplied
		return res, nil
	case domain.ReserveHeld:
		return nil, fmt.Errorf("%s/%s: %w", n.Gateway, key, domain.ErrReservationHeld)
	}

	// A mismatched payment never activates; the order is failed and the
	// anomaly carries it to manual review.
	if n.Outcome == payment.OutcomePaid && !amountMatches(order, n) {
		tr, err := s.machine.Apply(ctx, order, domain.OrderFailed, n.GatewayTransactionID)
		if err != nil && !errors.Is(err, domain.ErrTerminalStateConflict) {
			s.release(ctx, log, n.Gateway, key, rsv.Token)
			log.Error("failed to close mismatched order", zap.Error(err))
			return nil, err
		}
		s.flag(ctx, log, n, domain.AnomalyAmountMismatch,
			fmt.Sprintf("order %s %s, gateway reported %s %s", order.Amount, order.Currency, n.Amount, n.Currency), raw)
		s.markApplied(ctx, log, n.Gateway, key, rsv.Token)
		if err == nil {
			s.publish(ctx, log, tr.Events)
		}
		res.Disposition = DispositionAmountMismatch
		res.OrderStatus = order.Status
		return res, nil
	}

	target := domain.OrderPaid
	switch {
	case n.Outcome == payment.OutcomeFailed && n.Cancelled:
		target = domain.OrderCancelled
	case n.Outcome == payment.OutcomeFailed:
		target = domain.OrderFailed
	}

	tr, err := s.machine.Apply(ctx, order, target, n.GatewayTransactionID)
	if errors.Is(err, domain.ErrTerminalStateConflict) {
		s.flag(ctx, log, n, domain.AnomalyTerminalConflict, err.Error(), raw)
		s.markApplied(ctx, log, n.Gateway, key, rsv.Token)
		res.Disposition = DispositionTerminalConflict
		res.OrderStatus = order.Status
		return res, nil
	}
	if err != nil {
		s.release(ctx, log, n.Gateway, key, rsv.Token)
		log.Error("failed to apply settlement", zap.Error(err))
		return nil, err
	}

	s.markApplied(ctx, log, n.Gateway, key, rsv.Token)
	s.publish(ctx, log, tr.Events)

	res.OrderStatus = order.Status
	res.Disposition = DispositionApplied
	if !tr.Changed {
		res.Disposition = DispositionNoop
	}
	return res, nil
}

// markApplied runs after the transition is durable, so a failure here only
// leaves a reservation for the sweep to finalize.
func (s *SettlementService) markApplied(ctx context.Context, log *zap.Logger, gateway payment.Gateway, key, token string) {
	if err := s.ledger.MarkApplied(context.WithoutCancel(ctx), gateway, key, token); err != nil {
		log.Error("failed to mark reservation applied", zap.Error(err))
	}
}

func (s *SettlementService) release(ctx context.Context, log *zap.Logger, gateway payment.Gateway, key, token string) {
	if err := s.ledger.Release(context.WithoutCancel(ctx), gateway, key, token); err != nil {
		log.Error("failed to release reservation", zap.Error(err))
	}
}

func (s *SettlementService) publish(ctx context.Context, log *zap.Logger, events []domain.Event) {
	for _, ev := range events {
		if err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
			log.Error("failed to publish settlement event", zap.String("event_id", ev.ID), zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
}

func (s *SettlementService) flag(ctx context.Context, log *zap.Logger, n *payment.Notification, kind domain.AnomalyKind, detail string, raw []byte) {
	log.Warn("settlement anomaly", zap.String("anomaly", string(kind)), zap.String("detail", detail))
	metrics.AnomaliesTotal.WithLabelValues(string(n.Gateway), string(kind)).Inc()
	a := &domain.Anomaly{
		Kind:          kind,
		Gateway:       n.Gateway,
		OrderID:       n.OrderID,
		TransactionID: n.GatewayTransactionID,
		Detail:        detail,
		Payload:       raw,
	}
	if err := s.anomalies.Record(context.WithoutCancel(ctx), a); err != nil {
		metrics.AnomalyRecordFailuresTotal.WithLabelValues(string(n.Gateway), string(kind)).Inc()
		log.Error("failed to record anomaly", zap.String("anomaly", string(kind)), zap.Error(err))
	}
}

// amountMatches compares the settled amount against the order. Gateways that
// omit the amount are trusted on the order's figures.
func amountMatches(order *domain.SubscriptionOrder, n *payment.Notification) bool {
	if n.Amount.IsZero() {
		return true
	}
	if n.Currency != "" && !strings.EqualFold(n.Currency, order.Currency) {
		return false
	}
	return n.Amount.Equal(order.Amount)
}
