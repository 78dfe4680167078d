package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/penpost/backend/internal/domain"
	"github.com/penpost/backend/internal/metrics"
	"github.com/penpost/backend/pkg/payment"
	"go.uber.org/zap"
)

// NewOrderID returns a fresh order id. It doubles as the gateway-side
// reference (Midtrans order_id, Xendit external_id, Stripe metadata).
func NewOrderID() string {
	return "SUB-" + uuid.NewString()
}

// CreateSubscriptionCharge opens an order for the plan and issues the charge
// at the gateway. The charge is not tied to the caller's context: once sent it
// runs to completion even if the caller goes away.
func (s *SettlementService) CreateSubscriptionCharge(ctx context.Context, userID string, req domain.CheckoutRequest) (*domain.CheckoutResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, domain.ErrValidation(formatValidationErrors(err))
	}
	gateway, err := payment.ParseGateway(req.Gateway)
	if err != nil {
		return nil, domain.ErrBadRequest(err.Error())
	}
	a, err := s.adapter(gateway)
	if err != nil {
		return nil, domain.ErrBadRequest(fmt.Sprintf("gateway %s is not enabled", gateway))
	}

	plan, ok := domain.GetPlan(req.PlanID)
	if !ok {
		return nil, domain.ErrBadRequest("unknown plan")
	}
	currency := domain.GatewayCurrency(gateway)
	amount, ok := plan.Price(req.BillingCycle, currency)
	if !ok {
		return nil, domain.ErrBadRequest(fmt.Sprintf("plan %s has no %s %s price", plan.ID, req.BillingCycle, currency))
	}

	if err := s.subs.EnsureFree(ctx, userID); err != nil {
		return nil, domain.ErrInternal("failed to load subscription", err)
	}

	existing, err := s.inFlight(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.PlanID == plan.ID && existing.BillingCycle == req.BillingCycle &&
			existing.Gateway == gateway && existing.RedirectTarget != "" {
			return &domain.CheckoutResponse{RedirectTarget: existing.RedirectTarget, OrderID: existing.ID, Gateway: gateway}, nil
		}
		return nil, domain.ErrConflict("a payment is already in progress", domain.ErrOrderInFlight)
	}

	now := s.now()
	order := &domain.SubscriptionOrder{
		ID:           NewOrderID(),
		UserID:       userID,
		PlanID:       plan.ID,
		Gateway:      gateway,
		Amount:       amount,
		Currency:     currency,
		BillingCycle: req.BillingCycle,
		Status:       domain.OrderCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		if errors.Is(err, domain.ErrOrderInFlight) {
			return nil, domain.ErrConflict("a payment is already in progress", err)
		}
		return nil, domain.ErrInternal("failed to create order", err)
	}

	chargeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ChargeTimeout)
	defer cancel()

	charge := order.Charge()
	charge.Description = fmt.Sprintf("%s membership (%s)", plan.Name, req.BillingCycle)
	charge.SuccessURL = s.cfg.SuccessURL
	charge.Expiry = s.cfg.ChargeExpiry

	log := s.logger.With(zap.String("order_id", order.ID), zap.String("gateway", string(gateway)), zap.String("user_id", userID))
	res, err := a.CreateCharge(chargeCtx, charge)
	if err != nil {
		metrics.ChargesTotal.WithLabelValues(string(gateway), "failed").Inc()
		log.Error("charge creation failed", zap.Error(err))
		if tr, ferr := s.machine.Apply(chargeCtx, order, domain.OrderFailed, ""); ferr != nil {
			log.Error("failed to close order after charge failure", zap.Error(ferr))
		} else {
			s.publish(chargeCtx, log, tr.Events)
		}
		if errors.Is(err, payment.ErrRejected) {
			return nil, domain.ErrUnavailable("payment gateway rejected the charge", err)
		}
		return nil, domain.ErrUnavailable("payment gateway unavailable", fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err))
	}
	metrics.ChargesTotal.WithLabelValues(string(gateway), "created").Inc()

	if err := s.machine.Acknowledge(chargeCtx, order, res.GatewayTransactionID, res.RedirectTarget); err != nil {
		// The charge exists; the webhook or the sweep will still settle the order.
		log.Error("failed to acknowledge order", zap.Error(err))
	}

	return &domain.CheckoutResponse{RedirectTarget: res.RedirectTarget, OrderID: order.ID, Gateway: gateway}, nil
}

// inFlight returns the user's in-flight order. A stale one is reconciled
// first so an abandoned payment does not block a new checkout.
func (s *SettlementService) inFlight(ctx context.Context, userID string) (*domain.SubscriptionOrder, error) {
	existing, err := s.orders.FindInFlightByUser(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load orders", err)
	}
	if existing == nil || s.now().Sub(existing.UpdatedAt) < s.cfg.StaleAfter {
		return existing, nil
	}

	if _, err := s.Reconcile(ctx, existing.ID); err != nil {
		s.logger.Warn("failed to reconcile stale order before checkout", zap.String("order_id", existing.ID), zap.Error(err))
		return existing, nil
	}
	existing, err = s.orders.FindInFlightByUser(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load orders", err)
	}
	return existing, nil
}

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return strings.Join(msgs, "; ")
}
