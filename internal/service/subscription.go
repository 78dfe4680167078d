package service

import (
	"context"
	"time"

	"github.com/penpost/backend/internal/domain"
)

// SubscriptionService serves the read side of memberships and orders.
type SubscriptionService struct {
	subs      SubscriptionStore
	orders    OrderStore
	anomalies AnomalyStore
}

func NewSubscriptionService(subs SubscriptionStore, orders OrderStore, anomalies AnomalyStore) *SubscriptionService {
	return &SubscriptionService{subs: subs, orders: orders, anomalies: anomalies}
}

// GetCurrentSubscription returns the user's membership. A user with an order
// in flight and no active membership is reported as pending.
func (s *SubscriptionService) GetCurrentSubscription(ctx context.Context, userID string) (*domain.SubscriptionView, error) {
	sub, err := s.subs.FindByUserID(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load subscription", err)
	}
	if sub == nil {
		sub = domain.NewFreeSubscription(userID, time.Now())
	}

	view := &domain.SubscriptionView{UserSubscription: sub}
	order, err := s.orders.FindInFlightByUser(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load orders", err)
	}
	if order != nil {
		view.PendingOrderID = order.ID
		if sub.Status != domain.SubscriptionActive {
			cp := *sub
			cp.Status = domain.SubscriptionPending
			view.UserSubscription = &cp
		}
	}
	return view, nil
}

// GetOrder returns an order. Non-admin callers only see their own orders, and
// never the raw gateway payloads.
func (s *SubscriptionService) GetOrder(ctx context.Context, userID, orderID string, admin bool) (*domain.SubscriptionOrder, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load order", err)
	}
	if order == nil || (!admin && order.UserID != userID) {
		return nil, domain.ErrNotFound("order not found")
	}
	if !admin {
		order.RawWebhookLog = nil
	}
	return order, nil
}

// ListAnomalies returns flagged settlement inputs, newest first.
func (s *SubscriptionService) ListAnomalies(ctx context.Context, limit, offset int) ([]*domain.Anomaly, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	list, err := s.anomalies.List(ctx, limit, offset)
	if err != nil {
		return nil, domain.ErrInternal("failed to list anomalies", err)
	}
	if list == nil {
		list = []*domain.Anomaly{}
	}
	return list, nil
}
