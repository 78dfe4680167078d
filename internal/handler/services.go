package handler

import (
	"context"
	"net/http"

	"github.com/penpost/backend/internal/domain"
	"github.com/penpost/backend/internal/service"
	"github.com/penpost/backend/pkg/payment"
)

// Settlement is the payment orchestrator as seen by the HTTP layer.
type Settlement interface {
	HandleWebhook(ctx context.Context, gateway payment.Gateway, body []byte, headers http.Header) (*service.WebhookResult, error)
	Reconcile(ctx context.Context, orderID string) (*service.WebhookResult, error)
	CreateSubscriptionCharge(ctx context.Context, userID string, req domain.CheckoutRequest) (*domain.CheckoutResponse, error)
}

// Subscriptions serves memberships, orders and anomalies.
type Subscriptions interface {
	GetCurrentSubscription(ctx context.Context, userID string) (*domain.SubscriptionView, error)
	GetOrder(ctx context.Context, userID, orderID string, admin bool) (*domain.SubscriptionOrder, error)
	ListAnomalies(ctx context.Context, limit, offset int) ([]*domain.Anomaly, error)
}

// Sweeper runs one reconciliation sweep.
type Sweeper interface {
	RunOnce(ctx context.Context) service.SweepReport
}
