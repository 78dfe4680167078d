package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/penpost/backend/internal/contextkeys"
	"github.com/penpost/backend/internal/domain"
	"go.uber.org/zap"
)

type PaymentHandler struct {
	settlement Settlement
	subs       Subscriptions
	logger     *zap.Logger
}

func NewPaymentHandler(settlement Settlement, subs Subscriptions, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{settlement: settlement, subs: subs, logger: logger}
}

// CreateCheckout handles POST /api/payment/checkout.
func (h *PaymentHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(contextkeys.UserID).(string)
	if !ok || userID == "" {
		JSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req domain.CheckoutRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, h.logger, err)
		return
	}

	resp, err := h.settlement.CreateSubscriptionCharge(r.Context(), userID, req)
	if err != nil {
		Error(w, h.logger, err)
		return
	}

	JSON(w, http.StatusCreated, resp)
}

// GetSubscription handles GET /api/payment/subscription.
func (h *PaymentHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(contextkeys.UserID).(string)
	if !ok || userID == "" {
		JSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	sub, err := h.subs.GetCurrentSubscription(r.Context(), userID)
	if err != nil {
		Error(w, h.logger, err)
		return
	}

	JSON(w, http.StatusOK, sub)
}

// GetOrder handles GET /api/payment/orders/{id}.
func (h *PaymentHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(contextkeys.UserID).(string)
	if !ok || userID == "" {
		JSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	role, _ := r.Context().Value(contextkeys.UserRole).(string)

	order, err := h.subs.GetOrder(r.Context(), userID, chi.URLParam(r, "id"), role == domain.RoleAdmin)
	if err != nil {
		Error(w, h.logger, err)
		return
	}

	JSON(w, http.StatusOK, order)
}
