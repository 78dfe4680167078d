package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/penpost/backend/pkg/payment"
	"go.uber.org/zap"
)

// maxWebhookBytes bounds inbound notification bodies.
const maxWebhookBytes = 1 << 20

type WebhookHandler struct {
	settlement Settlement
	logger     *zap.Logger
}

func NewWebhookHandler(settlement Settlement, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{settlement: settlement, logger: logger}
}

// Handle handles POST /api/payment/webhooks/{gateway}. The gateway's native
// body and headers are passed through untouched; the signature covers the
// raw bytes.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	gateway, err := payment.ParseGateway(chi.URLParam(r, "gateway"))
	if err != nil {
		JSON(w, http.StatusNotFound, map[string]string{"error": "unknown gateway"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			JSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
			return
		}
		JSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	res, err := h.settlement.HandleWebhook(r.Context(), gateway, body, r.Header)
	if err != nil {
		h.logger.Warn("webhook not acknowledged", zap.String("gateway", string(gateway)), zap.Error(err))
		Error(w, h.logger, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"received":    true,
		"disposition": res.Disposition,
	})
}
