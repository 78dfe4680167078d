package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type AdminHandler struct {
	settlement Settlement
	subs       Subscriptions
	reconciler Sweeper
	logger     *zap.Logger
}

func NewAdminHandler(settlement Settlement, subs Subscriptions, reconciler Sweeper, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{settlement: settlement, subs: subs, reconciler: reconciler, logger: logger}
}

// ReconcileOrder handles POST /api/admin/orders/{id}/reconcile.
func (h *AdminHandler) ReconcileOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	res, err := h.settlement.Reconcile(r.Context(), orderID)
	if err != nil {
		Error(w, h.logger, err)
		return
	}
	h.logger.Info("manual reconcile", zap.String("order_id", orderID), zap.String("disposition", string(res.Disposition)))
	JSON(w, http.StatusOK, res)
}

// RunSweep handles POST /api/admin/reconcile and runs one full sweep.
func (h *AdminHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.reconciler.RunOnce(r.Context()))
}

// ListAnomalies handles GET /api/admin/anomalies?limit=&offset=.
func (h *AdminHandler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	list, err := h.subs.ListAnomalies(r.Context(), limit, offset)
	if err != nil {
		Error(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, list)
}
