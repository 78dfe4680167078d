package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/penpost/backend/internal/domain"
	"github.com/penpost/backend/pkg/payment"
)

// PlansHandler serves the membership catalogue.
type PlansHandler struct{}

func NewPlansHandler() *PlansHandler {
	return &PlansHandler{}
}

// List handles GET /api/plans. With ?gateway= only the prices payable
// through that gateway are returned.
func (h *PlansHandler) List(w http.ResponseWriter, r *http.Request) {
	plans := domain.AvailablePlans()
	if g := r.URL.Query().Get("gateway"); g != "" {
		gateway, err := payment.ParseGateway(g)
		if err != nil {
			JSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		for i := range plans {
			plans[i].Prices = pricesIn(plans[i].Prices, domain.GatewayCurrency(gateway))
		}
	}
	JSON(w, http.StatusOK, plans)
}

// Get handles GET /api/plans/{id}.
func (h *PlansHandler) Get(w http.ResponseWriter, r *http.Request) {
	plan, ok := domain.GetPlan(chi.URLParam(r, "id"))
	if !ok {
		JSON(w, http.StatusNotFound, map[string]string{"error": "plan not found"})
		return
	}
	JSON(w, http.StatusOK, plan)
}

func pricesIn(prices []domain.PlanPrice, currency string) []domain.PlanPrice {
	out := make([]domain.PlanPrice, 0, len(prices))
	for _, p := range prices {
		if p.Currency == currency {
			out = append(out, p)
		}
	}
	return out
}
