package domain

import (
	"github.com/penpost/backend/pkg/payment"
	"github.com/shopspring/decimal"
)

// FreePlanID is the plan of a user without a paid membership.
const FreePlanID = "free"

// Plan represents a paid membership tier for readers and writers.
type Plan struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Features []string    `json:"features"`
	Prices   []PlanPrice `json:"prices"`
	Popular  bool        `json:"popular"` // Show "Most Popular" badge
}

// PlanPrice is the price of a plan for one billing cycle in one currency.
type PlanPrice struct {
	Currency     string          `json:"currency"`
	BillingCycle BillingCycle    `json:"billingCycle"`
	Amount       decimal.Decimal `json:"amount"`
}

// AvailablePlans returns all purchasable plans.
func AvailablePlans() []Plan {
	return []Plan{
		{
			ID:       "member",
			Name:     "Member",
			Features: []string{"members-only articles", "ad-free reading", "comment on articles"},
			Prices: []PlanPrice{
				{Currency: "IDR", BillingCycle: CycleMonthly, Amount: decimal.NewFromInt(49000)},
				{Currency: "IDR", BillingCycle: CycleYearly, Amount: decimal.NewFromInt(490000)},
				{Currency: "USD", BillingCycle: CycleMonthly, Amount: decimal.RequireFromString("5.00")},
				{Currency: "USD", BillingCycle: CycleYearly, Amount: decimal.RequireFromString("50.00")},
			},
			Popular: true,
		},
		{
			ID:       "patron",
			Name:     "Patron",
			Features: []string{"everything in Member", "AI writing assistant", "scheduled social posting", "audience analytics"},
			Prices: []PlanPrice{
				{Currency: "IDR", BillingCycle: CycleMonthly, Amount: decimal.NewFromInt(149000)},
				{Currency: "IDR", BillingCycle: CycleYearly, Amount: decimal.NewFromInt(1490000)},
				{Currency: "USD", BillingCycle: CycleMonthly, Amount: decimal.RequireFromString("15.00")},
				{Currency: "USD", BillingCycle: CycleYearly, Amount: decimal.RequireFromString("150.00")},
			},
		},
	}
}

// GetPlan returns the plan for a given ID.
func GetPlan(id string) (Plan, bool) {
	for _, p := range AvailablePlans() {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// Price returns the amount charged for cycle in currency.
func (p Plan) Price(cycle BillingCycle, currency string) (decimal.Decimal, bool) {
	for _, pr := range p.Prices {
		if pr.BillingCycle == cycle && pr.Currency == currency {
			return pr.Amount, true
		}
	}
	return decimal.Zero, false
}

// GatewayCurrency is the settlement currency used with each gateway.
// Midtrans and Xendit settle in rupiah.
func GatewayCurrency(g payment.Gateway) string {
	if g == payment.GatewayStripe {
		return "USD"
	}
	return "IDR"
}
