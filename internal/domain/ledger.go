package domain

import (
	"time"

	"github.com/penpost/backend/pkg/payment"
)

// ReserveResult is the outcome of reserving a gateway transaction in the ledger.
type ReserveResult int

const (
	// ReserveFirst means the caller now holds the reservation and must apply the effect.
	ReserveFirst ReserveResult = iota
	// ReserveAlreadyApplied means the effect was applied by an earlier delivery.
	ReserveAlreadyApplied
	// ReserveHeld means another delivery holds a live reservation.
	ReserveHeld
)

func (r ReserveResult) String() string {
	switch r {
	case ReserveFirst:
		return "first"
	case ReserveAlreadyApplied:
		return "already_applied"
	case ReserveHeld:
		return "held"
	}
	return "unknown"
}

// Reservation is a claim on (gateway, transaction id). Token identifies the
// holder; MarkApplied and Release only act on the holder's own claim.
type Reservation struct {
	Result ReserveResult
	Token  string
}

// LedgerState is the persisted state of a ledger entry.
type LedgerState string

const (
	LedgerReserved LedgerState = "reserved"
	LedgerApplied  LedgerState = "applied"
)

// LedgerEntry is one row of the idempotency ledger.
type LedgerEntry struct {
	Gateway       payment.Gateway `json:"gateway"`
	TransactionID string          `json:"transactionId"`
	OrderID       string          `json:"orderId"`
	State         LedgerState     `json:"state"`
	Token         string          `json:"-"`
	ReservedAt    time.Time       `json:"reservedAt"`
	AppliedAt     *time.Time      `json:"appliedAt,omitempty"`
}
