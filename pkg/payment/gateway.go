package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway identifies an external payment provider.
type Gateway string

const (
	GatewayMidtrans Gateway = "midtrans"
	GatewayXendit   Gateway = "xendit"
	GatewayStripe   Gateway = "stripe"
)

// Gateways lists every supported provider.
func Gateways() []Gateway {
	return []Gateway{GatewayMidtrans, GatewayXendit, GatewayStripe}
}

// ParseGateway returns the Gateway for s, or an error when it is not supported.
func ParseGateway(s string) (Gateway, error) {
	for _, g := range Gateways() {
		if string(g) == s {
			return g, nil
		}
	}
	return "", fmt.Errorf("unsupported gateway %q", s)
}

// Outcome is the normalized settlement result of a gateway status.
type Outcome string

const (
	OutcomePaid    Outcome = "paid"
	OutcomePending Outcome = "pending"
	OutcomeFailed  Outcome = "failed"
)

// Terminal reports whether the outcome ends an order's lifecycle.
func (o Outcome) Terminal() bool {
	return o == OutcomePaid || o == OutcomeFailed
}

var (
	// ErrInvalidSignature means the body did not originate from the claimed gateway.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformed means the body could not be parsed as the gateway's notification.
	ErrMalformed = errors.New("malformed gateway payload")
	// ErrUnavailable means the gateway could not be reached after bounded retries.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrRejected means the gateway answered but refused the request.
	ErrRejected = errors.New("payment gateway rejected request")
)

// Notification is a gateway payload translated into internal terms.
type Notification struct {
	Gateway              Gateway
	OrderID              string
	GatewayTransactionID string
	Outcome              Outcome
	// Cancelled marks a failed outcome that the gateway reported as an explicit cancellation.
	Cancelled bool
	RawStatus string
	Amount    decimal.Decimal
	Currency  string
	// Ignored events are acknowledged without any transition.
	Ignored bool
	// Unrecognized is set when RawStatus is outside the known vocabulary and Outcome fell back to pending.
	Unrecognized bool
}

// TransactionKey is the idempotency key of the notification: the gateway
// transaction id, or the order id when the gateway did not report one.
func (n *Notification) TransactionKey() string {
	if n.GatewayTransactionID != "" {
		return n.GatewayTransactionID
	}
	return n.OrderID
}

// Charge describes an order to bill through a gateway.
type Charge struct {
	OrderID              string
	GatewayTransactionID string
	UserID               string
	Amount               decimal.Decimal
	Currency             string
	Description          string
	SuccessURL           string
	Expiry               time.Duration
}

// ChargeResult is the gateway's synchronous answer to a charge creation.
type ChargeResult struct {
	RedirectTarget       string
	GatewayTransactionID string
}

// Adapter is the per-gateway capability set used by the settlement service.
type Adapter interface {
	Gateway() Gateway
	// VerifySignature returns ErrInvalidSignature when body is not authentic.
	VerifySignature(body []byte, headers http.Header) error
	// Normalize maps a webhook body onto a Notification.
	Normalize(body []byte) (*Notification, error)
	// CreateCharge issues the outbound charge, retrying transient failures.
	CreateCharge(ctx context.Context, charge Charge) (*ChargeResult, error)
	// PollStatus asks the gateway for the current state of charge. The raw
	// response body is returned for the audit log.
	PollStatus(ctx context.Context, charge Charge) (*Notification, []byte, error)
}

// Canceller is implemented by adapters whose gateway keeps an unpaid charge
// open until it is cancelled. CancelCharge returns the charge's state after
// the attempt, which is paid when the payer completed it first.
type Canceller interface {
	CancelCharge(ctx context.Context, charge Charge) (*Notification, []byte, error)
}
