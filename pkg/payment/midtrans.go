package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	midtransSnapSandbox = "https://app.sandbox.midtrans.com"
	midtransSnapLive    = "https://app.midtrans.com"
	midtransAPISandbox  = "https://api.sandbox.midtrans.com"
	midtransAPILive     = "https://api.midtrans.com"
)

// MidtransConfig holds the Midtrans credentials and endpoints.
type MidtransConfig struct {
	ServerKey  string
	SnapURL    string // overrides the Snap host
	APIURL     string // overrides the Core API host
	Production bool
}

// Midtrans settles through Snap transactions and SHA-512 signed notifications.
type Midtrans struct {
	serverKey string
	snapURL   string
	apiURL    string
	http      *httpTransport
}

// NewMidtrans creates a Midtrans adapter.
func NewMidtrans(cfg MidtransConfig, opts Options) *Midtrans {
	snapURL, apiURL := midtransSnapSandbox, midtransAPISandbox
	if cfg.Production {
		snapURL, apiURL = midtransSnapLive, midtransAPILive
	}
	if cfg.SnapURL != "" {
		snapURL = cfg.SnapURL
	}
	if cfg.APIURL != "" {
		apiURL = cfg.APIURL
	}
	return &Midtrans{
		serverKey: cfg.ServerKey,
		snapURL:   strings.TrimSuffix(snapURL, "/"),
		apiURL:    strings.TrimSuffix(apiURL, "/"),
		http:      newHTTPTransport(GatewayMidtrans, opts),
	}
}

// midtransNotification is the shape shared by HTTP notifications and the status API.
type midtransNotification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	Currency          string `json:"currency"`
	PaymentType       string `json:"payment_type"`
}

func (m *Midtrans) Gateway() Gateway { return GatewayMidtrans }

// Signature computes the notification signature for the given fields.
func (m *Midtrans) Signature(orderID, statusCode, grossAmount string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + m.serverKey))
	return hex.EncodeToString(sum[:])
}

func (m *Midtrans) VerifySignature(body []byte, _ http.Header) error {
	var n midtransNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.serverKey == "" || n.SignatureKey == "" {
		return ErrInvalidSignature
	}
	expected := m.Signature(n.OrderID, n.StatusCode, n.GrossAmount)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(n.SignatureKey))) {
		return ErrInvalidSignature
	}
	return nil
}

func (m *Midtrans) Normalize(body []byte) (*Notification, error) {
	var n midtransNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m.normalize(&n)
}

func (m *Midtrans) normalize(n *midtransNotification) (*Notification, error) {
	if n.OrderID == "" || n.TransactionStatus == "" {
		return nil, fmt.Errorf("%w: order_id and transaction_status are required", ErrMalformed)
	}
	out := &Notification{
		Gateway:              GatewayMidtrans,
		OrderID:              n.OrderID,
		GatewayTransactionID: n.TransactionID,
		RawStatus:            n.TransactionStatus,
		Currency:             n.Currency,
	}
	if n.GrossAmount != "" {
		amount, err := decimal.NewFromString(n.GrossAmount)
		if err != nil {
			return nil, fmt.Errorf("%w: gross_amount %q", ErrMalformed, n.GrossAmount)
		}
		out.Amount = amount
	}

	switch n.TransactionStatus {
	case "capture", "settlement":
		switch n.FraudStatus {
		case "", "accept":
			out.Outcome = OutcomePaid
		case "challenge", "deny":
			out.Outcome = OutcomeFailed
		default:
			out.Outcome = OutcomePending
			out.Unrecognized = true
		}
	case "pending":
		out.Outcome = OutcomePending
	case "deny", "expire", "failure":
		out.Outcome = OutcomeFailed
	case "cancel":
		out.Outcome = OutcomeFailed
		out.Cancelled = true
	default:
		out.Outcome = OutcomePending
		out.Unrecognized = true
	}
	return out, nil
}

type midtransSnapRequest struct {
	TransactionDetails struct {
		OrderID     string `json:"order_id"`
		GrossAmount int64  `json:"gross_amount"`
	} `json:"transaction_details"`
	ItemDetails []midtransItem    `json:"item_details,omitempty"`
	Callbacks   *midtransCallback `json:"callbacks,omitempty"`
	Expiry      *midtransExpiry   `json:"expiry,omitempty"`
}

type midtransItem struct {
	ID       string `json:"id"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
	Name     string `json:"name"`
}

type midtransCallback struct {
	Finish string `json:"finish"`
}

type midtransExpiry struct {
	Unit     string `json:"unit"`
	Duration int64  `json:"duration"`
}

type midtransSnapResponse struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// CreateCharge opens a Snap transaction. Midtrans assigns the transaction id
// only once the customer pays, so GatewayTransactionID stays empty here.
func (m *Midtrans) CreateCharge(ctx context.Context, charge Charge) (*ChargeResult, error) {
	// Snap takes whole rupiah.
	gross := charge.Amount.Round(0).IntPart()

	var req midtransSnapRequest
	req.TransactionDetails.OrderID = charge.OrderID
	req.TransactionDetails.GrossAmount = gross
	req.ItemDetails = []midtransItem{{ID: charge.OrderID, Price: gross, Quantity: 1, Name: truncate(charge.Description, 50)}}
	if charge.SuccessURL != "" {
		req.Callbacks = &midtransCallback{Finish: charge.SuccessURL}
	}
	if charge.Expiry > 0 {
		req.Expiry = &midtransExpiry{Unit: "minutes", Duration: expiryMinutes(charge.Expiry)}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snap request: %w", err)
	}

	body, err := m.http.do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, m.snapURL+"/snap/v1/transactions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		m.authorize(r)
		r.Header.Set("Idempotency-Key", charge.OrderID)
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	var resp midtransSnapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: snap response: %v", ErrMalformed, err)
	}
	if resp.RedirectURL == "" {
		return nil, fmt.Errorf("%w: snap response without redirect_url", ErrRejected)
	}
	return &ChargeResult{RedirectTarget: resp.RedirectURL}, nil
}

// PollStatus queries the Core API status endpoint, which answers with the
// same fields as a notification.
func (m *Midtrans) PollStatus(ctx context.Context, charge Charge) (*Notification, []byte, error) {
	endpoint := fmt.Sprintf("%s/v2/%s/status", m.apiURL, url.PathEscape(charge.OrderID))
	body, err := m.http.do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		m.authorize(r)
		return r, nil
	})
	if err != nil {
		return nil, nil, err
	}

	var n midtransNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, nil, fmt.Errorf("%w: status response: %v", ErrMalformed, err)
	}
	// Unknown transactions come back as HTTP 200 with status_code 404.
	if n.StatusCode == "404" {
		return &Notification{
			Gateway:   GatewayMidtrans,
			OrderID:   charge.OrderID,
			Outcome:   OutcomePending,
			RawStatus: "not_found",
		}, body, nil
	}
	out, err := m.normalize(&n)
	if err != nil {
		return nil, nil, err
	}
	return out, body, nil
}

func (m *Midtrans) authorize(r *http.Request) {
	r.SetBasicAuth(m.serverKey, "")
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
}

// expiryMinutes rounds d up to whole minutes, never below one.
func expiryMinutes(d time.Duration) int64 {
	m := int64((d + time.Minute - 1) / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}

// truncate keeps at most n characters of s without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
