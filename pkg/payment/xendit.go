package payment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const xenditAPIBase = "https://api.xendit.co"

// XenditCallbackHeader carries the shared callback token on every invoice callback.
const XenditCallbackHeader = "X-Callback-Token"

// XenditConfig holds the Xendit credentials. Test and live mode share one host
// and are told apart by the key.
type XenditConfig struct {
	SecretKey     string
	CallbackToken string
	BaseURL       string
}

// Xendit settles through invoices and token-authenticated callbacks.
type Xendit struct {
	secretKey     string
	callbackToken string
	baseURL       string
	http          *httpTransport
}

// NewXendit creates a Xendit adapter.
func NewXendit(cfg XenditConfig, opts Options) *Xendit {
	base := cfg.BaseURL
	if base == "" {
		base = xenditAPIBase
	}
	return &Xendit{
		secretKey:     cfg.SecretKey,
		callbackToken: cfg.CallbackToken,
		baseURL:       strings.TrimSuffix(base, "/"),
		http:          newHTTPTransport(GatewayXendit, opts),
	}
}

type xenditInvoice struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"external_id"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	Currency   string          `json:"currency"`
	InvoiceURL string          `json:"invoice_url"`
}

func (x *Xendit) Gateway() Gateway { return GatewayXendit }

// VerifySignature compares the callback token header against the configured
// token. Both sides are hashed first so the comparison time does not depend
// on where, or whether by length, they differ.
func (x *Xendit) VerifySignature(_ []byte, headers http.Header) error {
	got := headers.Get(XenditCallbackHeader)
	if x.callbackToken == "" || got == "" {
		return ErrInvalidSignature
	}
	want := sha256.Sum256([]byte(x.callbackToken))
	have := sha256.Sum256([]byte(got))
	if subtle.ConstantTimeCompare(want[:], have[:]) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

func (x *Xendit) Normalize(body []byte) (*Notification, error) {
	var inv xenditInvoice
	if err := json.Unmarshal(body, &inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return x.normalize(&inv)
}

func (x *Xendit) normalize(inv *xenditInvoice) (*Notification, error) {
	if inv.ExternalID == "" || inv.Status == "" {
		return nil, fmt.Errorf("%w: external_id and status are required", ErrMalformed)
	}
	out := &Notification{
		Gateway:              GatewayXendit,
		OrderID:              inv.ExternalID,
		GatewayTransactionID: inv.ID,
		RawStatus:            inv.Status,
		Amount:               inv.Amount,
		Currency:             inv.Currency,
	}
	if !inv.PaidAmount.IsZero() {
		out.Amount = inv.PaidAmount
	}

	switch inv.Status {
	case "PAID":
		out.Outcome = OutcomePaid
	case "PENDING":
		out.Outcome = OutcomePending
	case "EXPIRED", "FAILED":
		out.Outcome = OutcomeFailed
	default:
		out.Outcome = OutcomePending
		out.Unrecognized = true
	}
	return out, nil
}

type xenditInvoiceRequest struct {
	ExternalID         string      `json:"external_id"`
	Amount             json.Number `json:"amount"`
	Currency           string      `json:"currency,omitempty"`
	Description        string      `json:"description,omitempty"`
	InvoiceDuration    int64       `json:"invoice_duration,omitempty"`
	SuccessRedirectURL string      `json:"success_redirect_url,omitempty"`
}

func (x *Xendit) CreateCharge(ctx context.Context, charge Charge) (*ChargeResult, error) {
	req := xenditInvoiceRequest{
		ExternalID:         charge.OrderID,
		Amount:             json.Number(charge.Amount.String()),
		Currency:           strings.ToUpper(charge.Currency),
		Description:        charge.Description,
		InvoiceDuration:    int64(charge.Expiry.Seconds()),
		SuccessRedirectURL: charge.SuccessURL,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invoice request: %w", err)
	}

	body, err := x.http.do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, x.baseURL+"/v2/invoices", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		x.authorize(r)
		r.Header.Set("X-IDEMPOTENCY-KEY", charge.OrderID)
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	var inv xenditInvoice
	if err := json.Unmarshal(body, &inv); err != nil {
		return nil, fmt.Errorf("%w: invoice response: %v", ErrMalformed, err)
	}
	if inv.ID == "" || inv.InvoiceURL == "" {
		return nil, fmt.Errorf("%w: invoice response without id or invoice_url", ErrRejected)
	}
	return &ChargeResult{RedirectTarget: inv.InvoiceURL, GatewayTransactionID: inv.ID}, nil
}

// PollStatus fetches the invoice by id, or by external id when the charge was
// never acknowledged with an invoice id.
func (x *Xendit) PollStatus(ctx context.Context, charge Charge) (*Notification, []byte, error) {
	endpoint := x.baseURL + "/v2/invoices/" + url.PathEscape(charge.GatewayTransactionID)
	byExternal := charge.GatewayTransactionID == ""
	if byExternal {
		endpoint = x.baseURL + "/v2/invoices?external_id=" + url.QueryEscape(charge.OrderID)
	}

	body, err := x.http.do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		x.authorize(r)
		return r, nil
	})
	if err != nil {
		return nil, nil, err
	}

	var inv xenditInvoice
	if byExternal {
		var list []xenditInvoice
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, nil, fmt.Errorf("%w: invoice list: %v", ErrMalformed, err)
		}
		if len(list) == 0 {
			return &Notification{
				Gateway:   GatewayXendit,
				OrderID:   charge.OrderID,
				Outcome:   OutcomePending,
				RawStatus: "not_found",
			}, body, nil
		}
		inv = list[0]
	} else if err := json.Unmarshal(body, &inv); err != nil {
		return nil, nil, fmt.Errorf("%w: invoice: %v", ErrMalformed, err)
	}

	out, err := x.normalize(&inv)
	if err != nil {
		return nil, nil, err
	}
	return out, body, nil
}

func (x *Xendit) authorize(r *http.Request) {
	r.SetBasicAuth(x.secretKey, "")
	r.Header.Set("Content-Type", "application/json")
}
