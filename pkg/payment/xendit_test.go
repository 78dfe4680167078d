package payment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXenditVerifySignature(t *testing.T) {
	x := NewXendit(XenditConfig{SecretKey: "xnd_development_key", CallbackToken: "cb-token"}, testOptions())

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "matching token", token: "cb-token"},
		{name: "different token", token: "cb-tokem", wantErr: true},
		{name: "prefix of token", token: "cb-tok", wantErr: true},
		{name: "missing header", token: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.token != "" {
				h.Set(XenditCallbackHeader, tt.token)
			}
			err := x.VerifySignature([]byte(`{}`), h)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSignature)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	unconfigured := NewXendit(XenditConfig{SecretKey: "k"}, testOptions())
	h := http.Header{}
	h.Set(XenditCallbackHeader, "")
	assert.ErrorIs(t, unconfigured.VerifySignature(nil, h), ErrInvalidSignature)
}

func TestXenditNormalize(t *testing.T) {
	x := NewXendit(XenditConfig{}, testOptions())

	tests := []struct {
		status       string
		want         Outcome
		unrecognized bool
	}{
		{status: "PAID", want: OutcomePaid},
		{status: "PENDING", want: OutcomePending},
		{status: "EXPIRED", want: OutcomeFailed},
		{status: "FAILED", want: OutcomeFailed},
		{status: "SETTLED", want: OutcomePending, unrecognized: true},
		{status: "paid", want: OutcomePending, unrecognized: true},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			body := []byte(`{"id":"inv-1","external_id":"SUB-2","status":"` + tt.status + `","amount":75000,"currency":"IDR"}`)
			n, err := x.Normalize(body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.Outcome)
			assert.Equal(t, tt.unrecognized, n.Unrecognized)
			assert.Equal(t, "SUB-2", n.OrderID)
			assert.Equal(t, "inv-1", n.GatewayTransactionID)
			assert.True(t, decimal.NewFromInt(75000).Equal(n.Amount))
		})
	}

	n, err := x.Normalize([]byte(`{"id":"inv-1","external_id":"SUB-2","status":"PAID","amount":75000,"paid_amount":74000}`))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(74000).Equal(n.Amount))

	_, err = x.Normalize([]byte(`{"id":"inv-1","status":"PAID"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestXenditCreateCharge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/invoices", r.URL.Path)
		assert.Equal(t, "SUB-3", r.Header.Get("X-IDEMPOTENCY-KEY"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "xnd_development_key", user)
		assert.Empty(t, pass)

		raw, _ := io.ReadAll(r.Body)
		var req map[string]any
		assert.NoError(t, json.Unmarshal(raw, &req))
		assert.Equal(t, "SUB-3", req["external_id"])
		assert.Equal(t, float64(99000), req["amount"])
		assert.Equal(t, "IDR", req["currency"])
		assert.Equal(t, float64(3600), req["invoice_duration"])

		_, _ = w.Write([]byte(`{"id":"inv-3","external_id":"SUB-3","status":"PENDING","invoice_url":"https://checkout.xendit.co/web/inv-3"}`))
	}))
	defer srv.Close()

	x := NewXendit(XenditConfig{SecretKey: "xnd_development_key", BaseURL: srv.URL}, testOptions())
	res, err := x.CreateCharge(context.Background(), Charge{
		OrderID:  "SUB-3",
		Amount:   decimal.NewFromInt(99000),
		Currency: "idr",
		Expiry:   time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, "inv-3", res.GatewayTransactionID)
	assert.Equal(t, "https://checkout.xendit.co/web/inv-3", res.RedirectTarget)
}

func TestXenditPollStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v2/invoices/inv-4":
			_, _ = w.Write([]byte(`{"id":"inv-4","external_id":"SUB-4","status":"EXPIRED","amount":99000}`))
		case r.URL.Path == "/v2/invoices" && r.URL.Query().Get("external_id") == "SUB-5":
			_, _ = w.Write([]byte(`[{"id":"inv-5","external_id":"SUB-5","status":"PAID","amount":99000}]`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	x := NewXendit(XenditConfig{SecretKey: "k", BaseURL: srv.URL}, testOptions())

	n, raw, err := x.PollStatus(context.Background(), Charge{OrderID: "SUB-4", GatewayTransactionID: "inv-4"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, n.Outcome)
	assert.NotEmpty(t, raw)

	n, _, err = x.PollStatus(context.Background(), Charge{OrderID: "SUB-5"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, n.Outcome)
	assert.Equal(t, "inv-5", n.GatewayTransactionID)

	n, _, err = x.PollStatus(context.Background(), Charge{OrderID: "SUB-6"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, n.Outcome)
	assert.Equal(t, "not_found", n.RawStatus)
}
