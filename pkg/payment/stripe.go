package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
)

// StripeSignatureHeader carries the timestamped HMAC of a Stripe event.
const StripeSignatureHeader = "Stripe-Signature"

// StripeOrderMetadataKey links a PaymentIntent back to its order.
const StripeOrderMetadataKey = "order_id"

// StripeConfig holds the Stripe credentials.
type StripeConfig struct {
	SecretKey string
	// WebhookSecret enables Stripe-Signature verification when set.
	WebhookSecret string
	BaseURL       string
}

// Stripe settles through PaymentIntents.
type Stripe struct {
	api           *client.API
	webhookSecret string
	http          *httpTransport
}

// NewStripe creates a Stripe adapter. Retries are driven by Options, so the
// stripe-go backend's own network retries are disabled.
func NewStripe(cfg StripeConfig, opts Options) *Stripe {
	opts = opts.withDefaults()
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        opts.HTTPClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(strings.TrimSuffix(cfg.BaseURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &Stripe{
		api:           client.New(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend}),
		webhookSecret: cfg.WebhookSecret,
		http:          newHTTPTransport(GatewayStripe, opts),
	}
}

func (s *Stripe) Gateway() Gateway { return GatewayStripe }

// VerifySignature checks the Stripe-Signature header when a webhook secret is
// configured. Without one the event is trusted on structure alone and
// authenticity is left to the transport.
func (s *Stripe) VerifySignature(body []byte, headers http.Header) error {
	if s.webhookSecret != "" {
		_, err := webhook.ConstructEventWithOptions(body, headers.Get(StripeSignatureHeader), s.webhookSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil
	}

	var ev struct {
		ID     string `json:"id"`
		Object string `json:"object"`
		Type   string `json:"type"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !strings.HasPrefix(ev.ID, "evt_") || ev.Object != "event" || ev.Type == "" {
		return ErrInvalidSignature
	}
	return nil
}

func (s *Stripe) Normalize(body []byte) (*Notification, error) {
	var ev stripe.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	eventType := string(ev.Type)
	if eventType == "" {
		return nil, fmt.Errorf("%w: event without type", ErrMalformed)
	}
	if eventType != "payment_intent.succeeded" {
		return &Notification{Gateway: GatewayStripe, RawStatus: eventType, Ignored: true}, nil
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s without data.object", ErrMalformed, eventType)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: payment intent: %v", ErrMalformed, err)
	}
	orderID := pi.Metadata[StripeOrderMetadataKey]
	if orderID == "" || pi.ID == "" {
		return nil, fmt.Errorf("%w: payment intent without id or %s metadata", ErrMalformed, StripeOrderMetadataKey)
	}
	return &Notification{
		Gateway:              GatewayStripe,
		OrderID:              orderID,
		GatewayTransactionID: pi.ID,
		Outcome:              OutcomePaid,
		RawStatus:            eventType,
		Amount:               FromMinorUnits(pi.AmountReceived, string(pi.Currency)),
		Currency:             strings.ToUpper(string(pi.Currency)),
	}, nil
}

// CreateCharge creates a PaymentIntent. The redirect target is the intent's
// client secret, which the checkout page hands to Stripe.js.
func (s *Stripe) CreateCharge(ctx context.Context, charge Charge) (*ChargeResult, error) {
	var pi *stripe.PaymentIntent
	err := s.retry(ctx, func(ctx context.Context) error {
		params := &stripe.PaymentIntentParams{
			Amount:      stripe.Int64(ToMinorUnits(charge.Amount, charge.Currency)),
			Currency:    stripe.String(strings.ToLower(charge.Currency)),
			Description: stripe.String(charge.Description),
			AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
				Enabled: stripe.Bool(true),
			},
		}
		params.Context = ctx
		params.IdempotencyKey = stripe.String(charge.OrderID)
		params.AddMetadata(StripeOrderMetadataKey, charge.OrderID)
		params.AddMetadata("user_id", charge.UserID)

		var err error
		pi, err = s.api.PaymentIntents.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ChargeResult{RedirectTarget: pi.ClientSecret, GatewayTransactionID: pi.ID}, nil
}

func (s *Stripe) PollStatus(ctx context.Context, charge Charge) (*Notification, []byte, error) {
	if charge.GatewayTransactionID == "" {
		return nil, nil, fmt.Errorf("%w: order %s has no payment intent", ErrMalformed, charge.OrderID)
	}

	var pi *stripe.PaymentIntent
	err := s.retry(ctx, func(ctx context.Context) error {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		var err error
		pi, err = s.api.PaymentIntents.Get(charge.GatewayTransactionID, params)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return intentNotification(pi, charge.OrderID)
}

// CancelCharge cancels an abandoned PaymentIntent. Stripe refuses to cancel
// an intent that already succeeded; the intent is then re-read so the payment
// is settled instead.
func (s *Stripe) CancelCharge(ctx context.Context, charge Charge) (*Notification, []byte, error) {
	if charge.GatewayTransactionID == "" {
		return nil, nil, fmt.Errorf("%w: order %s has no payment intent", ErrMalformed, charge.OrderID)
	}

	var pi *stripe.PaymentIntent
	err := s.retry(ctx, func(ctx context.Context) error {
		params := &stripe.PaymentIntentCancelParams{CancellationReason: stripe.String("abandoned")}
		params.Context = ctx
		var err error
		pi, err = s.api.PaymentIntents.Cancel(charge.GatewayTransactionID, params)
		return err
	})
	if errors.Is(err, ErrRejected) {
		return s.PollStatus(ctx, charge)
	}
	if err != nil {
		return nil, nil, err
	}
	return intentNotification(pi, charge.OrderID)
}

func intentNotification(pi *stripe.PaymentIntent, orderID string) (*Notification, []byte, error) {
	raw, err := json.Marshal(pi)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode payment intent: %w", err)
	}

	out := &Notification{
		Gateway:              GatewayStripe,
		OrderID:              orderID,
		GatewayTransactionID: pi.ID,
		RawStatus:            string(pi.Status),
		Amount:               FromMinorUnits(pi.AmountReceived, string(pi.Currency)),
		Currency:             strings.ToUpper(string(pi.Currency)),
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		out.Outcome = OutcomePaid
	case stripe.PaymentIntentStatusCanceled:
		out.Outcome = OutcomeFailed
		out.Cancelled = true
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresCapture:
		out.Outcome = OutcomePending
	default:
		out.Outcome = OutcomePending
		out.Unrecognized = true
	}
	return out, raw, nil
}

// retry runs call under the shared bounded backoff, retrying network errors,
// rate limits and 5xx responses.
func (s *Stripe) retry(ctx context.Context, call func(ctx context.Context) error) error {
	return s.http.retryCall(ctx, func(ctx context.Context) error {
		err := call(ctx)
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode > 0 {
			return &StatusError{Gateway: GatewayStripe, Code: se.HTTPStatusCode, Body: se.Msg}
		}
		return err
	})
}
