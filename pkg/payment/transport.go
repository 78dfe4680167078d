package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

// Options tunes the outbound HTTP behaviour shared by all adapters.
type Options struct {
	HTTPClient *http.Client
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     int
	RetryBaseDelay time.Duration
	Logger         *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 250 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// newBackOff returns the bounded exponential schedule used for gateway retries.
func (o Options) newBackOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.RetryBaseDelay
	eb.MaxInterval = 16 * o.RetryBaseDelay
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.MaxRetries)), ctx)
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Gateway Gateway
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s responded %d: %s", e.Gateway, e.Code, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// httpTransport performs gateway calls with per-attempt timeouts and bounded retries.
type httpTransport struct {
	gateway Gateway
	opts    Options
}

func newHTTPTransport(gateway Gateway, opts Options) *httpTransport {
	return &httpTransport{gateway: gateway, opts: opts.withDefaults()}
}

// do executes the request produced by build until it succeeds, fails
// permanently, or the retry budget is spent. Network errors, 429 and 5xx are
// retried; any other non-2xx is returned wrapped in ErrRejected.
func (t *httpTransport) do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var body []byte
	err := t.retryCall(ctx, func(ctx context.Context) error {
		req, err := build(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := t.opts.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &StatusError{Gateway: t.gateway, Code: resp.StatusCode, Body: string(data)}
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// retryCall runs call with a per-attempt timeout under the bounded backoff.
// A StatusError that is not retryable stops the loop immediately.
func (t *httpTransport) retryCall(ctx context.Context, call func(ctx context.Context) error) error {
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()

		err := call(attemptCtx)
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		t.opts.Logger.Warn("gateway call failed, retrying",
			zap.String("gateway", string(t.gateway)),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, t.opts.newBackOff(ctx), notify); err != nil {
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return fmt.Errorf("%w: %v", ErrRejected, se)
		}
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, t.gateway, err)
	}
	return nil
}
