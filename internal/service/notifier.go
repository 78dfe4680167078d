package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/penpost/backend/internal/domain"
	"github.com/penpost/backend/internal/metrics"
	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA256 of a delivered event body.
const SignatureHeader = "X-Settlement-Signature"

// NotifierConfig configures event delivery.
type NotifierConfig struct {
	// CallbackURL receives events. When empty events are only logged.
	CallbackURL string
	Secret      string
	MaxAttempts int
	HTTPClient  *http.Client
	// PublishTimeout bounds the single in-line attempt made while a
	// settlement is being acknowledged.
	PublishTimeout time.Duration
	// RedeliveryTimeout bounds each attempt made by the retry worker.
	RedeliveryTimeout time.Duration
	// RetryBaseDelay is the first redelivery delay; it doubles per attempt.
	RetryBaseDelay time.Duration
}

// Notifier delivers settlement events to the platform's notification
// collaborators over a signed HTTP callback. Failed deliveries go to the
// retry queue and are dead-lettered after MaxAttempts.
type Notifier struct {
	cfg    NotifierConfig
	queue  RetryQueue
	logger *zap.Logger
	now    func() time.Time
}

// NewNotifier creates a new Notifier.
func NewNotifier(cfg NotifierConfig, queue RetryQueue, logger *zap.Logger) *Notifier {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.RedeliveryTimeout <= 0 {
		cfg.RedeliveryTimeout = 10 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 30 * time.Second
	}
	return &Notifier{cfg: cfg, queue: queue, logger: logger, now: time.Now}
}

// Publish makes one short delivery attempt and hands the event to the retry
// queue when it fails, so a slow collaborator never holds up the gateway's
// acknowledgment. It only returns an error when the event could be neither
// delivered nor queued.
func (n *Notifier) Publish(ctx context.Context, ev domain.Event) error {
	if n.cfg.CallbackURL == "" {
		n.logger.Info("settlement event", zap.String("type", string(ev.Type)), zap.String("order_id", ev.OrderID), zap.String("user_id", ev.UserID))
		return nil
	}

	err := n.send(ctx, ev, n.cfg.PublishTimeout)
	if err == nil {
		metrics.EventDeliveriesTotal.WithLabelValues("delivered").Inc()
		return nil
	}

	q := domain.QueuedEvent{Event: ev, Attempts: 1, LastErr: err.Error()}
	if isPermanent(err) {
		n.logger.Error("event rejected by callback", zap.String("event_id", ev.ID), zap.String("type", string(ev.Type)), zap.Error(err))
		metrics.EventDeliveriesTotal.WithLabelValues("dead_lettered").Inc()
		if qerr := n.queue.DeadLetter(context.WithoutCancel(ctx), q); qerr != nil {
			return fmt.Errorf("deliver event %s: %v; dead letter: %w", ev.ID, err, qerr)
		}
		return nil
	}

	n.logger.Warn("event delivery failed, queueing for retry", zap.String("event_id", ev.ID), zap.String("type", string(ev.Type)), zap.Error(err))
	metrics.EventDeliveriesTotal.WithLabelValues("queued").Inc()
	if qerr := n.queue.Push(context.WithoutCancel(ctx), q, n.now().Add(n.delay(1))); qerr != nil {
		return fmt.Errorf("deliver event %s: %v; queue: %w", ev.ID, err, qerr)
	}
	return nil
}

// Drain redelivers up to limit due events. A failed queue write does not
// stop the pass: the claimed entry stays in the queue and becomes due again
// once its claim lapses.
func (n *Notifier) Drain(ctx context.Context, limit int) (delivered, deadLettered int, err error) {
	due, err := n.queue.Due(ctx, n.now(), limit)
	if err != nil {
		return 0, 0, err
	}

	var errs []error
	for _, q := range due {
		sendErr := n.send(ctx, q.Event, n.cfg.RedeliveryTimeout)
		if sendErr == nil {
			delivered++
			metrics.EventDeliveriesTotal.WithLabelValues("redelivered").Inc()
			if err := n.queue.Ack(ctx, q); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		q.LastErr = sendErr.Error()
		q.Attempts++
		if q.Attempts >= n.cfg.MaxAttempts || isPermanent(sendErr) {
			n.logger.Error("event dead-lettered", zap.String("event_id", q.Event.ID), zap.Int("attempts", q.Attempts), zap.String("error", q.LastErr))
			if err := n.queue.DeadLetter(ctx, q); err != nil {
				errs = append(errs, err)
				continue
			}
			metrics.EventDeliveriesTotal.WithLabelValues("dead_lettered").Inc()
			deadLettered++
			continue
		}
		if err := n.queue.Push(ctx, q, n.now().Add(n.delay(q.Attempts))); err != nil {
			errs = append(errs, err)
		}
	}
	return delivered, deadLettered, errors.Join(errs...)
}

// Start drains the retry queue every interval until ctx is done.
func (n *Notifier) Start(ctx context.Context, interval time.Duration) {
	if n.cfg.CallbackURL == "" {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, _, err := n.Drain(ctx, 100); err != nil {
					n.logger.Error("failed to drain event retry queue", zap.Error(err))
				}
				n.recordDepth(ctx)
			}
		}
	}()
}

func (n *Notifier) recordDepth(ctx context.Context) {
	dq, ok := n.queue.(interface {
		Depth(ctx context.Context) (retry, dead int64, err error)
	})
	if !ok {
		return
	}
	retry, dead, err := dq.Depth(ctx)
	if err != nil {
		n.logger.Warn("failed to read event queue depth", zap.Error(err))
		return
	}
	metrics.EventQueueDepth.WithLabelValues("retry").Set(float64(retry))
	metrics.EventQueueDepth.WithLabelValues("dead").Set(float64(dead))
}

func (n *Notifier) delay(attempt int) time.Duration {
	d := n.cfg.RetryBaseDelay << (attempt - 1)
	if ceiling := 6 * time.Hour; d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// Sign returns the signature of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (n *Notifier) send(ctx context.Context, ev domain.Event, timeout time.Duration) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode event: %w", err))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Settlement-Event", string(ev.Type))
	req.Header.Set(SignatureHeader, Sign(n.cfg.Secret, body))

	resp, err := n.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode <= 499 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("callback rejected event: %d", resp.StatusCode))
	}
	return fmt.Errorf("callback responded %d", resp.StatusCode)
}

// isPermanent reports whether err will not go away on redelivery.
func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}
