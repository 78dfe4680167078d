package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/penpost/backend/internal/domain"
	"github.com/penpost/backend/pkg/payment"
	"github.com/shopspring/decimal"
)

// OrderRepository handles database operations for subscription orders.
// Status and applied_at are only written through the conditional updates
// below, each of which is a compare-and-set on the current status.
type OrderRepository struct {
	db *pgxpool.Pool
}

// NewOrderRepository creates a new OrderRepository.
func NewOrderRepository(db *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, user_id, plan_id, gateway, COALESCE(gateway_transaction_id, ''), amount::text,
	currency, billing_cycle, status, COALESCE(redirect_target, ''), applied_at, raw_webhook_log,
	created_at, updated_at`

func scanOrder(row pgx.Row) (*domain.SubscriptionOrder, error) {
	var (
		o       domain.SubscriptionOrder
		gateway string
		amount  string
		rawLog  []byte
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.PlanID, &gateway, &o.GatewayTransactionID, &amount,
		&o.Currency, &o.BillingCycle, &o.Status, &o.RedirectTarget, &o.AppliedAt, &rawLog,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Gateway = payment.Gateway(gateway)
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("order %s has invalid amount %q: %w", o.ID, amount, err)
	}
	if len(rawLog) > 0 {
		if err := json.Unmarshal(rawLog, &o.RawWebhookLog); err != nil {
			return nil, fmt.Errorf("order %s has invalid webhook log: %w", o.ID, err)
		}
	}
	return &o, nil
}

// Create inserts a new order. A second in-flight order for the same user is
// rejected with domain.ErrOrderInFlight.
func (r *OrderRepository) Create(ctx context.Context, o *domain.SubscriptionOrder) error {
	query := `
		INSERT INTO subscription_orders (id, user_id, plan_id, gateway, amount, currency, billing_cycle, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $9)
	`
	_, err := r.db.Exec(ctx, query,
		o.ID, o.UserID, o.PlanID, string(o.Gateway), o.Amount.String(), o.Currency,
		string(o.BillingCycle), string(o.Status), o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", o.UserID, domain.ErrOrderInFlight)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// FindByID returns the order, or nil when it does not exist.
func (r *OrderRepository) FindByID(ctx context.Context, id string) (*domain.SubscriptionOrder, error) {
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM subscription_orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	return o, nil
}

// FindInFlightByUser returns the user's created or pending order, if any.
func (r *OrderRepository) FindInFlightByUser(ctx context.Context, userID string) (*domain.SubscriptionOrder, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM subscription_orders
		WHERE user_id = $1 AND status IN ('created', 'pending')
		ORDER BY created_at DESC LIMIT 1
	`, userID)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find in-flight order: %w", err)
	}
	return o, nil
}

// ListStale returns in-flight orders not touched for longer than olderThan,
// oldest first.
func (r *OrderRepository) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.SubscriptionOrder, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+` FROM subscription_orders
		WHERE status IN ('created', 'pending') AND updated_at < NOW() - make_interval(secs => $1)
		ORDER BY updated_at ASC LIMIT $2
	`, olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.SubscriptionOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// AppendWebhookLog appends a raw gateway payload to the order's audit log.
// Payloads that are not JSON are stored as a JSON string.
func (r *OrderRepository) AppendWebhookLog(ctx context.Context, orderID, source string, raw []byte) error {
	body := raw
	if !json.Valid(body) {
		body, _ = json.Marshal(string(raw))
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE subscription_orders
		SET raw_webhook_log = raw_webhook_log || jsonb_build_array(
			jsonb_build_object('source', $2::text, 'receivedAt', NOW(), 'body', $3::jsonb))
		WHERE id = $1
	`, orderID, source, string(body))
	if err != nil {
		return fmt.Errorf("failed to append webhook log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrUnknownOrder)
	}
	return nil
}

// Acknowledge moves a created order to pending and records the gateway's
// identifiers. A gateway transaction id, once set, is never replaced.
// It reports whether the order was still in flight.
func (r *OrderRepository) Acknowledge(ctx context.Context, id, txnID, redirect string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE subscription_orders
		SET status = 'pending',
			gateway_transaction_id = COALESCE(gateway_transaction_id, NULLIF($2, '')),
			redirect_target = COALESCE(NULLIF($3, ''), redirect_target),
			updated_at = NOW()
		WHERE id = $1 AND status IN ('created', 'pending')
	`, id, txnID, redirect)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Close moves an in-flight order to failed or cancelled. It reports false when
// the order had already left the in-flight states.
func (r *OrderRepository) Close(ctx context.Context, id string, to domain.OrderStatus, txnID string) (bool, error) {
	if to != domain.OrderFailed && to != domain.OrderCancelled {
		return false, fmt.Errorf("close order %s: invalid target status %q", id, to)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE subscription_orders
		SET status = $2,
			gateway_transaction_id = COALESCE(gateway_transaction_id, NULLIF($3, '')),
			updated_at = NOW()
		WHERE id = $1 AND status IN ('created', 'pending')
	`, id, string(to), txnID)
	if err != nil {
		return false, fmt.Errorf("failed to close order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyPaid marks the order paid and activates the user's subscription in a
// single transaction. It returns nil when the order was no longer in flight,
// in which case nothing was written.
func (r *OrderRepository) ApplyPaid(ctx context.Context, id, txnID string, now time.Time) (*domain.Activation, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE subscription_orders
		SET status = 'paid',
			applied_at = $3,
			gateway_transaction_id = COALESCE(gateway_transaction_id, NULLIF($2, '')),
			updated_at = $3
		WHERE id = $1 AND status IN ('created', 'pending') AND applied_at IS NULL
		RETURNING `+orderColumns, id, txnID, now)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to mark order paid: %w", err)
	}

	// Creates the free-tier row on first payment and locks it for the activation.
	if _, err := tx.Exec(ctx, `
		INSERT INTO user_subscriptions (user_id, created_at, updated_at) VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, order.UserID, now); err != nil {
		return nil, fmt.Errorf("failed to ensure subscription: %w", err)
	}
	current, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM user_subscriptions WHERE user_id = $1 FOR UPDATE`, order.UserID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}

	act := domain.NextActivation(current, order, now)
	if _, err := tx.Exec(ctx, `
		UPDATE user_subscriptions
		SET plan_id = $2, status = 'active', start_date = $3, end_date = $4, current_order_id = $5, updated_at = $6
		WHERE user_id = $1
	`, act.UserID, act.PlanID, act.StartDate, act.EndDate, act.OrderID, now); err != nil {
		return nil, fmt.Errorf("failed to activate subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit activation: %w", err)
	}
	return &act, nil
}
