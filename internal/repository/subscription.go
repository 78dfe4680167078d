package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/penpost/backend/internal/domain"
)

// SubscriptionRepository handles database operations for user subscriptions.
type SubscriptionRepository struct {
	db *pgxpool.Pool
}

func NewSubscriptionRepository(db *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `user_id, plan_id, status, start_date, end_date, COALESCE(current_order_id, ''), created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.UserSubscription, error) {
	var sub domain.UserSubscription
	err := row.Scan(
		&sub.UserID, &sub.PlanID, &sub.Status, &sub.StartDate, &sub.EndDate,
		&sub.CurrentOrderID, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// EnsureFree creates the free-tier subscription for a user seen for the first time.
func (r *SubscriptionRepository) EnsureFree(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_subscriptions (user_id, plan_id, status) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, domain.FreePlanID, string(domain.SubscriptionFree))
	if err != nil {
		return fmt.Errorf("failed to ensure subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) FindByUserID(ctx context.Context, userID string) (*domain.UserSubscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM user_subscriptions WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // No subscription yet
		}
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, nil
}

// ExpireLapsed moves active subscriptions whose end date has passed to expired
// and returns them.
func (r *SubscriptionRepository) ExpireLapsed(ctx context.Context, now time.Time) ([]*domain.UserSubscription, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE user_subscriptions SET status = 'expired', updated_at = $1
		WHERE status = 'active' AND end_date < $1
		RETURNING `+subscriptionColumns, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*domain.UserSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
