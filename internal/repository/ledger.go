package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/penpost/backend/internal/domain"
	"github.com/penpost/backend/pkg/payment"
)

// LedgerRepository is the idempotency ledger. Every state change is a single
// conditional statement, so concurrent deliveries on any number of instances
// serialize on the (gateway, transaction_id) primary key.
type LedgerRepository struct {
	db  *pgxpool.Pool
	ttl time.Duration
}

// NewLedgerRepository creates a ledger whose reservations may be reclaimed
// once they are older than ttl without having been marked applied.
func NewLedgerRepository(db *pgxpool.Pool, ttl time.Duration) *LedgerRepository {
	return &LedgerRepository{db: db, ttl: ttl}
}

// Reserve claims (gateway, txnID). An expired reservation is taken over by
// the caller.
func (r *LedgerRepository) Reserve(ctx context.Context, gateway payment.Gateway, txnID, orderID string) (domain.Reservation, error) {
	token := uuid.New().String()
	var got string
	err := r.db.QueryRow(ctx, `
		INSERT INTO idempotency_ledger (gateway, transaction_id, order_id, state, token, reserved_at)
		VALUES ($1, $2, $3, 'reserved', $4, NOW())
		ON CONFLICT (gateway, transaction_id) DO UPDATE
			SET token = EXCLUDED.token, order_id = EXCLUDED.order_id, reserved_at = NOW()
			WHERE idempotency_ledger.state = 'reserved'
				AND idempotency_ledger.reserved_at < NOW() - make_interval(secs => $5)
		RETURNING token::text
	`, string(gateway), txnID, orderID, token, r.ttl.Seconds()).Scan(&got)
	if err == nil {
		return domain.Reservation{Result: domain.ReserveFirst, Token: got}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, fmt.Errorf("failed to reserve %s/%s: %w", gateway, txnID, err)
	}

	var state string
	err = r.db.QueryRow(ctx,
		`SELECT state FROM idempotency_ledger WHERE gateway = $1 AND transaction_id = $2`,
		string(gateway), txnID).Scan(&state)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Released between the two statements; the next delivery will reserve it.
		return domain.Reservation{Result: domain.ReserveHeld}, nil
	case err != nil:
		return domain.Reservation{}, fmt.Errorf("failed to read ledger %s/%s: %w", gateway, txnID, err)
	case domain.LedgerState(state) == domain.LedgerApplied:
		return domain.Reservation{Result: domain.ReserveAlreadyApplied}, nil
	default:
		return domain.Reservation{Result: domain.ReserveHeld}, nil
	}
}

// MarkApplied finalizes the reservation identified by token.
func (r *LedgerRepository) MarkApplied(ctx context.Context, gateway payment.Gateway, txnID, token string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE idempotency_ledger SET state = 'applied', applied_at = NOW()
		WHERE gateway = $1 AND transaction_id = $2 AND token = $3 AND state = 'reserved'
	`, string(gateway), txnID, token)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s applied: %w", gateway, txnID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark %s/%s applied: reservation no longer held", gateway, txnID)
	}
	return nil
}

// Release drops the reservation identified by token so a redelivery can retry.
func (r *LedgerRepository) Release(ctx context.Context, gateway payment.Gateway, txnID, token string) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM idempotency_ledger
		WHERE gateway = $1 AND transaction_id = $2 AND token = $3 AND state = 'reserved'
	`, string(gateway), txnID, token)
	if err != nil {
		return fmt.Errorf("failed to release %s/%s: %w", gateway, txnID, err)
	}
	return nil
}

// ListAbandoned returns reservations older than the ledger TTL that were
// never marked applied.
func (r *LedgerRepository) ListAbandoned(ctx context.Context, limit int) ([]*domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT gateway, transaction_id, order_id, state, token::text, reserved_at, applied_at
		FROM idempotency_ledger
		WHERE state = 'reserved' AND reserved_at < NOW() - make_interval(secs => $1)
		ORDER BY reserved_at ASC LIMIT $2
	`, r.ttl.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list abandoned reservations: %w", err)
	}
	defer rows.Close()

	var out []*domain.LedgerEntry
	for rows.Next() {
		var (
			e       domain.LedgerEntry
			gateway string
		)
		if err := rows.Scan(&gateway, &e.TransactionID, &e.OrderID, &e.State, &e.Token, &e.ReservedAt, &e.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Gateway = payment.Gateway(gateway)
		out = append(out, &e)
	}
	return out, rows.Err()
}
