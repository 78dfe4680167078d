package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/penpost/backend/internal/domain"
	"github.com/penpost/backend/pkg/payment"
)

// AnomalyRepository stores settlement inputs flagged for manual review.
type AnomalyRepository struct {
	db *pgxpool.Pool
}

func NewAnomalyRepository(db *pgxpool.Pool) *AnomalyRepository {
	return &AnomalyRepository{db: db}
}

func (r *AnomalyRepository) Record(ctx context.Context, a *domain.Anomaly) error {
	var payload any
	if len(a.Payload) > 0 {
		p := a.Payload
		if !json.Valid(p) {
			p, _ = json.Marshal(string(a.Payload))
		}
		payload = string(p)
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO settlement_anomalies (kind, gateway, order_id, transaction_id, detail, payload)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6::jsonb)
		RETURNING id, created_at
	`, string(a.Kind), string(a.Gateway), a.OrderID, a.TransactionID, a.Detail, payload).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record anomaly: %w", err)
	}
	return nil
}

// List returns the most recent anomalies first.
func (r *AnomalyRepository) List(ctx context.Context, limit, offset int) ([]*domain.Anomaly, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, kind, gateway, order_id, COALESCE(transaction_id, ''), detail, payload, created_at
		FROM settlement_anomalies ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	defer rows.Close()

	var out []*domain.Anomaly
	for rows.Next() {
		var (
			a       domain.Anomaly
			gateway string
			payload []byte
		)
		if err := rows.Scan(&a.ID, &a.Kind, &gateway, &a.OrderID, &a.TransactionID, &a.Detail, &payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		a.Gateway = payment.Gateway(gateway)
		a.Payload = payload
		out = append(out, &a)
	}
	return out, rows.Err()
}
