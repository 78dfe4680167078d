// Package app assembles the settlement service graph shared by the HTTP
// server and the operator commands.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/penpost/backend/internal/config"
	"github.com/penpost/backend/internal/repository"
	"github.com/penpost/backend/internal/service"
	"github.com/penpost/backend/pkg/payment"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stack holds the connected stores and the services built on them.
type Stack struct {
	DB    *pgxpool.Pool
	Redis *redis.Client

	Orders    *repository.OrderRepository
	Subs      *repository.SubscriptionRepository
	Ledger    *repository.LedgerRepository
	Anomalies *repository.AnomalyRepository

	Adapters      []payment.Adapter
	Notifier      *service.Notifier
	Settlement    *service.SettlementService
	Subscriptions *service.SubscriptionService
	Reconciler    *service.Reconciler
}

// Build connects to PostgreSQL and Redis, migrates the schema and wires the
// settlement services for every enabled gateway.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stack, error) {
	db, err := repository.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := repository.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	rdb, err := repository.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Stack{
		DB:        db,
		Redis:     rdb,
		Orders:    repository.NewOrderRepository(db),
		Subs:      repository.NewSubscriptionRepository(db),
		Ledger:    repository.NewLedgerRepository(db, cfg.LedgerReservationTTL),
		Anomalies: repository.NewAnomalyRepository(db),
		Adapters:  Adapters(cfg, logger),
	}

	s.Notifier = service.NewNotifier(service.NotifierConfig{
		CallbackURL: cfg.NotifyCallbackURL,
		Secret:      cfg.NotifyCallbackSecret,
		MaxAttempts: cfg.NotifyMaxAttempts,
	}, repository.NewEventQueue(rdb), logger.Named("notifier"))

	s.Settlement = service.NewSettlementService(s.Adapters, s.Orders, s.Subs, s.Ledger, s.Anomalies, s.Notifier, service.SettlementConfig{
		ChargeTimeout: ChargeTimeout(cfg),
		ChargeExpiry:  cfg.ChargeExpiry,
		SuccessURL:    cfg.ChargeSuccessURL,
		StaleAfter:    cfg.ReconcileStaleAfter,
	}, logger.Named("settlement"))
	s.Subscriptions = service.NewSubscriptionService(s.Subs, s.Orders, s.Anomalies)
	s.Reconciler = service.NewReconciler(s.Settlement, s.Orders, s.Ledger, s.Subs, s.Notifier,
		cfg.ReconcileInterval, cfg.ReconcileStaleAfter, logger.Named("reconciler"))
	return s, nil
}

// Close releases the store connections.
func (s *Stack) Close() {
	_ = s.Redis.Close()
	s.DB.Close()
}

// Adapters returns an adapter for every gateway with key material.
func Adapters(cfg *config.Config, logger *zap.Logger) []payment.Adapter {
	opts := payment.Options{
		Timeout:    cfg.PaymentTimeout,
		MaxRetries: cfg.PaymentRetries,
		Logger:     logger.Named("payment"),
	}
	var adapters []payment.Adapter
	for _, g := range cfg.EnabledGateways() {
		switch g {
		case payment.GatewayMidtrans:
			adapters = append(adapters, payment.NewMidtrans(cfg.Midtrans, opts))
		case payment.GatewayXendit:
			adapters = append(adapters, payment.NewXendit(cfg.Xendit, opts))
		case payment.GatewayStripe:
			if cfg.Stripe.WebhookSecret == "" {
				logger.Warn("STRIPE_WEBHOOK_SECRET not set; Stripe webhooks are only structure-checked")
			}
			adapters = append(adapters, payment.NewStripe(cfg.Stripe, opts))
		}
	}
	return adapters
}

// ChargeTimeout bounds one charge creation across all adapter retries.
func ChargeTimeout(cfg *config.Config) time.Duration {
	return cfg.PaymentTimeout*time.Duration(cfg.PaymentRetries+1) + 10*time.Second
}
