package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/penpost/backend/internal/app"
	"github.com/penpost/backend/internal/config"
	"github.com/penpost/backend/internal/handler"
	"github.com/penpost/backend/internal/service"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup error", zap.Error(err))
	}
	defer stack.Close()
	logger.Info("database connected & migrated")

	authSvc := service.NewAuthService(cfg.JWTSecret)
	stack.Reconciler.Start(ctx)
	stack.Notifier.Start(ctx, 30*time.Second)

	r := newRouter(ctx, cfg, routes{
		health: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": handler.PingFunc(stack.DB.Ping),
			"redis":    handler.PingFunc(func(ctx context.Context) error { return stack.Redis.Ping(ctx).Err() }),
		}),
		plans:   handler.NewPlansHandler(),
		payment: handler.NewPaymentHandler(stack.Settlement, stack.Subscriptions, logger),
		webhook: handler.NewWebhookHandler(stack.Settlement, logger.Named("webhook")),
		admin:   handler.NewAdminHandler(stack.Settlement, stack.Subscriptions, stack.Reconciler, logger),
		auth:    authSvc,
	}, logger)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: app.ChargeTimeout(cfg) + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	gateways := make([]string, 0, len(stack.Adapters))
	for _, a := range stack.Adapters {
		gateways = append(gateways, string(a.Gateway()))
	}
	logger.Info("settlement backend listening", zap.String("addr", addr), zap.Strings("gateways", gateways), zap.Bool("production", cfg.PaymentProduction))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
