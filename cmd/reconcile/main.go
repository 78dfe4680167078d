// Command reconcile settles in-flight subscription orders by polling their
// gateways. With --order it reconciles one order; otherwise it runs a single
// full sweep (abandoned reservations, stale orders, lapsed memberships).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/penpost/backend/internal/app"
	"github.com/penpost/backend/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		orderID string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Poll payment gateways and settle in-flight subscription orders",
		Long: `reconcile runs one reconciliation pass against the configured gateways.
Without --order it sweeps abandoned ledger reservations, stale pending orders
and lapsed memberships; the sweep report is printed as JSON.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return run(cmd, orderID, logger)
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "reconcile a single order id")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func newLogger(verbose bool) (*zap.Logger, error) {
	logCfg := zap.NewProductionConfig()
	if verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return logCfg.Build()
}

func run(cmd *cobra.Command, orderID string, logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	if orderID != "" {
		res, err := stack.Settlement.Reconcile(ctx, orderID)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", orderID, err)
		}
		return enc.Encode(res)
	}

	rep := stack.Reconciler.RunOnce(ctx)
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if rep.Failed > 0 {
		return fmt.Errorf("%d orders failed to reconcile", rep.Failed)
	}
	return nil
}
