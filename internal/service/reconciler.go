package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/penpost/backend/internal/domain"
	"github.com/penpost/backend/internal/metrics"
	"go.uber.org/zap"
)

// SweepReport summarizes one reconciliation sweep.
type SweepReport struct {
	Reconciled         int `json:"reconciled"`
	Settled            int `json:"settled"`
	Failed             int `json:"failed"`
	ReleasedHolds      int `json:"releasedHolds"`
	FinalizedHolds     int `json:"finalizedHolds"`
	ExpiredMemberships int `json:"expiredMemberships"`
}

// Reconciler periodically settles orders whose webhooks are late or lost,
// finalizes abandoned ledger reservations and expires lapsed memberships.
type Reconciler struct {
	settlement *SettlementService
	orders     OrderStore
	ledger     Ledger
	subs       SubscriptionStore
	events     EventPublisher
	interval   time.Duration
	staleAfter time.Duration
	batch      int
	logger     *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(settlement *SettlementService, orders OrderStore, ledger Ledger, subs SubscriptionStore, events EventPublisher, interval, staleAfter time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		settlement: settlement,
		orders:     orders,
		ledger:     ledger,
		subs:       subs,
		events:     events,
		interval:   interval,
		staleAfter: staleAfter,
		batch:      100,
		logger:     logger,
	}
}

// Start begins the sweep loop in a background goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	// Start immediately, then ticker
	go func() {
		r.RunOnce(ctx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce performs a single sweep.
func (r *Reconciler) RunOnce(ctx context.Context) SweepReport {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var rep SweepReport
	r.sweepReservations(ctx, &rep)
	r.sweepStaleOrders(ctx, &rep)
	r.sweepMemberships(ctx, &rep)

	if rep != (SweepReport{}) {
		r.logger.Info("reconciliation sweep",
			zap.Int("reconciled", rep.Reconciled),
			zap.Int("settled", rep.Settled),
			zap.Int("failed", rep.Failed),
			zap.Int("released_holds", rep.ReleasedHolds),
			zap.Int("finalized_holds", rep.FinalizedHolds),
			zap.Int("expired_memberships", rep.ExpiredMemberships),
			zap.Duration("took", time.Since(start)),
		)
	}
	return rep
}

// sweepReservations handles reservations whose holder died between reserve
// and mark-applied. If the order reached a terminal status the effect is
// durable and the entry is finalized; otherwise it is released and the order
// reconciled.
func (r *Reconciler) sweepReservations(ctx context.Context, rep *SweepReport) {
	entries, err := r.ledger.ListAbandoned(ctx, r.batch)
	if err != nil {
		r.logger.Error("failed to list abandoned reservations", zap.Error(err))
		return
	}
	for _, e := range entries {
		log := r.logger.With(zap.String("gateway", string(e.Gateway)), zap.String("transaction_id", e.TransactionID), zap.String("order_id", e.OrderID))

		order, err := r.orders.FindByID(ctx, e.OrderID)
		if err != nil {
			log.Error("failed to load order for reservation", zap.Error(err))
			continue
		}
		if order != nil && order.Status.Terminal() {
			if err := r.ledger.MarkApplied(ctx, e.Gateway, e.TransactionID, e.Token); err != nil {
				log.Warn("failed to finalize abandoned reservation", zap.Error(err))
				continue
			}
			rep.FinalizedHolds++
			continue
		}

		if err := r.ledger.Release(ctx, e.Gateway, e.TransactionID, e.Token); err != nil {
			log.Error("failed to release abandoned reservation", zap.Error(err))
			continue
		}
		rep.ReleasedHolds++
		if order != nil {
			r.reconcile(ctx, order.ID, rep)
		}
	}
}

func (r *Reconciler) sweepStaleOrders(ctx context.Context, rep *SweepReport) {
	orders, err := r.orders.ListStale(ctx, r.staleAfter, r.batch)
	if err != nil {
		r.logger.Error("failed to list stale orders", zap.Error(err))
		return
	}
	for _, o := range orders {
		r.reconcile(ctx, o.ID, rep)
	}
}

func (r *Reconciler) reconcile(ctx context.Context, orderID string, rep *SweepReport) {
	rep.Reconciled++
	res, err := r.settlement.Reconcile(ctx, orderID)
	if err != nil {
		rep.Failed++
		r.logger.Warn("failed to reconcile order", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	if res.OrderStatus.Terminal() {
		rep.Settled++
	}
}

func (r *Reconciler) sweepMemberships(ctx context.Context, rep *SweepReport) {
	now := time.Now()
	expired, err := r.subs.ExpireLapsed(ctx, now)
	if err != nil {
		r.logger.Error("failed to expire memberships", zap.Error(err))
		return
	}
	for _, sub := range expired {
		rep.ExpiredMemberships++
		ev := domain.Event{
			ID:         uuid.NewString(),
			Type:       domain.EventSubscriptionExpired,
			UserID:     sub.UserID,
			OrderID:    sub.CurrentOrderID,
			PlanID:     sub.PlanID,
			EndDate:    sub.EndDate,
			OccurredAt: now,
		}
		if err := r.events.Publish(ctx, ev); err != nil {
			r.logger.Error("failed to publish expiry", zap.String("user_id", sub.UserID), zap.Error(err))
		}
	}
}
