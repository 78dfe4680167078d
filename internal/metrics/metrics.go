package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "penpost_payment_webhooks_total",
	Help: "Inbound gateway webhooks by gateway and disposition",
}, []string{"gateway", "disposition"})

var TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "penpost_order_transitions_total",
	Help: "Subscription order status transitions",
}, []string{"gateway", "to"})

var AnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "penpost_settlement_anomalies_total",
	Help: "Settlement inputs flagged for manual review",
}, []string{"gateway", "kind"})

var AnomalyRecordFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "penpost_settlement_anomaly_record_failures_total",
	Help: "Flagged settlement inputs whose review record could not be stored",
}, []string{"gateway", "kind"})

var ChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "penpost_payment_charges_total",
	Help: "Outbound charge creations by gateway and result",
}, []string{"gateway", "result"})

var ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "penpost_reconcile_total",
	Help: "Order reconciliations by gateway and result",
}, []string{"gateway", "result"})

var EventDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "penpost_event_deliveries_total",
	Help: "Settlement event callback deliveries by result",
}, []string{"result"})

var SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "penpost_reconcile_sweep_seconds",
	Help:    "Duration of a reconciliation sweep",
	Buckets: prometheus.DefBuckets,
})

var EventQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "penpost_event_queue_depth",
	Help: "Settlement events awaiting redelivery or dead-lettered",
}, []string{"queue"})
