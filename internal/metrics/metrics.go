// Package metrics provides Prometheus instrumentation for escrow payments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "escrow"

var (
	// TransitionsTotal counts committed status transitions.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Escrow payment status transitions by from and to status.",
		},
		[]string{"from", "to"},
	)

	// CreatedTotal counts escrow payments created.
	CreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "created_total",
		Help:      "Escrow payments created.",
	})

	// RejectedTotal counts operations refused by a status precondition.
	RejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_operations_total",
			Help:      "Operations rejected because the escrow payment was in the wrong status.",
		},
		[]string{"operation"},
	)

	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Payment gateway requests by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Payment gateway request latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	SweepRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_records_total",
			Help:      "Records handled by background sweeps by sweep and outcome.",
		},
		[]string{"sweep", "outcome"},
	)

	ReconciliationStuckRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reconciliation",
		Name:      "stuck_records",
		Help:      "Records found needing reconciliation in the last run.",
	})

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of background sweeps in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"sweep"},
	)
)

func init() {
	prometheus.MustRegister(
		TransitionsTotal,
		CreatedTotal,
		RejectedTotal,
		GatewayRequestsTotal,
		GatewayRequestDuration,
		SweepRecordsTotal,
		ReconciliationStuckRecords,
		SweepDuration,
	)
}

// ObserveGateway records the outcome and latency of one gateway call.
func ObserveGateway(operation string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	GatewayRequestsTotal.WithLabelValues(operation, outcome).Inc()
	GatewayRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func Transition(from, to string) {
	TransitionsTotal.WithLabelValues(from, to).Inc()
}
