// Package prommetrics implements the ledger.Metrics interface using Prometheus.
package prommetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements ledger.Metrics using Prometheus.
type Metrics struct {
	reserveTotal   *prometheus.CounterVec
	reserveAmount  *prometheus.HistogramVec
	finalizeTotal  *prometheus.CounterVec
	finalizeActual *prometheus.HistogramVec
	refundTotal    *prometheus.CounterVec
	overageTotal   *prometheus.CounterVec
	grantTotal     *prometheus.CounterVec
	grantAmount    *prometheus.HistogramVec
	sweepRefunded  prometheus.Counter
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	amountBuckets := []float64{100, 500, 1000, 5000, 10000, 50000, 100000}

	return &Metrics{
		reserveTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_reserve_total",
			Help:      "Total number of token reservation attempts.",
		}, []string{"feature", "success"}),

		reserveAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_reserve_amount",
			Help:      "Distribution of reserved token amounts.",
			Buckets:   amountBuckets,
		}, []string{"feature"}),

		finalizeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_finalize_total",
			Help:      "Total number of finalized reservations.",
		}, []string{"feature"}),

		finalizeActual: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_finalize_actual_amount",
			Help:      "Distribution of settled token amounts.",
			Buckets:   amountBuckets,
		}, []string{"feature"}),

		refundTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_refund_total",
			Help:      "Total number of refunded reservations.",
		}, []string{"feature"}),

		overageTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_overage_total",
			Help:      "Finalizations whose reported usage exceeded the hold.",
		}, []string{"feature"}),

		grantTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_grant_total",
			Help:      "Total number of token grants.",
		}, []string{"purchased"}),

		grantAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_grant_amount",
			Help:      "Distribution of granted token amounts.",
			Buckets:   amountBuckets,
		}, []string{"purchased"}),

		sweepRefunded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_sweep_refunded_total",
			Help:      "Orphaned reservations refunded by the sweeper.",
		}),
	}
}

func (m *Metrics) RecordReserve(shop, feature string, amount int64, success bool) {
	m.reserveTotal.WithLabelValues(feature, strconv.FormatBool(success)).Inc()
	if success {
		m.reserveAmount.WithLabelValues(feature).Observe(float64(amount))
	}
}

func (m *Metrics) RecordFinalize(shop, feature string, reserved, actual int64) {
	m.finalizeTotal.WithLabelValues(feature).Inc()
	m.finalizeActual.WithLabelValues(feature).Observe(float64(actual))
}

func (m *Metrics) RecordRefund(shop, feature string, amount int64) {
	m.refundTotal.WithLabelValues(feature).Inc()
}

func (m *Metrics) RecordOverage(shop, feature string, reserved, reported int64) {
	m.overageTotal.WithLabelValues(feature).Inc()
}

func (m *Metrics) RecordGrant(shop string, amount int64, purchased bool) {
	label := strconv.FormatBool(purchased)
	m.grantTotal.WithLabelValues(label).Inc()
	m.grantAmount.WithLabelValues(label).Observe(float64(amount))
}

func (m *Metrics) RecordSweep(refunded int) {
	m.sweepRefunded.Add(float64(refunded))
}
