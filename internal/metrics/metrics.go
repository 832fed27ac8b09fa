// Package metrics exposes Prometheus instruments for the payment flow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	gatewayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "banyco_payment_gateway_requests_total",
			Help: "Outbound ZaloPay requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	gatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "banyco_payment_gateway_request_duration_seconds",
			Help:    "Latency of outbound ZaloPay requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	callbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "banyco_payment_callbacks_total",
			Help: "Inbound ZaloPay callbacks by outcome",
		},
		[]string{"outcome"},
	)

	reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "banyco_payment_reconciliations_total",
			Help: "Pending transactions polled by the reconciler, by outcome",
		},
		[]string{"outcome"},
	)
)

func ObserveGatewayCall(operation, outcome string, d time.Duration) {
	gatewayCalls.WithLabelValues(operation, outcome).Inc()
	gatewayDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func RecordCallback(outcome string) {
	callbacks.WithLabelValues(outcome).Inc()
}

func RecordReconcile(outcome string) {
	reconciliations.WithLabelValues(outcome).Inc()
}

// Handler serves the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

type Timer struct {
	start time.Time
}

func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
