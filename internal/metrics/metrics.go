// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cambio_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cambio_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route"})

	// LifecycleOperations counts lifecycle operations by outcome, where
	// outcome is "ok" or the error kind.
	LifecycleOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cambio_lifecycle_operations_total",
		Help: "Lifecycle operations by operation and outcome",
	}, []string{"operation", "outcome"})

	GatewayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cambio_gateway_attempts_total",
		Help: "Settlement attempts sent to the payment gateway, by method and resulting state",
	}, []string{"method", "state"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cambio_gateway_request_duration_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cambio_outbox_events_total",
		Help: "Outbox events relayed to the bus, by topic and result",
	}, []string{"topic", "result"})

	TransactionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cambio_transactions_expired_total",
		Help: "Pending transactions expired by the sweeper",
	})

	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cambio_limit_rejections_total",
		Help: "Operations rejected by a spending limit",
	}, []string{"limit"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
