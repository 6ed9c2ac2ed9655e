package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "tokenledger"

// Recorder keeps the ledger's Prometheus metrics on its own registry.
type Recorder struct {
	registry            *prometheus.Registry
	operationsTotal     *prometheus.CounterVec
	tokensTotal         *prometheus.CounterVec
	insufficientTotal   prometheus.Counter
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewRecorder registers the ledger metrics on a fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "Ledger operations by name and outcome.",
			},
			[]string{"operation", "status"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tokens_total",
				Help:      "Tokens moved by successful operations, by transaction type.",
			},
			[]string{"transaction_type"},
		),
		insufficientTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "insufficient_tokens_total",
				Help:      "Consume calls rejected for insufficient balance.",
			},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// LogOperation implements ledger.OperationLogger.
func (recorder *Recorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	recorder.operationsTotal.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Error != nil {
		if errors.Is(entry.Error, ledger.ErrInsufficientTokens) {
			recorder.insufficientTotal.Inc()
		}
		return
	}
	if entry.TransactionType == "" || entry.Amount == 0 {
		return
	}
	amount := entry.Amount
	if amount < 0 {
		amount = -amount
	}
	recorder.tokensTotal.WithLabelValues(entry.TransactionType.String()).Add(float64(amount))
}

// ObserveHTTP records one served request.
func (recorder *Recorder) ObserveHTTP(method string, route string, status int, elapsed time.Duration) {
	recorder.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	recorder.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the Prometheus exposition format for this registry.
func (recorder *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (recorder *Recorder) Registry() *prometheus.Registry {
	return recorder.registry
}
