package metrics

import "github.com/prometheus/client_golang/prometheus"

// Relay Prometheus metrics.
var (
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "copychief",
			Name:      "relay_active_connections",
			Help:      "Currently registered event-stream connections",
		},
	)

	StreamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "copychief",
			Name:      "relay_stream_events_total",
			Help:      "Stream events delivered to clients",
		},
		[]string{"type"},
	)

	ExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "copychief",
			Name:      "relay_exchanges_total",
			Help:      "Chat exchanges by terminal outcome",
		},
		[]string{"outcome"}, // "done" / "errored" / "cancelled"
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "copychief",
			Name:      "relay_provider_request_duration_seconds",
			Help:      "Completion provider stream duration in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model", "status"},
	)

	TokensConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "copychief",
			Name:      "ledger_tokens_consumed_total",
			Help:      "Tokens committed to the ledger",
		},
		[]string{"feature", "kind"}, // kind: "prompt" / "completion"
	)

	CommitRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "copychief",
			Name:      "ledger_commit_retries_total",
			Help:      "Asynchronous usage-commit retry attempts",
		},
	)

	BalanceSeverity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "copychief",
			Name:      "ledger_balance_severity",
			Help:      "Balance severity per account (0=ok, 1=warning, 2=critical)",
		},
		[]string{"account"},
	)
)

var relayMetricsRegistered bool

// RegisterRelayMetrics registers relay metrics. Must be called once from main.
func RegisterRelayMetrics() {
	if relayMetricsRegistered {
		return
	}
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(StreamEventsTotal)
	prometheus.MustRegister(ExchangesTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(TokensConsumedTotal)
	prometheus.MustRegister(CommitRetriesTotal)
	prometheus.MustRegister(BalanceSeverity)
	relayMetricsRegistered = true
}
