package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	ChannelIncoming *prometheus.CounterVec
	ChannelOutgoing *prometheus.CounterVec
	IntentRequests  *prometheus.CounterVec
	IntentLatency   *prometheus.HistogramVec
	MpesaRequests   *prometheus.CounterVec
	MpesaLatency    *prometheus.HistogramVec
	LedgerRequests  *prometheus.CounterVec
	LedgerLatency   *prometheus.HistogramVec
	PolicyEvents    *prometheus.CounterVec
	ClaimEvents     *prometheus.CounterVec
	ReconRetries    *prometheus.CounterVec
	Errors          *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			ChannelIncoming: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_incoming_messages_total",
				Help:      "Total incoming chat messages processed, by message type.",
			}, []string{"type"}),
			ChannelOutgoing: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_outgoing_messages_total",
				Help:      "Total outgoing chat messages sent, by message type.",
			}, []string{"type"}),
			IntentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intent_requests_total",
				Help:      "Total intent classifier requests by outcome.",
			}, []string{"status"}),
			IntentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "intent_request_duration_seconds",
				Help:      "Latency distribution for intent classifier calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			MpesaRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mpesa_requests_total",
				Help:      "Total payment gateway requests by endpoint and status.",
			}, []string{"endpoint", "status"}),
			MpesaLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "mpesa_request_duration_seconds",
				Help:      "Latency distribution for payment gateway requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "status"}),
			LedgerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_requests_total",
				Help:      "Total ledger mirror requests by operation and status.",
			}, []string{"op", "status"}),
			LedgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ledger_request_duration_seconds",
				Help:      "Latency distribution for ledger mirror requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op", "status"}),
			PolicyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_events_total",
				Help:      "Policy lifecycle events by kind.",
			}, []string{"event"}),
			ClaimEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claim_events_total",
				Help:      "Claim lifecycle events by kind.",
			}, []string{"event"}),
			ReconRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_retries_total",
				Help:      "Ledger reconciliation retry attempts by outcome.",
			}, []string{"status"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.ChannelIncoming,
			metricsInstance.ChannelOutgoing,
			metricsInstance.IntentRequests,
			metricsInstance.IntentLatency,
			metricsInstance.MpesaRequests,
			metricsInstance.MpesaLatency,
			metricsInstance.LedgerRequests,
			metricsInstance.LedgerLatency,
			metricsInstance.PolicyEvents,
			metricsInstance.ClaimEvents,
			metricsInstance.ReconRetries,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
