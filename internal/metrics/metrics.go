// Package metrics provides Prometheus metrics for vkrelay.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "vkrelay"
)

// Metrics contains all Prometheus metrics for the client.
//
// Record methods are safe to call on a nil *Metrics, so components can take
// an optional instance without guarding every call site.
type Metrics struct {
	// Relay metrics
	RelayRequests       *prometheus.CounterVec
	RelayRequestLatency prometheus.Histogram
	RelayWebSockets     *prometheus.CounterVec
	Signatures          prometheus.Counter
	SignatureErrors     prometheus.Counter

	// Session metrics
	SessionNegotiations *prometheus.CounterVec
	SessionEvictions    prometheus.Counter
	SessionsCached      prometheus.Gauge

	// Token metrics
	TokenRefreshes       *prometheus.CounterVec
	TokenRefreshAttempts prometheus.Counter
	TokenRefreshLatency  prometheus.Histogram

	// Patch stream metrics
	StreamsActive    *prometheus.GaugeVec
	StreamReconnects prometheus.Counter
	PatchBatches     prometheus.Counter
	PatchOps         prometheus.Counter
	PatchOpsDeduped  prometheus.Counter
	PatchErrors      *prometheus.CounterVec
	SubscriberPanics prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Relay metrics
		RelayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Total relayed HTTP requests by method and status class",
		}, []string{"method", "code"}),
		RelayRequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_request_duration_seconds",
			Help:      "Histogram of relayed request round-trip time",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		RelayWebSockets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_websockets_total",
			Help:      "Total relayed WebSocket dials by result",
		}, []string{"result"}),
		Signatures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_total",
			Help:      "Total relay request signatures produced",
		}),
		SignatureErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_errors_total",
			Help:      "Total failures to sign a relay request",
		}),

		// Session metrics
		SessionNegotiations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_negotiations_total",
			Help:      "Total relay session negotiations by result",
		}, []string{"result"}),
		SessionEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_evictions_total",
			Help:      "Total cached relay sessions evicted after an auth rejection",
		}),
		SessionsCached: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_cached",
			Help:      "Number of relay session base URLs currently cached",
		}),

		// Token metrics
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Total token refresh cycles by result",
		}, []string{"result"}),
		TokenRefreshAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_attempts_total",
			Help:      "Total calls made to the token refresh endpoint",
		}),
		TokenRefreshLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_refresh_duration_seconds",
			Help:      "Histogram of token refresh cycle duration",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 80},
		}),

		// Patch stream metrics
		StreamsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of open patch streams by transport",
		}, []string{"transport"}),
		StreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Total SSE patch stream reconnects",
		}),
		PatchBatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patch_batches_total",
			Help:      "Total patch batches applied to a snapshot",
		}),
		PatchOps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patch_ops_total",
			Help:      "Total patch operations applied after deduplication",
		}),
		PatchOpsDeduped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patch_ops_deduped_total",
			Help:      "Total patch operations dropped because a later op targeted the same path",
		}),
		PatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patch_errors_total",
			Help:      "Total patch stream errors by type",
		}, []string{"type"}),
		SubscriberPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_panics_total",
			Help:      "Total panics recovered from snapshot subscribers",
		}),
	}

	return m
}

// StatusClass maps an HTTP status to its class label ("2xx", "4xx", ...).
// Zero means no response was received.
func StatusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

// RecordRelayRequest records a relayed request and its latency.
func (m *Metrics) RecordRelayRequest(method string, status int, latencySeconds float64) {
	if m == nil {
		return
	}
	m.RelayRequests.WithLabelValues(method, StatusClass(status)).Inc()
	m.RelayRequestLatency.Observe(latencySeconds)
}

// RecordRelayWebSocket records a relayed WebSocket dial.
func (m *Metrics) RecordRelayWebSocket(result string) {
	if m == nil {
		return
	}
	m.RelayWebSockets.WithLabelValues(result).Inc()
}

// RecordSignature records a produced signature.
func (m *Metrics) RecordSignature() {
	if m == nil {
		return
	}
	m.Signatures.Inc()
}

// RecordSignatureError records a failed signing attempt.
func (m *Metrics) RecordSignatureError() {
	if m == nil {
		return
	}
	m.SignatureErrors.Inc()
}

// Session metrics helpers

// RecordSessionNegotiation records a session negotiation outcome.
func (m *Metrics) RecordSessionNegotiation(result string) {
	if m == nil {
		return
	}
	m.SessionNegotiations.WithLabelValues(result).Inc()
}

// RecordSessionEviction records an evicted session.
func (m *Metrics) RecordSessionEviction() {
	if m == nil {
		return
	}
	m.SessionEvictions.Inc()
}

// SetSessionsCached sets the number of cached sessions.
func (m *Metrics) SetSessionsCached(count int) {
	if m == nil {
		return
	}
	m.SessionsCached.Set(float64(count))
}

// Token metrics helpers

// RecordTokenRefresh records a finished refresh cycle.
func (m *Metrics) RecordTokenRefresh(result string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
	m.TokenRefreshLatency.Observe(latencySeconds)
}

// RecordTokenRefreshAttempt records one call to the refresh endpoint.
func (m *Metrics) RecordTokenRefreshAttempt() {
	if m == nil {
		return
	}
	m.TokenRefreshAttempts.Inc()
}

// Patch stream metrics helpers

// RecordStreamOpen records a stream being opened.
func (m *Metrics) RecordStreamOpen(transport string) {
	if m == nil {
		return
	}
	m.StreamsActive.WithLabelValues(transport).Inc()
}

// RecordStreamClose records a stream being closed.
func (m *Metrics) RecordStreamClose(transport string) {
	if m == nil {
		return
	}
	m.StreamsActive.WithLabelValues(transport).Dec()
}

// RecordStreamReconnect records an SSE reconnect.
func (m *Metrics) RecordStreamReconnect() {
	if m == nil {
		return
	}
	m.StreamReconnects.Inc()
}

// RecordPatchBatch records an applied batch.
func (m *Metrics) RecordPatchBatch(applied, deduped int) {
	if m == nil {
		return
	}
	m.PatchBatches.Inc()
	m.PatchOps.Add(float64(applied))
	m.PatchOpsDeduped.Add(float64(deduped))
}

// RecordPatchError records a stream error.
func (m *Metrics) RecordPatchError(errorType string) {
	if m == nil {
		return
	}
	m.PatchErrors.WithLabelValues(errorType).Inc()
}

// RecordSubscriberPanic records a recovered subscriber panic.
func (m *Metrics) RecordSubscriberPanic() {
	if m == nil {
		return
	}
	m.SubscriberPanics.Inc()
}
