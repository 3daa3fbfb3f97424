// Package observability exposes Prometheus metrics for upstream calls and
// WebSocket sessions.
package observability

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chatgateway/internal/llmclient"
)

// Metrics holds every collector the gateway updates. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	upstreamInFlight *prometheus.GaugeVec

	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	chunksRelayed   *prometheus.CounterVec
	quotaRejections prometheus.Counter
	tokensRecorded  *prometheus.CounterVec
	streamOutcomes  *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		upstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgateway_upstream_requests_total",
			Help: "Upstream provider requests by provider, endpoint and status",
		}, []string{"provider", "endpoint", "status", "stream"}),
		upstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatgateway_upstream_request_duration_seconds",
			Help:    "Time until the upstream response headers arrived",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider", "endpoint", "stream"}),
		upstreamInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatgateway_upstream_requests_in_flight",
			Help: "Upstream requests awaiting response headers",
		}, []string{"provider"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatgateway_sessions_active",
			Help: "Open WebSocket sessions",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatgateway_sessions_total",
			Help: "WebSocket sessions opened since start",
		}),
		chunksRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgateway_chunks_relayed_total",
			Help: "Text chunks relayed to clients",
		}, []string{"provider"}),
		quotaRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatgateway_quota_rejections_total",
			Help: "Chat requests denied by the quota pre-check",
		}),
		tokensRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgateway_tokens_recorded_total",
			Help: "Tokens charged to user quotas",
		}, []string{"provider", "kind"}),
		streamOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgateway_stream_outcomes_total",
			Help: "Streaming tasks by how they ended",
		}, []string{"outcome"}),
	}
}

// Hooks returns llmclient hooks that feed the upstream collectors.
func (m *Metrics) Hooks() llmclient.Hooks {
	if m == nil {
		return llmclient.Hooks{}
	}
	return llmclient.Hooks{
		OnRequestStart: func(ctx context.Context, info llmclient.RequestInfo) context.Context {
			m.upstreamInFlight.WithLabelValues(info.Provider).Inc()
			return ctx
		},
		OnRequestEnd: func(_ context.Context, info llmclient.ResponseInfo) {
			stream := strconv.FormatBool(info.Stream)
			status := "error"
			if info.StatusCode > 0 {
				status = strconv.Itoa(info.StatusCode)
			}
			m.upstreamInFlight.WithLabelValues(info.Provider).Dec()
			m.upstreamRequests.WithLabelValues(info.Provider, info.Endpoint, status, stream).Inc()
			m.upstreamDuration.WithLabelValues(info.Provider, info.Endpoint, stream).Observe(info.Duration.Seconds())
		},
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) ChunkRelayed(provider string) {
	if m == nil {
		return
	}
	m.chunksRelayed.WithLabelValues(provider).Inc()
}

func (m *Metrics) QuotaRejected() {
	if m == nil {
		return
	}
	m.quotaRejections.Inc()
}

// TokensRecorded adds a recorded request's prompt and completion tokens.
func (m *Metrics) TokensRecorded(provider string, prompt, completion int) {
	if m == nil {
		return
	}
	m.tokensRecorded.WithLabelValues(provider, "prompt").Add(float64(prompt))
	m.tokensRecorded.WithLabelValues(provider, "completion").Add(float64(completion))
}

// StreamEnded counts a finished streaming task. outcome is "completed",
// "stopped" or "failed".
func (m *Metrics) StreamEnded(outcome string) {
	if m == nil {
		return
	}
	m.streamOutcomes.WithLabelValues(outcome).Inc()
}
