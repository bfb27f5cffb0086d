package usage

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports accounting records as Prometheus series.
type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg (prometheus.DefaultRegisterer
// when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_relay_provider_requests_total",
				Help: "Provider calls by outcome.",
			},
			[]string{"provider", "model", "streamed", "outcome"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_relay_provider_request_duration_seconds",
				Help:    "Provider call latency in seconds.",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
			},
			[]string{"provider", "model"},
		),
		tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_relay_tokens_total",
				Help: "Tokens consumed by direction.",
			},
			[]string{"provider", "model", "direction"},
		),
	}
}

// HandleUsage implements Plugin.
func (m *Metrics) HandleUsage(_ context.Context, r Record) {
	outcome := "success"
	if r.Failed {
		outcome = "failure"
		if r.ErrorKind != "" {
			outcome = r.ErrorKind
		}
	}
	m.requests.WithLabelValues(r.Provider, r.Model, strconv.FormatBool(r.Streamed), outcome).Inc()
	m.latency.WithLabelValues(r.Provider, r.Model).Observe(r.ElapsedSeconds)

	t := r.Tokens.Normalize()
	if t.PromptTokens > 0 {
		m.tokens.WithLabelValues(r.Provider, r.Model, "input").Add(float64(t.PromptTokens))
	}
	if t.CompletionTokens > 0 {
		m.tokens.WithLabelValues(r.Provider, r.Model, "output").Add(float64(t.CompletionTokens))
	}
	if t.ReasoningTokens > 0 {
		m.tokens.WithLabelValues(r.Provider, r.Model, "reasoning").Add(float64(t.ReasoningTokens))
	}
}
