package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the service core.
type Metrics struct {
	registry *prometheus.Registry

	queryDuration   *prometheus.HistogramVec
	cacheEvictions  prometheus.Counter
	cacheFailures   *prometheus.CounterVec
	quotaConsumed   *prometheus.CounterVec
	quotaDenials    *prometheus.CounterVec
	promptTruncated prometheus.Counter
	tokensTotal     *prometheus.CounterVec
}

// NewMetrics creates a metrics collector backed by its own registry, so
// isolated instances can be used in tests.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "converse_query_duration_seconds",
			Help:    "Duration of answered queries.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"status"}),
		cacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "converse_cache_evictions_total",
			Help: "Conversation records evicted to stay within capacity.",
		}),
		cacheFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "converse_cache_failures_total",
			Help: "Conversation cache operations that hit storage errors.",
		}, []string{"operation"}),
		quotaConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "converse_quota_tokens_consumed_total",
			Help: "Tokens deducted from quota budgets.",
		}, []string{"limiter"}),
		quotaDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "converse_quota_denials_total",
			Help: "Requests denied for insufficient quota.",
		}, []string{"limiter", "reason"}),
		promptTruncated: factory.NewCounter(prometheus.CounterOpts{
			Name: "converse_prompt_truncations_total",
			Help: "Queries whose context or history was truncated to fit the window.",
		}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "converse_llm_tokens_total",
			Help: "Tokens reported consumed by LLM calls.",
		}, []string{"direction"}),
	}
}

// ObserveQuery records the duration and outcome of one query.
func (m *Metrics) ObserveQuery(status string, d time.Duration) {
	m.queryDuration.WithLabelValues(status).Observe(d.Seconds())
}

// CacheEviction counts one evicted conversation record.
func (m *Metrics) CacheEviction() {
	m.cacheEvictions.Inc()
}

// CacheFailure counts a failed cache operation.
func (m *Metrics) CacheFailure(operation string) {
	m.cacheFailures.WithLabelValues(operation).Inc()
}

// QuotaConsumed counts tokens deducted by a limiter.
func (m *Metrics) QuotaConsumed(limiter string, tokens int64) {
	m.quotaConsumed.WithLabelValues(limiter).Add(float64(tokens))
}

// QuotaDenied counts a denial; reason is "exhausted" or "backend_unavailable".
func (m *Metrics) QuotaDenied(limiter, reason string) {
	m.quotaDenials.WithLabelValues(limiter, reason).Inc()
}

// PromptTruncated counts a truncated query.
func (m *Metrics) PromptTruncated() {
	m.promptTruncated.Inc()
}

// LLMTokens records reported provider usage.
func (m *Metrics) LLMTokens(inputTokens, outputTokens int) {
	m.tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues("output").Add(float64(outputTokens))
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for test assertions.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}
