// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. A nil *Registry records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// gateway_requests_total{provider,status}
	requestsTotal *prometheus.CounterVec

	// gateway_request_duration_seconds{provider}
	requestDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_spend_usd_total{provider}
	spendTotal *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_keys_disabled_total{status}
	keysDisabled *prometheus.CounterVec

	// gateway_price_refresh_total{result}
	priceRefresh *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// circuit_breaker_state{route} 0=closed, 1=half-open, 2=open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total proxied requests by provider and final status code",
		}, []string{"provider", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end proxied request duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_attempts_total",
			Help: "Upstream attempts by provider routing key and outcome",
		}, []string{"provider", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_attempt_duration_seconds",
			Help:    "Duration of a single upstream attempt",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "outcome"}),
		spendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_spend_usd_total",
			Help: "Estimated spend recorded against limits, in USD",
		}, []string{"provider"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens reported by upstream usage",
		}, []string{"provider", "direction"}),
		keysDisabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_keys_disabled_total",
			Help: "API keys disabled by the gateway, by new status",
		}, []string{"status"}),
		priceRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_price_refresh_total",
			Help: "Remote price table refreshes by result",
		}, []string{"result"}),
		rateLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ratelimit_total",
			Help: "Rate limiter decisions",
		}, []string{"result"}),
		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per routing key (0=closed, 1=half-open, 2=open)",
		}, []string{"route"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "Build information",
		}, []string{"version"}),
	}

	reg.MustRegister(
		r.requestsTotal,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.spendTotal,
		r.tokensTotal,
		r.keysDisabled,
		r.priceRefresh,
		r.rateLimitTotal,
		r.circuitBreakerState,
		r.buildInfo,
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordRequest(provider string, statusCode int, dur time.Duration) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
	r.requestDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordSpend(provider string, usd float64, inputTokens, outputTokens int64) {
	if r == nil {
		return
	}
	if usd > 0 {
		r.spendTotal.WithLabelValues(provider).Add(usd)
	}
	r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
}

func (r *Registry) RecordKeyDisabled(status string) {
	if r == nil {
		return
	}
	r.keysDisabled.WithLabelValues(status).Inc()
}

func (r *Registry) RecordPriceRefresh(result string) {
	if r == nil {
		return
	}
	r.priceRefresh.WithLabelValues(result).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	if r == nil {
		return
	}
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetCircuitBreakerState(route string, state float64) {
	if r == nil {
		return
	}
	r.circuitBreakerState.WithLabelValues(route).Set(state)
}
