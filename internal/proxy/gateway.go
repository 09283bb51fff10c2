// Package proxy is the gateway entry. It authenticates a request, routes it
// across the key's provider proxies, runs the attempts and turns the chosen
// result into the client response, recording spend and spans after it.
package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vnmchuo/ai-gateway/config"
	"github.com/vnmchuo/ai-gateway/internal/auth"
	"github.com/vnmchuo/ai-gateway/internal/billing"
	"github.com/vnmchuo/ai-gateway/internal/cache"
	"github.com/vnmchuo/ai-gateway/internal/keys"
	"github.com/vnmchuo/ai-gateway/internal/limits"
	"github.com/vnmchuo/ai-gateway/internal/metrics"
	"github.com/vnmchuo/ai-gateway/internal/provider"
	"github.com/vnmchuo/ai-gateway/internal/routing"
	"github.com/vnmchuo/ai-gateway/internal/spend"
	"github.com/vnmchuo/ai-gateway/internal/telemetry"
	"github.com/vnmchuo/ai-gateway/internal/worker"
	"github.com/vnmchuo/ai-gateway/pkg/ratelimit"
)

// Prices is the price table as the gateway uses it.
type Prices interface {
	provider.Pricer
	MaybeRefresh()
}

// Deps are the collaborators of a Gateway. Limiter, Usage and Client may be
// nil.
type Deps struct {
	Config    *config.Config
	Registry  provider.Registry
	Auth      *auth.Authenticator
	Limits    limits.Store
	Limiter   ratelimit.Limiter
	Prices    Prices
	Exporters *telemetry.Exporters
	Pool      *worker.Pool
	Metrics   *metrics.Registry
	Usage     billing.Store
	Cache     cache.Adapter
	Client    *http.Client
}

type Option func(*Gateway)

// WithMiddleware adds attempt middleware inside the built-in ones.
func WithMiddleware(mw ...Middleware) Option {
	return func(g *Gateway) {
		g.middleware = append(g.middleware, mw...)
	}
}

// WithRand fixes the randomness used to order weighted routes.
func WithRand(rng routing.Rand) Option {
	return func(g *Gateway) {
		g.rng = rng
	}
}

type Gateway struct {
	cfg        *config.Config
	registry   provider.Registry
	auth       *auth.Authenticator
	accountant *spend.Accountant
	limiter    ratelimit.Limiter
	prices     Prices
	exporters  *telemetry.Exporters
	pool       *worker.Pool
	metrics    *metrics.Registry
	usage      billing.Store
	cache      cache.Adapter
	client     *http.Client

	rng        routing.Rand
	middleware []Middleware
	next       Next
}

func New(d Deps, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:       d.Config,
		registry:  d.Registry,
		auth:      d.Auth,
		limiter:   d.Limiter,
		prices:    d.Prices,
		exporters: d.Exporters,
		pool:      d.Pool,
		metrics:   d.Metrics,
		usage:     d.Usage,
		cache:     d.Cache,
		client:    d.Client,
	}
	if g.limiter == nil {
		g.limiter = ratelimit.Noop{}
	}
	if g.pool == nil {
		g.pool = worker.NewPool(30*time.Second, slog.Default())
	}
	g.accountant = spend.NewAccountant(d.Limits, &meteredDisabler{auth: d.Auth, metrics: d.Metrics})

	g.middleware = []Middleware{MetricsMiddleware(d.Metrics)}
	if g.cfg.CircuitBreaker {
		g.middleware = append(g.middleware, BreakerMiddleware(d.Metrics))
	}
	for _, opt := range opts {
		opt(g)
	}
	g.next = chain(g.middleware, provider.Dispatch)
	return g
}

// meteredDisabler counts every key the gateway disables.
type meteredDisabler struct {
	auth    *auth.Authenticator
	metrics *metrics.Registry
}

func (d *meteredDisabler) Disable(ctx context.Context, info *keys.APIKeyInfo, reason string, status keys.KeyStatus, ttl *time.Duration) error {
	if err := d.auth.Disable(ctx, info, reason, status, ttl); err != nil {
		return err
	}
	d.metrics.RecordKeyDisabled(string(status))
	return nil
}
