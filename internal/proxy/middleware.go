package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/ai-gateway/internal/metrics"
	"github.com/vnmchuo/ai-gateway/internal/provider"
)

// Next runs the rest of an attempt.
type Next func(ctx context.Context, req *provider.Request) (provider.Result, error)

// Middleware wraps an attempt. The first middleware is the outermost.
type Middleware func(Next) Next

func chain(mw []Middleware, final Next) Next {
	for i := len(mw) - 1; i >= 0; i-- {
		final = mw[i](final)
	}
	return final
}

// errRetryableStatus reports a retryable upstream status to the breaker.
type errRetryableStatus struct {
	status int
}

func (e *errRetryableStatus) Error() string {
	return fmt.Sprintf("upstream returned %d", e.status)
}

// Breakers keeps one circuit breaker per provider routing key. An open
// breaker fails the attempt without calling the provider, so the next
// routed provider is tried.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	metrics  *metrics.Registry
}

func NewBreakers(m *metrics.Registry) *Breakers {
	return &Breakers{breakers: make(map[string]*gobreaker.CircuitBreaker), metrics: m}
}

func (b *Breakers) get(key string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[key]; ok {
		return cb
	}
	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				slog.String("route", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			b.metrics.SetCircuitBreakerState(name, stateValue(to))
		},
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	b.breakers[key] = cb
	return cb
}

// State returns the breaker state of a routing key.
func (b *Breakers) State(key string) gobreaker.State {
	return b.get(key).State()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Middleware counts transport errors and retryable statuses as failures.
func (b *Breakers) Middleware(next Next) Next {
	return func(ctx context.Context, req *provider.Request) (provider.Result, error) {
		cb := b.get(req.Proxy.Key)
		var res provider.Result
		_, err := cb.Execute(func() (interface{}, error) {
			var err error
			res, err = next(ctx, req)
			if err != nil {
				return nil, err
			}
			if u, ok := res.(*provider.Unexpected); ok && u.Retryable() {
				return nil, &errRetryableStatus{status: u.Status}
			}
			return nil, nil
		})

		var rs *errRetryableStatus
		switch {
		case err == nil, errors.As(err, &rs):
			return res, nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, fmt.Errorf("provider %s unavailable: %w", req.Proxy.Key, err)
		default:
			return nil, err
		}
	}
}

// BreakerMiddleware is a Middleware with its own set of breakers.
func BreakerMiddleware(m *metrics.Registry) Middleware {
	return NewBreakers(m).Middleware
}

// MetricsMiddleware records the outcome and duration of every attempt.
func MetricsMiddleware(m *metrics.Registry) Middleware {
	return func(next Next) Next {
		return func(ctx context.Context, req *provider.Request) (provider.Result, error) {
			start := time.Now()
			res, err := next(ctx, req)
			m.ObserveUpstreamAttempt(req.Proxy.Key, outcome(res, err), time.Since(start))
			return res, err
		}
	}
}

func outcome(res provider.Result, err error) string {
	if err != nil {
		return "failure"
	}
	switch r := res.(type) {
	case *provider.Success:
		return "success"
	case *provider.Stream:
		return "stream"
	case *provider.Passthrough:
		return "passthrough"
	case *provider.ErrorResult:
		return "error"
	case *provider.ModelNotFound:
		return "model_not_found"
	case *provider.Unexpected:
		if r.Retryable() {
			return "retryable"
		}
		return "unexpected"
	default:
		return "unknown"
	}
}
