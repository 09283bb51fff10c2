package proxy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
	"github.com/vnmchuo/ai-gateway/internal/keys"
	"github.com/vnmchuo/ai-gateway/internal/provider"
	"github.com/vnmchuo/ai-gateway/internal/telemetry"
)

// inbound is the part of the client request every attempt starts from.
type inbound struct {
	method     string
	header     http.Header
	restOfPath string
	rawQuery   string
	body       provider.Body
	userAgent  string
	trace      *telemetry.Trace
}

// attempt is the result the response is built from. Its span is still open.
type attempt struct {
	result provider.Result
	proxy  keys.ProviderProxy
	span   *telemetry.Span
}

// bodyFor gives attempt i its own copy of the body since adapters may
// rewrite what they get.
func (in *inbound) bodyFor(i int) provider.Body {
	if i == 0 || in.body.Data == nil {
		return provider.Body{Text: bytes.Clone(in.body.Text), Data: in.body.Data}
	}
	data, err := jsonutil.DecodeObject(in.body.Text)
	if err != nil {
		return provider.Body{Text: bytes.Clone(in.body.Text), Data: in.body.Data}
	}
	return provider.Body{Text: bytes.Clone(in.body.Text), Data: data}
}

// dispatch tries the routed proxies in order. Transport failures, panics and
// 429/5xx answers move on to the next proxy; anything else is final. Nil
// means every proxy failed.
func (g *Gateway) dispatch(ctx context.Context, in *inbound, routes []keys.ProviderProxy) *attempt {
	for i, proxy := range routes {
		span := in.trace.StartSpan()

		adapter, err := g.registry.New(proxy.ProviderID, provider.Options{
			RestOfPath: in.restOfPath,
			RawQuery:   in.rawQuery,
			Proxy:      proxy,
			Cache:      g.cache,
			Client:     g.client,
		})
		if err != nil {
			endFailedSpan(span, proxy, in.body.Model(), err)
			slog.Error("failed to build provider adapter", slog.String("provider", proxy.Key), slog.Any("error", err))
			continue
		}

		req := &provider.Request{
			Method:    in.method,
			Header:    in.header,
			Body:      in.bodyFor(i),
			Proxy:     proxy,
			Adapter:   adapter,
			UserAgent: in.userAgent,
			Prices:    g.prices,
			Client:    g.client,
		}
		res, err := g.run(span.Attach(ctx), req)
		if err != nil {
			endFailedSpan(span, proxy, req.Body.Model(), err)
			slog.Warn("provider attempt failed",
				slog.String("provider", proxy.Key),
				slog.Int("attempt", i+1),
				slog.Any("error", err),
			)
			continue
		}

		if u, ok := res.(*provider.Unexpected); ok && u.Retryable() {
			endSpan(span, res, proxy.ProviderID)
			slog.Warn("provider returned retryable status",
				slog.String("provider", proxy.Key),
				slog.Int("attempt", i+1),
				slog.Int("status", u.Status),
			)
			continue
		}
		return &attempt{result: res, proxy: proxy, span: span}
	}
	return nil
}

func (g *Gateway) run(ctx context.Context, req *provider.Request) (res provider.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("panic in provider %s: %v", req.Proxy.Key, r)
		}
	}()
	return g.next(ctx, req)
}
