package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vnmchuo/ai-gateway/internal/apierr"
	"github.com/vnmchuo/ai-gateway/internal/billing"
	"github.com/vnmchuo/ai-gateway/internal/keys"
	"github.com/vnmchuo/ai-gateway/internal/modelapi"
	"github.com/vnmchuo/ai-gateway/internal/provider"
	"github.com/vnmchuo/ai-gateway/internal/telemetry"
)

// exchange is one client request as seen after routing.
type exchange struct {
	info       *keys.APIKeyInfo
	providerID string
	requestID  string
	trace      *telemetry.Trace
	start      time.Time
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		dst.Del(k)
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// respond writes the attempt's result and schedules the work that follows
// it. It returns the status sent to the client.
func (g *Gateway) respond(w http.ResponseWriter, r *http.Request, ex *exchange, a *attempt) int {
	ctx := r.Context()
	if a == nil {
		g.closeTrace(ex.trace)
		apierr.Text(w, http.StatusInternalServerError, "Internal Server Error")
		return http.StatusInternalServerError
	}

	switch res := a.result.(type) {
	case *provider.Success:
		endSpan(a.span, res, a.proxy.ProviderID)
		copyHeader(w.Header(), res.Header)
		w.WriteHeader(res.Status)
		if _, err := w.Write(res.Body); err != nil {
			slog.Warn("failed to write response", slog.String("request_id", ex.requestID), slog.Any("error", err))
		}
		g.recordSpend(ex, a.proxy, res.RequestModel, res.ResponseModel, res.Usage, res.Cost, false)
		g.closeTrace(ex.trace)
		return res.Status

	case *provider.Stream:
		g.stream(ctx, w, ex, a, res)
		return res.Status

	case *provider.ErrorResult:
		endSpan(a.span, res, a.proxy.ProviderID)
		g.closeTrace(ex.trace)
		if !res.DisableKey {
			apierr.Text(w, http.StatusBadRequest, res.Err)
			return http.StatusBadRequest
		}
		g.disable(context.WithoutCancel(ctx), ex.info, res.Err)
		apierr.Text(w, http.StatusBadRequest, res.Err+", API key disabled")
		return http.StatusBadRequest

	case *provider.ModelNotFound:
		endSpan(a.span, res, a.proxy.ProviderID)
		g.closeTrace(ex.trace)
		apierr.Text(w, http.StatusBadRequest, modelNotFoundMessage(res.RequestModel))
		return http.StatusBadRequest

	case *provider.Unexpected:
		endSpan(a.span, res, a.proxy.ProviderID)
		g.closeTrace(ex.trace)
		copyHeader(w.Header(), res.Header)
		w.WriteHeader(res.Status)
		_, _ = w.Write(res.Body)
		return res.Status

	case *provider.Passthrough:
		endSpan(a.span, res, a.proxy.ProviderID)
		g.closeTrace(ex.trace)
		defer res.Response.Body.Close()
		copyHeader(w.Header(), res.Response.Header)
		w.WriteHeader(res.Response.StatusCode)
		if _, err := io.Copy(w, res.Response.Body); err != nil {
			slog.Warn("passthrough copy interrupted", slog.String("request_id", ex.requestID), slog.Any("error", err))
		}
		return res.Response.StatusCode

	default:
		a.span.End("unknown result", nil, telemetry.LevelError)
		g.closeTrace(ex.trace)
		apierr.Text(w, http.StatusInternalServerError, "Internal Server Error")
		return http.StatusInternalServerError
	}
}

// stream copies the client's side of a stream, flushing after every read.
// Pricing happens once the usage side is drained; the attempt's span stays
// open until then.
func (g *Gateway) stream(ctx context.Context, w http.ResponseWriter, ex *exchange, a *attempt, s *provider.Stream) {
	copyHeader(w.Header(), s.Header)
	w.WriteHeader(s.Status)
	flusher, _ := w.(http.Flusher)

	clientGone := false
	buf := make([]byte, 32*1024)
	for {
		n, err := s.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				slog.Warn("client went away mid-stream", slog.String("request_id", ex.requestID), slog.Any("error", werr))
				clientGone = true
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("upstream stream ended with error", slog.String("request_id", ex.requestID), slog.Any("error", err))
			}
			break
		}
	}
	_ = s.Body.Close()
	clientGone = clientGone || ctx.Err() != nil

	g.pool.Go("stream.finish", func(jobCtx context.Context) error {
		defer g.closeTrace(ex.trace)

		var out provider.StreamOutcome
		select {
		case out = <-s.Done:
		case <-jobCtx.Done():
			a.span.End("stream abandoned", genAIAttributes(a.proxy.ProviderID, s.RequestModel), telemetry.LevelWarn)
			return jobCtx.Err()
		}
		a.span.End(streamSpanFor(s, out, a.proxy.ProviderID))

		if out.Err != nil {
			if clientGone {
				// the upstream read was cut short with the client's request
				slog.Warn("stream not priced after client disconnect",
					slog.String("request_id", ex.requestID),
					slog.Any("error", out.Err),
				)
				return nil
			}
			if out.DisableKey {
				g.disable(jobCtx, ex.info, out.Err.Error())
				return nil
			}
			slog.Error("stream not priced", slog.String("request_id", ex.requestID), slog.Any("error", out.Err))
			return nil
		}
		var usage modelapi.Usage
		if out.Usage != nil {
			usage = *out.Usage
		}
		g.recordSpend(ex, a.proxy, out.RequestModel, out.ResponseModel, usage, out.Cost, true)
		return nil
	})
}

// disable blocks the key for good after a response the gateway could not
// bill.
func (g *Gateway) disable(ctx context.Context, info *keys.APIKeyInfo, reason string) {
	d := &meteredDisabler{auth: g.auth, metrics: g.metrics}
	if err := d.Disable(ctx, info, reason, keys.StatusBlocked, nil); err != nil {
		slog.Error("failed to disable api key", slog.Int64("key_id", info.ID), slog.Any("error", err))
	}
}

func (g *Gateway) recordSpend(ex *exchange, proxy keys.ProviderProxy, requestModel, responseModel string, usage modelapi.Usage, cost float64, streamed bool) {
	g.metrics.RecordSpend(proxy.ProviderID, cost, usage.InputTokens, usage.OutputTokens)

	info := ex.info
	g.pool.Go("spend.record", func(ctx context.Context) error {
		return g.accountant.Record(ctx, info, cost)
	})
	if g.usage == nil {
		return
	}
	entry := &billing.UsageLog{
		KeyID:         info.ID,
		ProjectID:     info.Project,
		RequestID:     ex.requestID,
		ProviderKey:   proxy.Key,
		ProviderID:    proxy.ProviderID,
		RequestModel:  requestModel,
		ResponseModel: responseModel,
		InputTokens:   usage.InputTokens,
		OutputTokens:  usage.OutputTokens,
		CostUSD:       cost,
		Streamed:      streamed,
		LatencyMs:     time.Since(ex.start).Milliseconds(),
	}
	g.pool.Go("usage.log", func(ctx context.Context) error {
		return g.usage.LogUsage(ctx, entry)
	})
}

func (g *Gateway) closeTrace(tr *telemetry.Trace) {
	g.pool.Go("otel.flush", func(ctx context.Context) error {
		return tr.Close(ctx)
	})
}
