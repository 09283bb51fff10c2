package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vnmchuo/ai-gateway/internal/apierr"
	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
	"github.com/vnmchuo/ai-gateway/internal/keys"
	"github.com/vnmchuo/ai-gateway/internal/provider"
	"github.com/vnmchuo/ai-gateway/internal/routing"
	"github.com/vnmchuo/ai-gateway/pkg/ratelimit"
)

var providerPath = regexp.MustCompile(`^/([^/]+)/(.*)$`)

const banner = `
 ____   _    ___ ____
|  _ \ / \  |_ _/ ___|
| |_) / _ \  | | |  _
|  __/ ___ \ | | |_| |
|_| /_/   \_\___\____|

%s

build: %s
To connect, point your application at %s/<provider-id>
`

// Index answers GET and HEAD on the root with a banner.
func (g *Gateway) Index(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		base := fmt.Sprintf("%s://%s", scheme, r.Host)
		apierr.Text(w, http.StatusOK, fmt.Sprintf(banner, g.cfg.GatewayName, g.cfg.BuildSHA, base))
	case http.MethodHead:
		apierr.Text(w, http.StatusOK, "")
	default:
		apierr.MethodNotAllowed(w, http.MethodGet, http.MethodHead)
	}
}

// ServeHTTP proxies "/{providerId}/{restOfPath}".
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	path := r.URL.Path
	if n := g.cfg.ProxyPrefixLength; n > 0 {
		path = path[min(n, len(path)):]
	}
	m := providerPath.FindStringSubmatch(path)
	if m == nil {
		apierr.Text(w, http.StatusNotFound, "Path not found")
		return
	}
	providerID, rest := m[1], m[2]
	if !g.registry.Has(providerID) {
		apierr.Text(w, http.StatusNotFound, fmt.Sprintf("Invalid provider '%s', should be one of %s",
			providerID, strings.Join(g.registry.IDs(), ", ")))
		return
	}

	status := g.serve(w, r, providerID, rest, start)
	g.metrics.RecordRequest(providerID, status, time.Since(start))
	slog.Debug("request served",
		slog.String("provider", providerID),
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
		slog.String("request_id", requestID(ctx)),
	)
}

func requestID(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, providerID, rest string, start time.Time) int {
	ctx := r.Context()

	info, err := g.auth.Authenticate(ctx, r)
	if err != nil {
		return writeError(w, "authentication failed", err)
	}

	if info.Status != keys.StatusActive {
		apierr.Text(w, http.StatusForbidden, fmt.Sprintf("Unauthorized - Key %s", info.Status))
		return http.StatusForbidden
	}

	slot, err := g.limiter.RequestStart(ctx, strconv.FormatInt(info.ID, 10))
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		g.metrics.RecordRateLimit("refused")
		apierr.Text(w, http.StatusTooManyRequests, ratelimit.ErrRateLimited.Error())
		return http.StatusTooManyRequests
	case err != nil:
		// the limiter's store is down, let the request through
		g.metrics.RecordRateLimit("error")
		slog.Error("rate limiter unavailable", slog.Int64("key_id", info.ID), slog.Any("error", err))
	default:
		g.metrics.RecordRateLimit("allowed")
		defer func() {
			if err := g.limiter.RequestFinish(context.WithoutCancel(ctx), slot); err != nil {
				slog.Warn("failed to finish rate limited request", slog.Any("error", err))
			}
		}()
	}

	routes, err := routing.Resolve(r.Header.Get(routing.RouteHeader), providerID, info, g.rng)
	if err != nil {
		return writeError(w, "routing failed", err)
	}

	body, err := readBody(r)
	if err != nil {
		return writeError(w, "invalid request body", err)
	}

	g.prices.MaybeRefresh()

	id := requestID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	tr := g.exporters.NewTrace(ctx, propagation.HeaderCarrier(r.Header), info.Otel)
	in := &inbound{
		method:     r.Method,
		header:     r.Header,
		restOfPath: rest,
		rawQuery:   r.URL.RawQuery,
		body:       body,
		userAgent:  g.userAgent(r),
		trace:      tr,
	}
	ex := &exchange{info: info, providerID: providerID, requestID: id, trace: tr, start: start}

	a := g.dispatch(ctx, in, routes)
	if a == nil {
		slog.Error("every provider failed",
			slog.String("provider", providerID),
			slog.Int("attempts", len(routes)),
			slog.String("request_id", id),
		)
	}
	return g.respond(w, r, ex, a)
}

func writeError(w http.ResponseWriter, msg string, err error) int {
	var re *apierr.ResponseError
	if errors.As(err, &re) {
		apierr.Text(w, re.Status, re.Message)
		return re.Status
	}
	slog.Error(msg, slog.Any("error", err))
	apierr.Write(w, err)
	return http.StatusInternalServerError
}

// readBody reads and decodes the request body once. An empty body is
// forwarded as is.
func readBody(r *http.Request) (provider.Body, error) {
	text, err := io.ReadAll(r.Body)
	if err != nil {
		return provider.Body{}, apierr.New(http.StatusBadRequest, "failed to read request body")
	}
	if len(text) == 0 {
		return provider.Body{Text: text}, nil
	}
	data, err := jsonutil.DecodeObject(text)
	if err != nil {
		return provider.Body{}, apierr.New(http.StatusBadRequest, "invalid request JSON")
	}
	if v, ok := data["model"]; ok {
		if _, ok := jsonutil.String(v); !ok {
			return provider.Body{}, apierr.New(http.StatusBadRequest, `invalid request, "model" should be a string`)
		}
	}
	return provider.Body{Text: text, Data: data}, nil
}

func (g *Gateway) userAgent(r *http.Request) string {
	sha := g.cfg.BuildSHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return fmt.Sprintf("%s via %s %s, contact %s", r.UserAgent(), g.cfg.GatewayName, sha, g.cfg.ContactEmail)
}
