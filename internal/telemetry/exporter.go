package telemetry

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/vnmchuo/ai-gateway/internal/keys"
)

// ScopeName is the instrumentation scope of every gateway span.
const ScopeName = "pydantic-ai-gateway"

const (
	exportTimeout   = 8 * time.Second
	exportRetryMax  = 8 * time.Second
	exportRetrySpan = 15 * time.Second
)

var tokenRegion = regexp.MustCompile(`pylf_v\d_(us|eu)`)

// ErrNoBaseURL is returned when settings carry no base URL and none can be
// inferred from the write token.
var ErrNoBaseURL = errors.New("unable to infer otel base url")

// BaseURL returns the collector base URL for s. Without an explicit URL the
// region embedded in the write token picks the endpoint.
func BaseURL(s keys.OtelSettings) (string, error) {
	if s.BaseURL != "" {
		return strings.TrimRight(s.BaseURL, "/"), nil
	}
	m := tokenRegion.FindStringSubmatch(s.WriteToken)
	if m == nil {
		return "", ErrNoBaseURL
	}
	if m[1] == "eu" {
		return "https://api-eu.logfire.dev", nil
	}
	return "https://api.logfire.dev", nil
}

// Exporters hands out tracer providers for per-key telemetry settings. One
// provider is built per distinct endpoint and token and reused afterwards.
type Exporters struct {
	serviceName string
	version     string

	mu        sync.Mutex
	providers map[string]*sdktrace.TracerProvider
}

func NewExporters(serviceName, version string) *Exporters {
	return &Exporters{
		serviceName: serviceName,
		version:     version,
		providers:   make(map[string]*sdktrace.TracerProvider),
	}
}

// NewTrace starts a request trace. Keys without settings, or whose exporter
// cannot be built, record to the process-wide tracer.
func (e *Exporters) NewTrace(ctx context.Context, carrier propagation.TextMapCarrier, s *keys.OtelSettings) *Trace {
	if s == nil {
		return NewTrace(ctx, carrier, otel.Tracer(ScopeName), nil)
	}
	tp, err := e.provider(ctx, *s)
	if err != nil {
		slog.Warn("failed to build otel exporter, using process tracer",
			slog.String("token", tokenPrefix(s.WriteToken)),
			slog.Any("error", err),
		)
		return NewTrace(ctx, carrier, otel.Tracer(ScopeName), nil)
	}
	return NewTrace(ctx, carrier, tp.Tracer(ScopeName), tp.ForceFlush)
}

func (e *Exporters) provider(ctx context.Context, s keys.OtelSettings) (*sdktrace.TracerProvider, error) {
	base, err := BaseURL(s)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum([]byte(base + "\x00" + s.WriteToken))
	id := hex.EncodeToString(sum[:])

	e.mu.Lock()
	defer e.mu.Unlock()
	if tp, ok := e.providers[id]; ok {
		return tp, nil
	}

	if s.Protocol != "" && s.Protocol != "http/protobuf" {
		slog.Warn("unsupported otel exporter protocol, using http/protobuf", slog.String("protocol", s.Protocol))
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(base + "/v1/traces"),
		otlptracehttp.WithTimeout(exportTimeout),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
			Enabled:         true,
			InitialInterval: time.Second,
			MaxInterval:     exportRetryMax,
			MaxElapsedTime:  exportRetrySpan,
		}),
	}
	if s.WriteToken != "" {
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{"Authorization": s.WriteToken}))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp http exporter: %w", err)
	}

	res, err := newResource(e.serviceName, e.version)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	e.providers[id] = tp
	return tp, nil
}

// Shutdown flushes and stops every provider built so far.
func (e *Exporters) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for id, tp := range e.providers {
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		delete(e.providers, id)
	}
	return errors.Join(errs...)
}

func tokenPrefix(token string) string {
	if len(token) > 7 {
		return token[:7]
	}
	return token
}
