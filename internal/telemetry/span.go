package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
)

type Level string

const (
	LevelDebug  Level = "debug"
	LevelInfo   Level = "info"
	LevelNotice Level = "notice"
	LevelWarn   Level = "warn"
	LevelError  Level = "error"
)

// Num is the numeric severity recorded as logfire.level_num.
func (l Level) Num() int {
	switch l {
	case LevelDebug:
		return 5
	case LevelNotice:
		return 10
	case LevelWarn:
		return 13
	case LevelError:
		return 17
	default:
		return 9
	}
}

// Attributes are span attributes keyed by their OpenTelemetry name. Nil
// values are dropped.
type Attributes = map[string]any

var traceContext = propagation.TraceContext{}

// Trace groups the spans of one inbound request.
type Trace struct {
	tracer trace.Tracer
	parent context.Context
	flush  func(context.Context) error

	mu   sync.Mutex
	open map[*Span]struct{}
}

// NewTrace continues the W3C trace carried by carrier, if any. flush, when
// set, is called by Close to push the request's spans out.
func NewTrace(ctx context.Context, carrier propagation.TextMapCarrier, tracer trace.Tracer, flush func(context.Context) error) *Trace {
	parent := context.WithoutCancel(ctx)
	if carrier != nil {
		parent = traceContext.Extract(parent, carrier)
	}
	return &Trace{
		tracer: tracer,
		parent: parent,
		flush:  flush,
		open:   make(map[*Span]struct{}),
	}
}

// TraceID is the id of the remote parent, or empty when the request carried
// no trace context.
func (t *Trace) TraceID() string {
	sc := trace.SpanContextFromContext(t.parent)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

func (t *Trace) StartSpan() *Span {
	return t.start(t.parent)
}

func (t *Trace) start(parent context.Context) *Span {
	ctx, span := t.tracer.Start(parent, "gateway", trace.WithSpanKind(trace.SpanKindInternal))
	s := &Span{trace: t, ctx: ctx, span: span}
	t.mu.Lock()
	t.open[s] = struct{}{}
	t.mu.Unlock()
	return s
}

// Close ends every span still open with an error status and flushes the
// trace's exporter. Spans left open are reported in the returned error.
func (t *Trace) Close(ctx context.Context) error {
	t.mu.Lock()
	leaked := make([]*Span, 0, len(t.open))
	for s := range t.open {
		leaked = append(leaked, s)
	}
	t.mu.Unlock()

	for _, s := range leaked {
		s.End("span not ended", nil, LevelError)
	}

	var err error
	if len(leaked) > 0 {
		err = fmt.Errorf("%d span(s) were never ended", len(leaked))
	}
	if t.flush != nil {
		if ferr := t.flush(ctx); ferr != nil {
			ferr = fmt.Errorf("failed to flush spans: %w", ferr)
			if err == nil {
				err = ferr
			} else {
				err = fmt.Errorf("%w; %w", err, ferr)
			}
		}
	}
	return err
}

// Span is one provider attempt. It must be ended exactly once.
type Span struct {
	trace *Trace
	ctx   context.Context
	span  trace.Span
	ended atomic.Bool
}

// Context carries the span, for outgoing propagation and child spans.
func (s *Span) Context() context.Context { return s.ctx }

// Attach returns ctx carrying the span, keeping ctx's deadline and
// cancellation.
func (s *Span) Attach(ctx context.Context) context.Context {
	return trace.ContextWithSpan(ctx, s.span)
}

func (s *Span) StartSpan() *Span {
	return s.trace.start(s.ctx)
}

// End names the span after template, renders {attr} placeholders into
// logfire.msg and records attrs. Levels of warn and above mark the span as
// failed. Ending a span twice panics.
func (s *Span) End(template string, attrs Attributes, level Level) {
	if !s.ended.CompareAndSwap(false, true) {
		panic("span already ended")
	}
	s.trace.mu.Lock()
	delete(s.trace.open, s)
	s.trace.mu.Unlock()

	msg := RenderMessage(template, attrs)
	s.span.SetName(template)
	kvs := make([]attribute.KeyValue, 0, len(attrs)+3)
	kvs = append(kvs,
		attribute.String("logfire.msg", msg),
		attribute.String("logfire.json_schema", jsonSchema(attrs)),
		attribute.Int("logfire.level_num", level.Num()),
	)
	for _, k := range sortedKeys(attrs) {
		if kv, ok := toAttribute(k, attrs[k]); ok {
			kvs = append(kvs, kv)
		}
	}
	s.span.SetAttributes(kvs...)
	if level.Num() >= LevelWarn.Num() {
		s.span.SetStatus(codes.Error, msg)
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// RenderMessage replaces the first {key} in template with each attribute's
// value.
func RenderMessage(template string, attrs Attributes) string {
	msg := template
	for _, k := range sortedKeys(attrs) {
		v := attrs[k]
		if v == nil {
			continue
		}
		msg = strings.Replace(msg, "{"+k+"}", display(v), 1)
	}
	return msg
}

func display(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case []string:
		return strings.Join(x, ",")
	case map[string]any, []any:
		b, err := jsonutil.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

func jsonSchema(attrs Attributes) string {
	props := make(map[string]any, len(attrs))
	for k, v := range attrs {
		switch v.(type) {
		case string:
			props[k] = map[string]string{"type": "string"}
		case int, int32, int64, float32, float64, jsonutil.Number:
			props[k] = map[string]string{"type": "number"}
		case bool:
			props[k] = map[string]string{"type": "boolean"}
		default:
			props[k] = map[string]string{}
		}
	}
	b, _ := jsonutil.Marshal(map[string]any{"type": "object", "properties": props})
	return string(b)
}

func toAttribute(k string, v any) (attribute.KeyValue, bool) {
	switch x := v.(type) {
	case nil:
		return attribute.KeyValue{}, false
	case string:
		return attribute.String(k, x), true
	case bool:
		return attribute.Bool(k, x), true
	case int:
		return attribute.Int(k, x), true
	case int32:
		return attribute.Int64(k, int64(x)), true
	case int64:
		return attribute.Int64(k, x), true
	case float32:
		return attribute.Float64(k, float64(x)), true
	case float64:
		return attribute.Float64(k, x), true
	case jsonutil.Number:
		if i, err := x.Int64(); err == nil {
			return attribute.Int64(k, i), true
		}
		if f, err := x.Float64(); err == nil {
			return attribute.Float64(k, f), true
		}
		return attribute.String(k, x.String()), true
	case []string:
		return attribute.StringSlice(k, x), true
	default:
		b, err := jsonutil.Marshal(x)
		if err != nil {
			return attribute.String(k, fmt.Sprint(x)), true
		}
		return attribute.String(k, string(b)), true
	}
}

func sortedKeys(attrs Attributes) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
