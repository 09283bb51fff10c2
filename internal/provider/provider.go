// Package provider adapts gateway requests to upstream model providers.
//
// An Adapter knows how one provider authenticates, where a request goes and
// which model API its bodies speak. Dispatch runs the shared request
// sequence around an Adapter and returns a Result.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/vnmchuo/ai-gateway/internal/cache"
	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
	"github.com/vnmchuo/ai-gateway/internal/keys"
	"github.com/vnmchuo/ai-gateway/internal/modelapi"
)

var ErrBaseURLRequired = errors.New("Provider baseUrl is required unless you're using a known provider")

// Body is an inbound request body, kept both as the raw bytes and decoded.
type Body struct {
	Text []byte
	Data jsonutil.Object
}

// Stream reports whether the body asks for a streamed response.
func (b Body) Stream() bool {
	s, _ := jsonutil.Bool(b.Data["stream"])
	return s
}

// Model is the body's "model" field, or empty.
func (b Body) Model() string {
	m, _ := jsonutil.String(b.Data["model"])
	return m
}

// WithData re-encodes data as the body to send.
func (b Body) WithData(data jsonutil.Object) (Body, error) {
	text, err := jsonutil.Marshal(data)
	if err != nil {
		return b, fmt.Errorf("failed to encode request body: %w", err)
	}
	return Body{Text: text, Data: data}, nil
}

// Options are what a Constructor gets for one attempt.
type Options struct {
	RestOfPath string // path after the provider id, no leading slash, no query
	RawQuery   string
	Proxy      keys.ProviderProxy
	Cache      cache.Adapter
	Client     *http.Client
}

// Adapter is one provider's behaviour. Adapters are built per attempt and
// are not shared between goroutines.
type Adapter interface {
	ProviderID() string
	RequestModel(body Body) string
	ModelAPI(body Body) (modelapi.API, error)
	Authenticate(ctx context.Context, h http.Header) error
	URL(body Body, requestModel string) (string, error)
	FilterResponseHeaders(h http.Header)
	IsWhitelistedEndpoint() bool
	PrepareBody(body Body) (Body, error)
	// UsageProvider names the price table provider. h holds the upstream
	// response headers, or nil before the request is sent.
	UsageProvider(h http.Header) string
	// PreflightExempt skips the check that the request model has a price
	// before anything is sent upstream.
	PreflightExempt() bool
}

// Fetcher is implemented by adapters that produce responses without a
// network call.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Dispatcher is implemented by adapters that replace the default request
// sequence.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request) (Result, error)
}

type Constructor func(Options) Adapter

// Registry maps provider ids to adapter constructors.
type Registry map[string]Constructor

func (r Registry) Register(id string, c Constructor) {
	r[id] = c
}

func (r Registry) New(id string, opts Options) (Adapter, error) {
	c, ok := r[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	return c(opts), nil
}

func (r Registry) Has(id string) bool {
	_, ok := r[id]
	return ok
}

// IDs returns the registered provider ids in sorted order.
func (r Registry) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Base implements the parts of Adapter most providers share. Adapters embed
// it and override what differs.
type Base struct {
	Options
	DefaultBaseURL string
}

func (b *Base) ProviderID() string { return b.Proxy.ProviderID }

func (b *Base) RequestModel(body Body) string { return body.Model() }

func (b *Base) Authenticate(_ context.Context, h http.Header) error {
	h.Set("Authorization", "Bearer "+b.Proxy.Credentials)
	return nil
}

// BaseURL is the configured base URL without a trailing slash, falling back
// to DefaultBaseURL.
func (b *Base) BaseURL() string {
	base := b.Proxy.BaseURL
	if base == "" {
		base = b.DefaultBaseURL
	}
	return strings.TrimRight(base, "/")
}

func (b *Base) URL(_ Body, _ string) (string, error) {
	base := b.BaseURL()
	if base == "" {
		return "", ErrBaseURLRequired
	}
	return b.WithQuery(base + "/" + b.RestOfPath), nil
}

// WithQuery appends the inbound query string to u.
func (b *Base) WithQuery(u string) string {
	if b.RawQuery == "" {
		return u
	}
	return u + "?" + b.RawQuery
}

func (b *Base) FilterResponseHeaders(http.Header) {}

func (b *Base) IsWhitelistedEndpoint() bool { return false }

func (b *Base) PrepareBody(body Body) (Body, error) { return body, nil }

func (b *Base) UsageProvider(http.Header) string { return b.Proxy.ProviderID }

func (b *Base) PreflightExempt() bool { return false }

// ErrIncludeUsage is returned when a streaming chat request turns usage
// reporting off.
var ErrIncludeUsage = errors.New("You cannot disable `include_usage` in `stream_options`.")

// ForceIncludeUsage makes a streaming chat completions request report usage
// in its final chunk.
func ForceIncludeUsage(body Body) (Body, error) {
	if !body.Stream() {
		return body, nil
	}
	opts, _ := jsonutil.Map(body.Data["stream_options"])
	if v, set := opts["include_usage"]; set {
		if b, _ := jsonutil.Bool(v); b {
			return body, nil
		}
		return body, ErrIncludeUsage
	}

	merged := make(jsonutil.Object, len(opts)+1)
	for k, v := range opts {
		merged[k] = v
	}
	merged["include_usage"] = true

	data := make(jsonutil.Object, len(body.Data))
	for k, v := range body.Data {
		data[k] = v
	}
	data["stream_options"] = merged
	return body.WithData(data)
}
