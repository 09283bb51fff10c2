// Package modelapi extracts request parameters, response metadata and token
// usage from the JSON bodies of the model APIs the gateway forwards.
package modelapi

import (
	"fmt"
	"log/slog"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
)

type Flavor string

const (
	FlavorChat       Flavor = "chat"
	FlavorResponses  Flavor = "responses"
	FlavorAnthropic  Flavor = "anthropic"
	FlavorGoogle     Flavor = "google"
	FlavorConverse   Flavor = "converse"
	FlavorEmbeddings Flavor = "embeddings"
)

// Part is one element of a message in the GenAI semantic conventions.
type Part struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments any    `json:"arguments,omitempty"`
	Result    any    `json:"result,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Data      string `json:"data,omitempty"`
	FileURI   string `json:"file_uri,omitempty"`
	Builtin   bool   `json:"builtin,omitempty"`
	Part      any    `json:"part,omitempty"`
}

type Message struct {
	Role         string `json:"role"`
	Parts        []Part `json:"parts"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type ExtractedRequest struct {
	Model              string
	MaxTokens          *int64
	Temperature        *float64
	TopP               *float64
	TopK               *int64
	Seed               *int64
	StopSequences      []string
	SystemInstructions []Part
	InputMessages      []Message
}

type ExtractedResponse struct {
	Model          string
	ID             string
	FinishReasons  []string
	Usage          *Usage
	OutputMessages []Message
}

// API accumulates what can be learned about one exchange. Each field is
// produced by its own extractor; a failing extractor is logged and the
// others still run. Later writes replace earlier ones, so a stream's final
// usage chunk wins.
type API interface {
	Flavor() Flavor
	ProcessRequest(body jsonutil.Object)
	ProcessResponse(body jsonutil.Object)
	ProcessChunk(chunk jsonutil.Object)
	Request() ExtractedRequest
	Response() ExtractedResponse
	OtelAttributes() map[string]any
}

type requestExtractor struct {
	name string
	fn   func(body jsonutil.Object, r *ExtractedRequest)
}

type responseExtractor struct {
	name string
	fn   func(body jsonutil.Object, r *ExtractedResponse)
}

type definition struct {
	request  []requestExtractor
	response []responseExtractor
	chunk    []responseExtractor
}

var definitions = map[Flavor]*definition{}

func register(f Flavor, d *definition) {
	definitions[f] = d
}

type api struct {
	flavor Flavor
	def    *definition
	req    ExtractedRequest
	resp   ExtractedResponse
}

// New returns an extractor for the flavor. requestModel seeds the request
// model for APIs that carry it in the URL rather than the body.
func New(flavor Flavor, requestModel string) (API, error) {
	def, ok := definitions[flavor]
	if !ok {
		return nil, fmt.Errorf("unknown model api %q", flavor)
	}
	return &api{flavor: flavor, def: def, req: ExtractedRequest{Model: requestModel}}, nil
}

func (a *api) Flavor() Flavor { return a.flavor }

func (a *api) ProcessRequest(body jsonutil.Object) {
	for _, e := range a.def.request {
		safely(a.flavor, e.name, func() { e.fn(body, &a.req) })
	}
}

func (a *api) ProcessResponse(body jsonutil.Object) {
	for _, e := range a.def.response {
		safely(a.flavor, e.name, func() { e.fn(body, &a.resp) })
	}
}

func (a *api) ProcessChunk(chunk jsonutil.Object) {
	for _, e := range a.def.chunk {
		safely(a.flavor, e.name, func() { e.fn(chunk, &a.resp) })
	}
}

func (a *api) Request() ExtractedRequest   { return a.req }
func (a *api) Response() ExtractedResponse { return a.resp }

func safely(flavor Flavor, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("model api extractor failed",
				slog.String("flavor", string(flavor)),
				slog.String("extractor", name),
				slog.Any("panic", r),
			)
		}
	}()
	fn()
}

// OtelAttributes returns the gen_ai.* attributes known so far. Absent values
// are omitted.
func (a *api) OtelAttributes() map[string]any {
	attrs := map[string]any{}
	setIf := func(key string, present bool, v any) {
		if present {
			attrs[key] = v
		}
	}
	r := a.req
	setIf("gen_ai.request.max_tokens", r.MaxTokens != nil, deref(r.MaxTokens))
	setIf("gen_ai.request.temperature", r.Temperature != nil, deref(r.Temperature))
	setIf("gen_ai.request.top_p", r.TopP != nil, deref(r.TopP))
	setIf("gen_ai.request.top_k", r.TopK != nil, deref(r.TopK))
	setIf("gen_ai.request.seed", r.Seed != nil, deref(r.Seed))
	setIf("gen_ai.request.stop_sequences", r.StopSequences != nil, r.StopSequences)
	setIf("gen_ai.system_instructions", len(r.SystemInstructions) > 0, r.SystemInstructions)
	setIf("gen_ai.input.messages", r.InputMessages != nil, r.InputMessages)

	s := a.resp
	setIf("gen_ai.response.id", s.ID != "", s.ID)
	setIf("gen_ai.response.finish_reasons", s.FinishReasons != nil, s.FinishReasons)
	setIf("gen_ai.output.messages", s.OutputMessages != nil, s.OutputMessages)
	return attrs
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func intPtr(v any) *int64 {
	if i, ok := jsonutil.Int(v); ok {
		return &i
	}
	return nil
}

func floatPtr(v any) *float64 {
	if f, ok := jsonutil.Float(v); ok {
		return &f
	}
	return nil
}

func stringOf(v any) string {
	s, _ := jsonutil.String(v)
	return s
}

func objects(v any) []jsonutil.Object {
	arr, _ := jsonutil.Array(v)
	out := make([]jsonutil.Object, 0, len(arr))
	for _, e := range arr {
		if m, ok := jsonutil.Map(e); ok {
			out = append(out, m)
		}
	}
	return out
}

func unknownPart(part any) Part {
	return Part{Type: "unknown", Part: part}
}
