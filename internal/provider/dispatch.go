package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vnmchuo/ai-gateway/internal/apierr"
	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
	"github.com/vnmchuo/ai-gateway/internal/keys"
	"github.com/vnmchuo/ai-gateway/internal/modelapi"
	"github.com/vnmchuo/ai-gateway/internal/streaming"
)

// PriceHeader carries the estimated cost of a priced response.
const PriceHeader = "pydantic-ai-gateway-price-estimate"

// Pricer prices token usage. The second result is false when the model has
// no price entry.
type Pricer interface {
	Price(u modelapi.Usage, model, provider string) (float64, bool)
}

// Request is everything one attempt needs.
type Request struct {
	Method    string
	Header    http.Header // inbound headers
	Body      Body
	Proxy     keys.ProviderProxy
	Adapter   Adapter
	UserAgent string
	Prices    Pricer
	Client    *http.Client
}

// Dispatch runs one attempt. Adapters implementing Dispatcher replace the
// default sequence. A returned error means no usable response was obtained
// and the attempt may be retried elsewhere.
func Dispatch(ctx context.Context, req *Request) (Result, error) {
	if d, ok := req.Adapter.(Dispatcher); ok {
		return d.Dispatch(ctx, req)
	}
	return DefaultDispatch(ctx, req)
}

// hop-by-hop and gateway credential headers that never reach a provider
var droppedRequestHeaders = []string{
	"Authorization", "X-Api-Key", "Host", "Content-Length", "Connection",
	"Keep-Alive", "Transfer-Encoding", "Upgrade", "Te", "Trailer",
	"Accept-Encoding", "Proxy-Authorization", "Pydantic-Ai-Gateway-Route",
}

var droppedResponseHeaders = []string{
	"Content-Length", "Content-Encoding", "Transfer-Encoding", "Connection", "Keep-Alive",
}

func (r *Request) upstreamHeaders(ctx context.Context) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, k := range droppedRequestHeaders {
		h.Del(k)
	}
	h.Set("User-Agent", r.UserAgent)
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
	return h
}

func responseHeaders(a Adapter, src http.Header) http.Header {
	h := src.Clone()
	for _, k := range droppedResponseHeaders {
		h.Del(k)
	}
	a.FilterResponseHeaders(h)
	return h
}

func errorMessage(err error) string {
	var re *apierr.ResponseError
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}

// DefaultDispatch authenticates, rewrites and sends the request, then
// classifies and prices the response.
func DefaultDispatch(ctx context.Context, req *Request) (Result, error) {
	a := req.Adapter
	disable := req.Proxy.ShouldDisableKey()

	h := req.upstreamHeaders(ctx)
	if err := a.Authenticate(ctx, h); err != nil {
		return &ErrorResult{Err: errorMessage(err)}, nil
	}

	requestModel := a.RequestModel(req.Body)
	body, err := a.PrepareBody(req.Body)
	if err != nil {
		return &ErrorResult{Err: errorMessage(err), RequestModel: requestModel}, nil
	}
	api, err := a.ModelAPI(req.Body)
	if err != nil {
		return &ErrorResult{Err: errorMessage(err), RequestModel: requestModel}, nil
	}
	target, err := a.URL(req.Body, requestModel)
	if err != nil {
		return &ErrorResult{Err: errorMessage(err), RequestModel: requestModel}, nil
	}

	whitelisted := a.IsWhitelistedEndpoint()
	if requestModel != "" && disable && !whitelisted && !a.PreflightExempt() {
		if _, ok := req.Prices.Price(modelapi.Usage{}, requestModel, a.UsageProvider(nil)); !ok {
			return &ModelNotFound{RequestModel: requestModel}, nil
		}
	}

	resp, err := send(ctx, req, target, h, body.Text)
	if err != nil {
		return nil, err
	}

	header := responseHeaders(a, resp.Header)

	if whitelisted {
		resp.Header = header
		return &Passthrough{Response: resp}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream response: %w", err)
		}
		return &Unexpected{
			RequestModel: requestModel,
			RequestBody:  body.Text,
			Status:       resp.StatusCode,
			Header:       header,
			Body:         raw,
		}, nil
	}

	if isStreaming(resp.Header, req.Body) {
		return dispatchStream(req, resp, header, api, requestModel, body), nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	invalid := func(msg string) Result {
		return &ErrorResult{Err: msg, DisableKey: disable, RequestModel: requestModel}
	}

	obj, err := jsonutil.DecodeObject(raw)
	if err != nil {
		slog.Error("failed to decode upstream response", slog.String("provider", a.ProviderID()), slog.Any("error", err))
		return invalid("invalid response, unable to extract usage"), nil
	}
	api.ProcessRequest(req.Body.Data)
	api.ProcessResponse(obj)
	extracted := api.Response()

	responseModel := inferResponseModel(api.Flavor(), extracted.Model, requestModel)
	if responseModel == "" {
		return invalid("Unable to infer response model"), nil
	}
	if extracted.Usage == nil {
		return invalid("invalid response, unable to extract usage"), nil
	}
	usageProvider := a.UsageProvider(resp.Header)
	cost, ok := req.Prices.Price(*extracted.Usage, responseModel, usageProvider)
	if !ok {
		slog.Error("unable to calculate spend",
			slog.String("model", responseModel),
			slog.String("provider", usageProvider),
		)
		return invalid("Unable to calculate spend"), nil
	}

	header.Set(PriceHeader, fmt.Sprintf("%.4fUSD", cost))
	if req.Proxy.InjectCost {
		InjectCost(obj, api.Flavor(), cost)
	}
	out, err := jsonutil.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}

	return &Success{
		RequestModel:   requestModel,
		ResponseModel:  responseModel,
		RequestBody:    body.Text,
		Status:         resp.StatusCode,
		Header:         header,
		Body:           out,
		Usage:          *extracted.Usage,
		Cost:           cost,
		OtelAttributes: api.OtelAttributes(),
	}, nil
}

func send(ctx context.Context, req *Request, target string, h http.Header, body []byte) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	httpReq.Header = h

	if f, ok := req.Adapter.(Fetcher); ok {
		return f.Fetch(ctx, httpReq)
	}
	client := req.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}

func isStreaming(h http.Header, body Body) bool {
	ct := strings.ToLower(h.Get("Content-Type"))
	return strings.HasPrefix(ct, "text/event-stream") ||
		strings.HasPrefix(ct, streaming.EventStreamCType) ||
		body.Stream()
}

// InjectCost adds the cost estimate to the response's usage object, if it
// has one.
func InjectCost(obj jsonutil.Object, flavor modelapi.Flavor, cost float64) {
	field := "usage"
	if flavor == modelapi.FlavorGoogle {
		field = "usageMetadata"
	}
	if usage, ok := jsonutil.Map(obj[field]); ok {
		usage["pydantic_ai_gateway"] = map[string]any{"cost_estimate": cost}
	}
}

func dispatchStream(req *Request, resp *http.Response, header http.Header, api modelapi.API, requestModel string, body Body) *Stream {
	a := req.Adapter
	eventStream := strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), streaming.EventStreamCType)

	api.ProcessRequest(req.Body.Data)
	clientCopy, usageCopy := streaming.Tee(resp.Body)

	var clientBody io.ReadCloser = clientCopy
	if eventStream && wantsSSE(req.Header) {
		clientBody = streaming.ToSSE(clientCopy)
		header.Set("Content-Type", "text/event-stream")
	}

	done := make(chan StreamOutcome, 1)
	go func() {
		defer usageCopy.Close()
		var chunks iter.Seq[jsonutil.Object]
		if eventStream {
			chunks = streaming.Chunks(usageCopy)
		} else {
			chunks = streaming.JSONChunks(usageCopy)
		}
		for chunk := range chunks {
			api.ProcessChunk(chunk)
		}
		done <- streamOutcome(req, api, requestModel, resp.Header)
		close(done)
	}()

	slog.Debug("streaming upstream response",
		slog.String("provider", a.ProviderID()),
		slog.Bool("eventstream", eventStream),
	)
	return &Stream{
		RequestModel: requestModel,
		RequestBody:  body.Text,
		Status:       resp.StatusCode,
		Header:       header,
		Body:         clientBody,
		Done:         done,
	}
}

func streamOutcome(req *Request, api modelapi.API, requestModel string, h http.Header) StreamOutcome {
	extracted := api.Response()
	out := StreamOutcome{
		RequestModel:   requestModel,
		ResponseModel:  inferResponseModel(api.Flavor(), extracted.Model, requestModel),
		Usage:          extracted.Usage,
		OtelAttributes: api.OtelAttributes(),
	}
	if out.Usage == nil || out.ResponseModel == "" {
		out.Err = fmt.Errorf("Unable to calculate cost for model %s", out.ResponseModel)
		out.DisableKey = req.Proxy.ShouldDisableKey()
		return out
	}
	usageProvider := req.Adapter.UsageProvider(h)
	cost, ok := req.Prices.Price(*out.Usage, out.ResponseModel, usageProvider)
	if !ok {
		out.Err = fmt.Errorf("Unable to calculate cost for model %s and provider %s", out.ResponseModel, usageProvider)
		out.DisableKey = req.Proxy.ShouldDisableKey()
		return out
	}
	out.Cost = cost
	return out
}

// inferResponseModel picks the model a response is priced under. Converse
// responses never name their model, so only they fall back to the request's.
func inferResponseModel(flavor modelapi.Flavor, responseModel, requestModel string) string {
	if responseModel == "" && flavor == modelapi.FlavorConverse {
		return requestModel
	}
	return responseModel
}

func wantsSSE(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Accept")), "text/event-stream")
}
