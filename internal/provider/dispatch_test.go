package provider_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
	"github.com/vnmchuo/ai-gateway/internal/keys"
	"github.com/vnmchuo/ai-gateway/internal/pricing"
	"github.com/vnmchuo/ai-gateway/internal/provider"
	"github.com/vnmchuo/ai-gateway/internal/provider/anthropic"
	"github.com/vnmchuo/ai-gateway/internal/provider/bedrock"
	"github.com/vnmchuo/ai-gateway/internal/provider/openai"
	"github.com/vnmchuo/ai-gateway/internal/provider/testprovider"
	"github.com/vnmchuo/ai-gateway/internal/streaming"
)

func prices(t *testing.T) *pricing.Calculator {
	t.Helper()
	c, err := pricing.New("", nil)
	if err != nil {
		t.Fatalf("pricing: %v", err)
	}
	return c
}

func body(t *testing.T, s string) provider.Body {
	t.Helper()
	data, err := jsonutil.DecodeObject([]byte(s))
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return provider.Body{Text: []byte(s), Data: data}
}

func newRequest(t *testing.T, a provider.Adapter, proxy keys.ProviderProxy, b string) *provider.Request {
	return &provider.Request{
		Method:    http.MethodPost,
		Header:    http.Header{"Authorization": {"Bearer gw_secret"}, "User-Agent": {"client/1.0"}},
		Body:      body(t, b),
		Proxy:     proxy,
		Adapter:   a,
		UserAgent: "client/1.0 via AI Gateway abc1234, contact ops@example.com",
		Prices:    prices(t),
	}
}

func testAdapter(query string, proxy keys.ProviderProxy) provider.Adapter {
	return testprovider.New(provider.Options{RestOfPath: "chat/completions", RawQuery: query, Proxy: proxy})
}

func TestDispatch_TestProviderSuccess(t *testing.T) {
	proxy := keys.ProviderProxy{Key: "test", ProviderID: "test", InjectCost: true}
	req := newRequest(t, testAdapter("", proxy), proxy, `{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`)

	res, err := provider.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s, ok := res.(*provider.Success)
	if !ok {
		t.Fatalf("Expected *Success, got %T", res)
	}
	if s.Status != 200 || s.ResponseModel != "gpt-5" {
		t.Errorf("Unexpected success %d %s", s.Status, s.ResponseModel)
	}
	if got := s.Header.Get(provider.PriceHeader); got != "0.0180USD" {
		t.Errorf("Expected price header 0.0180USD, got %q", got)
	}
	if s.Header.Get(testprovider.ResponseHeader) != "test" {
		t.Errorf("Expected test response header")
	}
	if !strings.Contains(string(s.Body), "request URL: https://test.invalid/v1/chat/completions") {
		t.Errorf("Expected request URL in body, got %s", s.Body)
	}
	obj, _ := jsonutil.DecodeObject(s.Body)
	if jsonutil.Path(obj, "usage", "pydantic_ai_gateway", "cost_estimate") == nil {
		t.Errorf("Expected injected cost estimate, got %s", s.Body)
	}
	if s.Usage.InputTokens != 4560 || s.Usage.OutputTokens != 1230 {
		t.Errorf("Unexpected usage %+v", s.Usage)
	}
}

func TestDispatch_UnexpectedStatus(t *testing.T) {
	proxy := keys.ProviderProxy{Key: "test", ProviderID: "test"}
	req := newRequest(t, testAdapter("status=503", proxy), proxy, `{"model":"gpt-5"}`)

	res, err := provider.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	u, ok := res.(*provider.Unexpected)
	if !ok {
		t.Fatalf("Expected *Unexpected, got %T", res)
	}
	if u.Status != 503 || !u.Retryable() {
		t.Errorf("Expected retryable 503, got %d", u.Status)
	}
	if (&provider.Unexpected{Status: 400}).Retryable() {
		t.Errorf("Expected 400 to be final")
	}
}

func TestDispatch_PreflightModelNotFound(t *testing.T) {
	proxy := keys.ProviderProxy{Key: "test", ProviderID: "test"}
	req := newRequest(t, testAdapter("", proxy), proxy, `{"model":"not-a-real-model"}`)

	res, _ := provider.Dispatch(context.Background(), req)
	if mnf, ok := res.(*provider.ModelNotFound); !ok || mnf.RequestModel != "not-a-real-model" {
		t.Fatalf("Expected *ModelNotFound, got %#v", res)
	}

	off := false
	proxy.DisableKey = &off
	req = newRequest(t, testAdapter("", proxy), proxy, `{"model":"not-a-real-model"}`)
	res, _ = provider.Dispatch(context.Background(), req)
	if _, ok := res.(*provider.Success); !ok {
		t.Errorf("Expected no pre-flight check with disable_key off, got %T", res)
	}
}

func TestDispatch_UnpricedResponseDisablesKey(t *testing.T) {
	var gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("openai-organization", "org-123")
		_, _ = io.WriteString(w, `{"id":"x","model":"mystery-model","usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	}))
	defer srv.Close()

	proxy := keys.ProviderProxy{Key: "oa", ProviderID: "openai", BaseURL: srv.URL, Credentials: "sk-upstream"}
	a := openai.New(provider.Options{RestOfPath: "chat/completions", Proxy: proxy})
	res, err := provider.Dispatch(context.Background(), newRequest(t, a, proxy, `{"model":"gpt-5"}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	e, ok := res.(*provider.ErrorResult)
	if !ok {
		t.Fatalf("Expected *ErrorResult, got %T", res)
	}
	if e.Err != "Unable to calculate spend" || !e.DisableKey {
		t.Errorf("Unexpected error result %+v", e)
	}
	if gotAuth != "Bearer sk-upstream" {
		t.Errorf("Expected upstream credentials, got %q", gotAuth)
	}
	if !strings.Contains(gotUA, "via AI Gateway") {
		t.Errorf("Expected gateway user agent, got %q", gotUA)
	}
}

func TestDispatch_MissingResponseModelDisablesKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","usage":{"prompt_tokens":10,"completion_tokens":5}}`)
	}))
	defer srv.Close()

	proxy := keys.ProviderProxy{Key: "oa", ProviderID: "openai", BaseURL: srv.URL}
	a := openai.New(provider.Options{RestOfPath: "chat/completions", Proxy: proxy})
	res, err := provider.Dispatch(context.Background(), newRequest(t, a, proxy, `{"model":"gpt-4o-mini"}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	e, ok := res.(*provider.ErrorResult)
	if !ok {
		t.Fatalf("Expected *ErrorResult, got %T", res)
	}
	if e.Err != "Unable to infer response model" || !e.DisableKey {
		t.Errorf("Unexpected error result %+v", e)
	}
}

func TestDispatch_StreamMissingResponseModelDisablesKey(t *testing.T) {
	upstream := "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"choices\":[],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":5}}\n\n" +
		"data: [DONE]\n\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, upstream)
	}))
	defer srv.Close()

	proxy := keys.ProviderProxy{Key: "oa", ProviderID: "openai", BaseURL: srv.URL}
	a := openai.New(provider.Options{RestOfPath: "chat/completions", Proxy: proxy})
	res, err := provider.Dispatch(context.Background(), newRequest(t, a, proxy, `{"model":"gpt-4o-mini","stream":true}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s, ok := res.(*provider.Stream)
	if !ok {
		t.Fatalf("Expected *Stream, got %T", res)
	}
	_, _ = io.ReadAll(s.Body)
	_ = s.Body.Close()

	out := <-s.Done
	if out.Err == nil || !out.DisableKey {
		t.Errorf("Expected unpriced stream to disable the key, got %+v", out)
	}
	if out.ResponseModel != "" {
		t.Errorf("Expected no response model, got %q", out.ResponseModel)
	}
}

func TestDispatch_WhitelistedSkipsPriceCheck(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"input_tokens":12}`)
	}))
	defer srv.Close()

	proxy := keys.ProviderProxy{Key: "ant", ProviderID: "anthropic", BaseURL: srv.URL, Credentials: "sk-ant"}
	a := anthropic.New(provider.Options{RestOfPath: "v1/messages/count_tokens", Proxy: proxy})
	res, err := provider.Dispatch(context.Background(), newRequest(t, a, proxy, `{"model":"claude-unpriced-9","messages":[]}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	p, ok := res.(*provider.Passthrough)
	if !ok {
		t.Fatalf("Expected *Passthrough, got %T", res)
	}
	defer p.Response.Body.Close()
	if path != "/v1/messages/count_tokens" {
		t.Errorf("Expected count_tokens upstream, got %q", path)
	}
	if b, _ := io.ReadAll(p.Response.Body); string(b) != `{"input_tokens":12}` {
		t.Errorf("Expected upstream body, got %s", b)
	}
}

func TestDispatch_SSEStream(t *testing.T) {
	chunks := []string{
		`{"id":"c1","model":"gpt-4o-mini","choices":[{"delta":{"content":"Hel"}}]}`,
		`{"id":"c1","model":"gpt-4o-mini","choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		`{"id":"c1","model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":1000000,"completion_tokens":1000000}}`,
	}
	var upstream strings.Builder
	for _, c := range chunks {
		upstream.WriteString("data: " + c + "\n\n")
	}
	upstream.WriteString("data: [DONE]\n\n")

	var sentBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		sentBody = string(b)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, upstream.String())
	}))
	defer srv.Close()

	proxy := keys.ProviderProxy{Key: "oa", ProviderID: "openai", BaseURL: srv.URL}
	a := openai.New(provider.Options{RestOfPath: "chat/completions", Proxy: proxy})
	res, err := provider.Dispatch(context.Background(), newRequest(t, a, proxy, `{"model":"gpt-4o-mini","stream":true}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s, ok := res.(*provider.Stream)
	if !ok {
		t.Fatalf("Expected *Stream, got %T", res)
	}
	if !strings.Contains(sentBody, `"include_usage":true`) {
		t.Errorf("Expected include_usage forced on, sent %s", sentBody)
	}

	got, _ := io.ReadAll(s.Body)
	_ = s.Body.Close()
	if string(got) != upstream.String() {
		t.Errorf("Expected client to receive upstream bytes unchanged")
	}

	out := <-s.Done
	if out.Err != nil {
		t.Fatalf("Expected priced stream, got %v", out.Err)
	}
	// gpt-4o-mini: 0.15 + 0.6 per million
	if out.Cost < 0.7499 || out.Cost > 0.7501 {
		t.Errorf("Expected cost 0.75, got %v", out.Cost)
	}
	if out.ResponseModel != "gpt-4o-mini" {
		t.Errorf("Expected response model, got %q", out.ResponseModel)
	}
}

func TestDispatch_IncludeUsageDisabled(t *testing.T) {
	proxy := keys.ProviderProxy{Key: "oa", ProviderID: "openai", BaseURL: "http://127.0.0.1:1"}
	a := openai.New(provider.Options{RestOfPath: "chat/completions", Proxy: proxy})
	res, _ := provider.Dispatch(context.Background(), newRequest(t, a, proxy,
		`{"model":"gpt-5","stream":true,"stream_options":{"include_usage":false}}`))
	e, ok := res.(*provider.ErrorResult)
	if !ok || e.Err != provider.ErrIncludeUsage.Error() || e.DisableKey {
		t.Errorf("Expected include_usage error, got %#v", res)
	}
}

func TestDispatch_EventStream(t *testing.T) {
	frame := func(eventType, payload string) []byte {
		m := &streaming.Message{
			Headers: []streaming.Header{
				{Name: ":event-type", Type: streaming.HeaderString, Value: eventType},
				{Name: ":message-type", Type: streaming.HeaderString, Value: "event"},
			},
			Payload: []byte(payload),
		}
		b, err := m.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		return b
	}
	var upstream []byte
	upstream = append(upstream, frame("contentBlockDelta", `{"contentBlockIndex":0,"delta":{"text":"hi"}}`)...)
	upstream = append(upstream, frame("messageStop", `{"stopReason":"end_turn"}`)...)
	upstream = append(upstream, frame("metadata", `{"usage":{"inputTokens":1000000,"outputTokens":1000000,"totalTokens":2000000}}`)...)

	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", streaming.EventStreamCType)
		_, _ = w.Write(upstream)
	}))
	defer srv.Close()

	proxy := keys.ProviderProxy{Key: "br", ProviderID: "bedrock", BaseURL: srv.URL}
	a := bedrock.New(provider.Options{RestOfPath: "model/amazon.nova-lite-v1:0/converse-stream", Proxy: proxy})
	res, err := provider.Dispatch(context.Background(), newRequest(t, a, proxy, `{"messages":[]}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s, ok := res.(*provider.Stream)
	if !ok {
		t.Fatalf("Expected *Stream, got %T", res)
	}
	got, _ := io.ReadAll(s.Body)
	_ = s.Body.Close()
	if len(got) != len(upstream) {
		t.Errorf("Expected raw event stream passed through, got %d bytes", len(got))
	}
	out := <-s.Done
	if out.Err != nil {
		t.Fatalf("Expected priced stream, got %v", out.Err)
	}
	// nova-lite: 0.06 + 0.24 per million
	if out.Cost < 0.2999 || out.Cost > 0.3001 {
		t.Errorf("Expected cost 0.30, got %v", out.Cost)
	}
	if path != "/model/amazon.nova-lite-v1:0/converse-stream" {
		t.Errorf("Unexpected upstream path %q", path)
	}
}

func TestRegistry(t *testing.T) {
	r := provider.Registry{}
	r.Register("test", testprovider.New)
	r.Register("openai", openai.New)
	if ids := r.IDs(); len(ids) != 2 || ids[0] != "openai" || ids[1] != "test" {
		t.Errorf("Expected sorted ids, got %v", ids)
	}
	if _, err := r.New("nope", provider.Options{}); err == nil {
		t.Errorf("Expected error for unknown provider")
	}
}
