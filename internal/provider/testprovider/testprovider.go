// Package testprovider is a provider that answers locally with a fixed chat
// completion. It exercises the whole gateway without an upstream.
//
// Query parameters: sleep delays the answer by that many milliseconds;
// status makes it answer with that status instead.
package testprovider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
	"github.com/vnmchuo/ai-gateway/internal/modelapi"
	"github.com/vnmchuo/ai-gateway/internal/provider"
)

const (
	DefaultBaseURL = "https://test.invalid/v1"

	// ResponseHeader is set on every answer.
	ResponseHeader = "pydantic-ai-gateway"
)

type Adapter struct {
	provider.Base
}

func New(opts provider.Options) provider.Adapter {
	return &Adapter{Base: provider.Base{Options: opts, DefaultBaseURL: DefaultBaseURL}}
}

func (a *Adapter) ModelAPI(body provider.Body) (modelapi.API, error) {
	return modelapi.New(modelapi.FlavorChat, a.RequestModel(body))
}

// UsageProvider is openai: the answer claims to come from gpt-5.
func (a *Adapter) UsageProvider(http.Header) string { return "openai" }

func (a *Adapter) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	q := req.URL.Query()
	var sleep time.Duration
	if s := q.Get("sleep"); s != "" {
		ms, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid sleep %q: %w", s, err)
		}
		sleep = time.Duration(ms) * time.Millisecond
	}
	if sleep > 0 {
		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(ResponseHeader, "test")

	if s := q.Get("status"); s != "" {
		status, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid status %q: %w", s, err)
		}
		if status != http.StatusOK {
			body := fmt.Sprintf(`{"error":{"message":"test status %d"}}`, status)
			return response(req, status, header, []byte(body)), nil
		}
	}

	body, err := jsonutil.Marshal(completion(req.URL.String(), time.Now()))
	if err != nil {
		return nil, err
	}
	return response(req, http.StatusOK, header, append(body, '\n')), nil
}

func response(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func completion(url string, now time.Time) map[string]any {
	return map[string]any{
		"id":                 "chatcmpl-test",
		"object":             "chat.completion",
		"created":            now.Unix(),
		"model":              "gpt-5",
		"service_tier":       "default",
		"system_fingerprint": nil,
		"choices": []any{
			map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":        "assistant",
					"content":     "request URL: " + url,
					"refusal":     nil,
					"annotations": []any{},
				},
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     4560,
			"completion_tokens": 1230,
			"total_tokens":      5790,
			"prompt_tokens_details": map[string]any{
				"audio_tokens":  0,
				"cached_tokens": 0,
			},
			"completion_tokens_details": map[string]any{
				"accepted_prediction_tokens": 0,
				"audio_tokens":               0,
				"reasoning_tokens":           0,
				"rejected_prediction_tokens": 0,
			},
		},
	}
}
