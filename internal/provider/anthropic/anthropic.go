// Package anthropic adapts the Anthropic Messages API and its OpenAI
// compatible chat completions endpoint.
package anthropic

import (
	"context"
	"net/http"

	"github.com/vnmchuo/ai-gateway/internal/modelapi"
	"github.com/vnmchuo/ai-gateway/internal/provider"
)

const (
	DefaultBaseURL = "https://api.anthropic.com"
	DefaultVersion = "2023-06-01"

	chatPath        = "v1/chat/completions"
	countTokensPath = "v1/messages/count_tokens"
)

type Adapter struct {
	provider.Base
}

func New(opts provider.Options) provider.Adapter {
	return &Adapter{Base: provider.Base{Options: opts, DefaultBaseURL: DefaultBaseURL}}
}

func (a *Adapter) ModelAPI(body provider.Body) (modelapi.API, error) {
	if a.RestOfPath == chatPath {
		return modelapi.New(modelapi.FlavorChat, a.RequestModel(body))
	}
	return modelapi.New(modelapi.FlavorAnthropic, a.RequestModel(body))
}

func (a *Adapter) Authenticate(_ context.Context, h http.Header) error {
	if a.RestOfPath == chatPath {
		h.Set("Authorization", "Bearer "+a.Proxy.Credentials)
		return nil
	}
	h.Set("x-api-key", a.Proxy.Credentials)
	if h.Get("anthropic-version") == "" {
		h.Set("anthropic-version", DefaultVersion)
	}
	return nil
}

func (a *Adapter) FilterResponseHeaders(h http.Header) {
	h.Del("anthropic-organization-id")
}

// IsWhitelistedEndpoint lets token counting through unbilled.
func (a *Adapter) IsWhitelistedEndpoint() bool {
	return a.RestOfPath == countTokensPath
}
