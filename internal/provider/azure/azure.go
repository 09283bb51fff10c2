// Package azure routes Azure AI Foundry requests to the Anthropic or OpenAI
// adapter, depending on the API the client speaks.
package azure

import (
	"net/http"
	"strings"

	"github.com/vnmchuo/ai-gateway/internal/provider"
	"github.com/vnmchuo/ai-gateway/internal/provider/anthropic"
	"github.com/vnmchuo/ai-gateway/internal/provider/openai"
)

// Adapter delegates to the adapter for the API in use and prices with that
// API's provider.
type Adapter struct {
	provider.Adapter
	usageProvider string
}

// New returns an Anthropic backed adapter for v1/messages paths and an
// OpenAI backed one otherwise. Only the base URL is rewritten; the path
// still selects the model API.
func New(opts provider.Options) provider.Adapter {
	base := strings.TrimRight(opts.Proxy.BaseURL, "/")
	if strings.HasPrefix(opts.RestOfPath, "v1/messages") {
		opts.Proxy.BaseURL = base + "/anthropic"
		return &Adapter{Adapter: anthropic.New(opts), usageProvider: "anthropic"}
	}
	opts.Proxy.BaseURL = base + "/openai/v1"
	return &Adapter{Adapter: openai.New(opts), usageProvider: "openai"}
}

func (a *Adapter) UsageProvider(http.Header) string { return a.usageProvider }
