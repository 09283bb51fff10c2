// Package huggingface adapts the Hugging Face inference router. The router
// forwards to third party inference providers, which set the price.
package huggingface

import (
	"net/http"
	"strings"

	"github.com/vnmchuo/ai-gateway/internal/modelapi"
	"github.com/vnmchuo/ai-gateway/internal/provider"
)

const (
	DefaultBaseURL = "https://router.huggingface.co/v1"

	// InferenceProviderHeader names the provider that served a routed request.
	InferenceProviderHeader = "x-inference-provider"
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

// UsageProvider prices by the inference provider that actually served the
// request when the router reports it.
func (a *Adapter) UsageProvider(h http.Header) string {
	if p := strings.TrimSpace(h.Get(InferenceProviderHeader)); p != "" {
		return strings.ToLower(p)
	}
	return a.Proxy.ProviderID
}

// PreflightExempt is true: the serving provider, and so the price, is only
// known once the response arrives.
func (a *Adapter) PreflightExempt() bool { return true }
