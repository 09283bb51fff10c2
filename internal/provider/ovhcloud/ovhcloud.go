// Package ovhcloud adapts OVHcloud AI Endpoints, an OpenAI compatible API
// for chat completions and embeddings.
package ovhcloud

import (
	"github.com/vnmchuo/ai-gateway/internal/modelapi"
	"github.com/vnmchuo/ai-gateway/internal/provider"
)

const DefaultBaseURL = "https://oai.endpoints.kepler.ai.cloud.ovh.net/v1"

type Adapter struct {
	provider.Base
}

func New(opts provider.Options) provider.Adapter {
	return &Adapter{Base: provider.Base{Options: opts, DefaultBaseURL: DefaultBaseURL}}
}

func (a *Adapter) ModelAPI(body provider.Body) (modelapi.API, error) {
	if a.RestOfPath == "embeddings" {
		return modelapi.New(modelapi.FlavorEmbeddings, a.RequestModel(body))
	}
	return modelapi.New(modelapi.FlavorChat, a.RequestModel(body))
}

func (a *Adapter) PrepareBody(body provider.Body) (provider.Body, error) {
	if a.RestOfPath != "chat/completions" {
		return body, nil
	}
	return provider.ForceIncludeUsage(body)
}
