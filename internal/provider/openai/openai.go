// Package openai adapts the OpenAI API: chat completions, responses and
// embeddings.
package openai

import (
	"net/http"

	"github.com/vnmchuo/ai-gateway/internal/modelapi"
	"github.com/vnmchuo/ai-gateway/internal/provider"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Adapter struct {
	provider.Base
}

func New(opts provider.Options) provider.Adapter {
	return &Adapter{Base: provider.Base{Options: opts, DefaultBaseURL: DefaultBaseURL}}
}

// Flavor picks the model API from the request path.
func Flavor(restOfPath string) modelapi.Flavor {
	switch restOfPath {
	case "embeddings":
		return modelapi.FlavorEmbeddings
	case "responses":
		return modelapi.FlavorResponses
	default:
		return modelapi.FlavorChat
	}
}

func (a *Adapter) ModelAPI(body provider.Body) (modelapi.API, error) {
	return modelapi.New(Flavor(a.RestOfPath), a.RequestModel(body))
}

// PrepareBody forces usage reporting on streamed chat completions.
func (a *Adapter) PrepareBody(body provider.Body) (provider.Body, error) {
	if a.RestOfPath != "chat/completions" {
		return body, nil
	}
	return provider.ForceIncludeUsage(body)
}

func (a *Adapter) FilterResponseHeaders(h http.Header) {
	h.Del("openai-organization")
	h.Del("openai-project")
}
