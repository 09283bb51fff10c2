// Package groq adapts Groq's OpenAI compatible chat completions API.
package groq

import (
	"github.com/vnmchuo/ai-gateway/internal/modelapi"
	"github.com/vnmchuo/ai-gateway/internal/provider"
)

const DefaultBaseURL = "https://api.groq.com/openai/v1"

type Adapter struct {
	provider.Base
}

func New(opts provider.Options) provider.Adapter {
	return &Adapter{Base: provider.Base{Options: opts, DefaultBaseURL: DefaultBaseURL}}
}

func (a *Adapter) ModelAPI(body provider.Body) (modelapi.API, error) {
	return modelapi.New(modelapi.FlavorChat, a.RequestModel(body))
}
