// Package bedrock adapts Amazon Bedrock runtime: the Converse API, model
// invocation, and Anthropic Messages requests rewritten to invocation.
// Streaming responses arrive as AWS event streams.
package bedrock

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
	"github.com/vnmchuo/ai-gateway/internal/modelapi"
	"github.com/vnmchuo/ai-gateway/internal/provider"
)

const (
	DefaultBaseURL = "https://bedrock-runtime.us-east-1.amazonaws.com"

	// AnthropicVersion is the Messages API version Bedrock accepts.
	AnthropicVersion = "bedrock-2023-05-31"

	messagesPath = "v1/messages"
)

var modelPath = regexp.MustCompile(`model/(.+?)/(converse|invoke)`)

type Adapter struct {
	provider.Base
}

func New(opts provider.Options) provider.Adapter {
	return &Adapter{Base: provider.Base{Options: opts, DefaultBaseURL: DefaultBaseURL}}
}

func (a *Adapter) RequestModel(body provider.Body) string {
	if a.RestOfPath == messagesPath {
		return body.Model()
	}
	m := modelPath.FindStringSubmatch(a.RestOfPath)
	if m == nil {
		return ""
	}
	if model, err := url.PathUnescape(m[1]); err == nil {
		return model
	}
	return m[1]
}

func (a *Adapter) ModelAPI(body provider.Body) (modelapi.API, error) {
	model := a.RequestModel(body)
	if a.RestOfPath == messagesPath || IsAnthropic(model) {
		return modelapi.New(modelapi.FlavorAnthropic, model)
	}
	return modelapi.New(modelapi.FlavorConverse, model)
}

// IsAnthropic reports whether a Bedrock model id, or cross-region inference
// profile id, names an Anthropic model.
func IsAnthropic(model string) bool {
	return strings.HasPrefix(model, "anthropic.") || strings.Contains(model, ".anthropic.")
}

// URL rewrites v1/messages to the model's invoke endpoint.
func (a *Adapter) URL(body provider.Body, requestModel string) (string, error) {
	if a.RestOfPath != messagesPath || requestModel == "" {
		return a.Base.URL(body, requestModel)
	}
	action := "invoke"
	if body.Stream() {
		action = "invoke-with-response-stream"
	}
	return a.WithQuery(a.BaseURL() + "/model/" + url.PathEscape(requestModel) + "/" + action), nil
}

// PrepareBody turns an Anthropic Messages body into an invoke body: the
// model and stream flag move to the URL.
func (a *Adapter) PrepareBody(body provider.Body) (provider.Body, error) {
	if a.RestOfPath != messagesPath {
		return body, nil
	}
	data := make(jsonutil.Object, len(body.Data))
	for k, v := range body.Data {
		if k == "model" || k == "stream" {
			continue
		}
		data[k] = v
	}
	if _, ok := data["anthropic_version"]; !ok {
		data["anthropic_version"] = AnthropicVersion
	}
	return body.WithData(data)
}
