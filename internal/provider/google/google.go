// Package google adapts Vertex AI: Gemini models through the native
// generateContent API and Anthropic models through rawPredict, including
// Anthropic Messages requests rewritten to Vertex paths.
package google

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
	"github.com/vnmchuo/ai-gateway/internal/modelapi"
	"github.com/vnmchuo/ai-gateway/internal/provider"
)

const (
	// UsageProvider is the price table provider for Vertex.
	UsageProvider = "google"

	// AnthropicVersion is the Messages API version Vertex accepts.
	AnthropicVersion = "vertex-2023-10-16"

	messagesPath = "v1/messages"
)

var (
	vertexPath = regexp.MustCompile(`^/?(?:(v\d+(?:beta\d*)?)/)?(?:projects/[^/]+/locations/[^/]+/)?(?:publishers/([^/]+)/)?models/(.+):(.*)$`)
	regionHost = regexp.MustCompile(`https://([a-z0-9-]+)-aiplatform\.googleapis\.com`)
)

// PathInfo is a Vertex model path broken into its parts.
type PathInfo struct {
	Version   string
	Publisher string
	Model     string
	Action    string
}

// ParsePath decomposes a Vertex model path. Version defaults to v1 and
// publisher to google.
func ParsePath(p string) (PathInfo, bool) {
	m := vertexPath.FindStringSubmatch(p)
	if m == nil {
		return PathInfo{}, false
	}
	info := PathInfo{Version: m[1], Publisher: m[2], Model: m[3], Action: m[4]}
	if info.Version == "" {
		info.Version = "v1"
	}
	if info.Publisher == "" {
		info.Publisher = "google"
	}
	if model, err := url.PathUnescape(info.Model); err == nil {
		info.Model = model
	}
	return info, true
}

// RegionFromURL extracts the region of a regional Vertex endpoint.
func RegionFromURL(u string) string {
	m := regionHost.FindStringSubmatch(u)
	if m == nil {
		return ""
	}
	return m[1]
}

type Adapter struct {
	provider.Base
	Tokens *TokenSource

	projectID string
	region    string
}

func New(opts provider.Options) provider.Adapter {
	a := &Adapter{
		Base:   provider.Base{Options: opts},
		Tokens: &TokenSource{Cache: opts.Cache, Client: opts.Client},
		region: RegionFromURL(opts.Proxy.BaseURL),
	}
	// invalid credentials surface from Authenticate
	if sa, err := ParseServiceAccount(opts.Proxy.Credentials); err == nil {
		a.projectID = sa.ProjectID
	}
	return a
}

func (a *Adapter) UsageProvider(http.Header) string { return UsageProvider }

func (a *Adapter) RequestModel(body provider.Body) string {
	if a.RestOfPath == messagesPath {
		return body.Model()
	}
	if info, ok := ParsePath(a.RestOfPath); ok {
		return info.Model
	}
	return ""
}

func (a *Adapter) ModelAPI(body provider.Body) (modelapi.API, error) {
	model := a.RequestModel(body)
	if a.RestOfPath == messagesPath {
		return modelapi.New(modelapi.FlavorAnthropic, model)
	}
	if info, ok := ParsePath(a.RestOfPath); ok && info.Publisher == "anthropic" {
		return modelapi.New(modelapi.FlavorAnthropic, model)
	}
	return modelapi.New(modelapi.FlavorGoogle, model)
}

func (a *Adapter) Authenticate(ctx context.Context, h http.Header) error {
	token, err := a.Tokens.Token(ctx, a.Proxy.Credentials)
	if err != nil {
		return err
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}

// URL rebuilds the path against the project and region. Without both the
// path is forwarded unchanged.
func (a *Adapter) URL(body provider.Body, requestModel string) (string, error) {
	if a.projectID == "" || a.region == "" {
		return a.Base.URL(body, requestModel)
	}
	path := a.vertexPath(body, requestModel)
	return a.WithQuery(a.BaseURL() + "/" + strings.TrimLeft(path, "/")), nil
}

func (a *Adapter) vertexPath(body provider.Body, requestModel string) string {
	location := "projects/" + a.projectID + "/locations/" + a.region
	if a.RestOfPath == messagesPath && requestModel != "" {
		action := "rawPredict"
		if body.Stream() {
			action = "streamRawPredict"
		}
		return "v1/" + location + "/publishers/anthropic/models/" + requestModel + ":" + action
	}
	if info, ok := ParsePath(a.RestOfPath); ok && info.Model != "" && info.Action != "" {
		return info.Version + "/" + location + "/publishers/" + info.Publisher + "/models/" + info.Model + ":" + info.Action
	}
	return a.RestOfPath
}

// PrepareBody moves an Anthropic Messages body to the form rawPredict
// accepts: the model lives in the URL.
func (a *Adapter) PrepareBody(body provider.Body) (provider.Body, error) {
	if a.RestOfPath != messagesPath {
		return body, nil
	}
	data := make(jsonutil.Object, len(body.Data))
	for k, v := range body.Data {
		if k != "model" {
			data[k] = v
		}
	}
	if _, ok := data["anthropic_version"]; !ok {
		data["anthropic_version"] = AnthropicVersion
	}
	return body.WithData(data)
}
