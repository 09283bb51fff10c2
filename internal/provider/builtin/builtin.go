// Package builtin registers the adapters shipped with the gateway.
package builtin

import (
	"github.com/vnmchuo/ai-gateway/internal/provider"
	"github.com/vnmchuo/ai-gateway/internal/provider/anthropic"
	"github.com/vnmchuo/ai-gateway/internal/provider/azure"
	"github.com/vnmchuo/ai-gateway/internal/provider/bedrock"
	"github.com/vnmchuo/ai-gateway/internal/provider/google"
	"github.com/vnmchuo/ai-gateway/internal/provider/groq"
	"github.com/vnmchuo/ai-gateway/internal/provider/huggingface"
	"github.com/vnmchuo/ai-gateway/internal/provider/openai"
	"github.com/vnmchuo/ai-gateway/internal/provider/ovhcloud"
	"github.com/vnmchuo/ai-gateway/internal/provider/testprovider"
)

// Registry returns a registry holding every built-in adapter.
func Registry() provider.Registry {
	r := provider.Registry{}
	r.Register("openai", openai.New)
	r.Register("anthropic", anthropic.New)
	r.Register("google-vertex", google.New)
	r.Register("groq", groq.New)
	r.Register("bedrock", bedrock.New)
	r.Register("huggingface", huggingface.New)
	r.Register("ovhcloud", ovhcloud.New)
	r.Register("azure", azure.New)
	r.Register("test", testprovider.New)
	return r
}
