package azure

import (
	"net/http"
	"testing"

	"github.com/vnmchuo/ai-gateway/internal/keys"
	"github.com/vnmchuo/ai-gateway/internal/modelapi"
	"github.com/vnmchuo/ai-gateway/internal/provider"
)

func TestNew(t *testing.T) {
	proxy := keys.ProviderProxy{ProviderID: "azure", BaseURL: "https://res.services.ai.azure.com/", Credentials: "k"}

	tests := []struct {
		path      string
		wantURL   string
		wantUsage string
		wantAPI   modelapi.Flavor
	}{
		{"v1/messages", "https://res.services.ai.azure.com/anthropic/v1/messages", "anthropic", modelapi.FlavorAnthropic},
		{"chat/completions", "https://res.services.ai.azure.com/openai/v1/chat/completions", "openai", modelapi.FlavorChat},
		{"responses", "https://res.services.ai.azure.com/openai/v1/responses", "openai", modelapi.FlavorResponses},
	}
	for _, tt := range tests {
		a := New(provider.Options{RestOfPath: tt.path, Proxy: proxy})
		if got, _ := a.URL(provider.Body{}, "gpt-5"); got != tt.wantURL {
			t.Errorf("%s: expected URL %q, got %q", tt.path, tt.wantURL, got)
		}
		if got := a.UsageProvider(http.Header{}); got != tt.wantUsage {
			t.Errorf("%s: expected usage provider %q, got %q", tt.path, tt.wantUsage, got)
		}
		api, err := a.ModelAPI(provider.Body{})
		if err != nil || api.Flavor() != tt.wantAPI {
			t.Errorf("%s: expected %v, got %v (%v)", tt.path, tt.wantAPI, api, err)
		}
		if a.ProviderID() != "azure" {
			t.Errorf("Expected provider id azure, got %q", a.ProviderID())
		}
	}
}
