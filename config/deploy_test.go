package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleDeployment = `
providers:
  - key: openai-main
    provider_id: openai
    base_url: https://api.openai.com/v1
    credentials: ${TEST_OPENAI_KEY}
    inject_cost: true
  - key: groq
    provider_id: groq
    credentials: gsk-test
    disable_key: false
projects:
  - id: 1
    name: Research
    limits:
      daily: 10
      weekly: 50
    users:
      - id: 7
        name: Ada
        limits:
          monthly: 20
    otel:
      base_url: https://collector.example.com
      write_token: secret
api_keys:
  - id: 100
    key: gw_research
    project: 1
    user: 7
    expires: "2030-01-01T00:00:00Z"
    limits:
      total: 100
    providers: [openai-main, groq]
    routing_groups:
      - name: fast
        entries:
          - key: groq
            priority: 10
          - key: openai-main
            weight: 2
  - id: 101
    key: gw_all
    project: 1
    providers: [__all__]
`

func writeDeployment(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deploy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadDeployment(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	d, err := LoadDeployment(writeDeployment(t, sampleDeployment))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(d.Providers) != 2 || len(d.Projects) != 1 || len(d.APIKeys) != 2 {
		t.Fatalf("Unexpected counts: %d providers, %d projects, %d keys", len(d.Providers), len(d.Projects), len(d.APIKeys))
	}

	p, ok := d.Provider("openai-main")
	if !ok {
		t.Fatal("Expected provider openai-main")
	}
	if p.Credentials != "sk-from-env" {
		t.Errorf("Expected credentials from env, got %q", p.Credentials)
	}
	if !p.InjectCost || p.DisableKey != nil {
		t.Errorf("Unexpected flags %+v", p)
	}
	if g, _ := d.Provider("groq"); g.DisableKey == nil || *g.DisableKey {
		t.Errorf("Expected disable_key false on groq")
	}

	k := d.APIKeys[0]
	if k.User == nil || *k.User != 7 {
		t.Errorf("Expected user 7, got %v", k.User)
	}
	if k.Expires == nil || !k.Expires.Equal(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected expiry 2030-01-01, got %v", k.Expires)
	}
	if k.Limits.Total == nil || *k.Limits.Total != 100 {
		t.Errorf("Expected total limit 100, got %v", k.Limits.Total)
	}
	if len(k.RoutingGroups) != 1 || k.RoutingGroups[0].Name != "fast" {
		t.Fatalf("Expected routing group fast, got %+v", k.RoutingGroups)
	}
	entries := k.RoutingGroups[0].Entries
	if entries[0].Priority == nil || *entries[0].Priority != 10 || entries[0].Weight != nil {
		t.Errorf("Unexpected first entry %+v", entries[0])
	}
	if entries[1].Weight == nil || *entries[1].Weight != 2 || entries[1].Priority != nil {
		t.Errorf("Unexpected second entry %+v", entries[1])
	}

	u, proj, ok := d.User(7)
	if !ok || u.Name != "Ada" || proj.ID != 1 {
		t.Errorf("Expected user Ada in project 1, got %+v %+v", u, proj)
	}
	if proj.Otel == nil || proj.Otel.WriteToken != "secret" {
		t.Errorf("Expected otel settings, got %+v", proj.Otel)
	}
}

func TestLoadDeployment_MissingFile(t *testing.T) {
	_, err := LoadDeployment(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestDeploymentValidate(t *testing.T) {
	user := int64(9)
	tests := []struct {
		name string
		d    Deployment
		want string
	}{
		{
			name: "duplicate provider",
			d: Deployment{Providers: []ProviderConfig{
				{Key: "a", ProviderID: "openai"}, {Key: "a", ProviderID: "groq"},
			}},
			want: `duplicate provider key "a"`,
		},
		{
			name: "unknown project",
			d:    Deployment{APIKeys: []APIKeyConfig{{ID: 1, Key: "k", Project: 4}}},
			want: "unknown project 4",
		},
		{
			name: "unknown user",
			d: Deployment{
				Projects: []ProjectConfig{{ID: 1}},
				APIKeys:  []APIKeyConfig{{ID: 1, Key: "k", Project: 1, User: &user}},
			},
			want: "unknown user 9",
		},
		{
			name: "unknown provider",
			d: Deployment{
				Projects: []ProjectConfig{{ID: 1}},
				APIKeys:  []APIKeyConfig{{ID: 1, Key: "k", Project: 1, Providers: []string{"nope"}}},
			},
			want: `unknown provider "nope"`,
		},
		{
			name: "project total",
			d: Deployment{Projects: []ProjectConfig{{ID: 1, Limits: LimitsConfig{Total: new(float64)}}}},
			want: "total limits only apply to keys",
		},
		{
			name: "duplicate key",
			d: Deployment{
				Projects: []ProjectConfig{{ID: 1}},
				APIKeys:  []APIKeyConfig{{ID: 1, Key: "a", Project: 1}, {ID: 1, Key: "b", Project: 1}},
			},
			want: "duplicate api key id 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_RequiresPostgres(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "POSTGRES_DSN") {
		t.Errorf("Expected POSTGRES_DSN error, got %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/gateway")
	t.Setenv("RATE_LIMIT_RPM", "30")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RateLimitRPM != 30 {
		t.Errorf("Expected RPM 30, got %d", cfg.RateLimitRPM)
	}
	if cfg.KVVersion == "" || cfg.KeyPrefix == "" {
		t.Errorf("Expected defaults for KV version and key prefix, got %+v", cfg)
	}
}
