package status

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vnmchuo/ai-gateway/config"
	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
	"github.com/vnmchuo/ai-gateway/internal/limits"
)

func f(v float64) *float64 { return &v }

func deployment() *config.Deployment {
	return &config.Deployment{
		Projects: []config.ProjectConfig{{
			ID:     1,
			Name:   "research",
			Limits: config.LimitsConfig{Monthly: f(100)},
			Users:  []config.UserConfig{{ID: 11, Name: "ada", Limits: config.LimitsConfig{Daily: f(5)}}},
		}},
		APIKeys: []config.APIKeyConfig{{
			ID:      21,
			Key:     "gw_abcdefghijkl",
			Project: 1,
			Limits:  config.LimitsConfig{Total: f(50)},
		}},
	}
}

func get(h http.Handler, auth string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	if auth != "" {
		r.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHandler_Auth(t *testing.T) {
	store := limits.NewMemoryStore()

	w := get(NewHandler(deployment(), store, "Change-Me!"), "Bearer Change-Me!")
	if w.Code != http.StatusInternalServerError || !strings.HasPrefix(w.Body.String(), "Default Password Detected") {
		t.Errorf("Expected default password refusal, got %d %q", w.Code, w.Body.String())
	}

	h := NewHandler(deployment(), store, "s3cret")
	tests := []struct {
		header string
		status int
		body   string
	}{
		{"", http.StatusUnauthorized, `Unauthorized - Missing "Authorization" Header`},
		{"Bearer nope", http.StatusUnauthorized, "Unauthorized - Invalid API Key"},
		{"Bearer s3cret", http.StatusOK, ""},
		{"s3cret", http.StatusOK, ""},
	}
	for _, tt := range tests {
		w := get(h, tt.header)
		if w.Code != tt.status {
			t.Errorf("%q: expected %d, got %d", tt.header, tt.status, w.Code)
		}
		if tt.body != "" && w.Body.String() != tt.body {
			t.Errorf("%q: expected %q, got %q", tt.header, tt.body, w.Body.String())
		}
	}
}

func TestHandler_Report(t *testing.T) {
	store := limits.NewMemoryStore()
	user := int64(11)
	_, err := store.IncrementSpend(context.Background(), []limits.SpendScope{
		{EntityType: limits.EntityKey, EntityID: 21, Scope: limits.ScopeTotal, Interval: limits.DistantFuture, Limit: f(50)},
		{EntityType: limits.EntityUser, EntityID: user, Scope: limits.ScopeDaily, Interval: 19000, Limit: f(5)},
	}, 1.25)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}

	w := get(NewHandler(deployment(), store, "s3cret"), "Bearer s3cret")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}

	var report Report
	if err := jsonutil.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.Projects) != 1 || len(report.Projects[0].Users) != 1 {
		t.Fatalf("Unexpected projects: %+v", report.Projects)
	}
	if got := report.Projects[0].Users[0].Spend; len(got) != 1 || got[0].Spend != 1.25 {
		t.Errorf("Expected user spend 1.25, got %+v", got)
	}
	if len(report.Projects[0].Spend) != 0 {
		t.Errorf("Expected no project spend, got %+v", report.Projects[0].Spend)
	}
	if len(report.Keys) != 1 {
		t.Fatalf("Expected 1 key, got %d", len(report.Keys))
	}
	key := report.Keys[0]
	if key.Name != "gw_ab..." {
		t.Errorf("Expected masked key, got %q", key.Name)
	}
	if key.LimitTotal == nil || *key.LimitTotal != 50 {
		t.Errorf("Expected total limit 50, got %v", key.LimitTotal)
	}
	if len(key.Spend) != 1 || key.Spend[0].Interval != nil {
		t.Errorf("Expected one total row without interval, got %+v", key.Spend)
	}
}
