package google

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vnmchuo/ai-gateway/internal/apierr"
	"github.com/vnmchuo/ai-gateway/internal/cache"
	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
	"github.com/vnmchuo/ai-gateway/internal/keys"
	"github.com/vnmchuo/ai-gateway/internal/modelapi"
	"github.com/vnmchuo/ai-gateway/internal/provider"
)

func serviceAccount(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	creds, _ := jsonutil.Marshal(map[string]string{
		"type":         "service_account",
		"client_email": "gateway@proj.iam.gserviceaccount.com",
		"private_key":  string(pemKey),
		"project_id":   "proj",
	})
	return string(creds), key
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		path string
		want PathInfo
	}{
		{"v1beta1/projects/p/locations/us-central1/publishers/google/models/gemini-2.5-flash:generateContent",
			PathInfo{"v1beta1", "google", "gemini-2.5-flash", "generateContent"}},
		{"publishers/anthropic/models/claude-sonnet-4@20250514:streamRawPredict",
			PathInfo{"v1", "anthropic", "claude-sonnet-4@20250514", "streamRawPredict"}},
		{"models/gemini-2.5-pro:streamGenerateContent",
			PathInfo{"v1", "google", "gemini-2.5-pro", "streamGenerateContent"}},
	}
	for _, tt := range tests {
		got, ok := ParsePath(tt.path)
		if !ok || got != tt.want {
			t.Errorf("ParsePath(%q): expected %+v, got %+v (%v)", tt.path, tt.want, got, ok)
		}
	}
	if _, ok := ParsePath("v1/messages"); ok {
		t.Errorf("Expected v1/messages not to parse")
	}
}

func TestRegionFromURL(t *testing.T) {
	if got := RegionFromURL("https://europe-west4-aiplatform.googleapis.com"); got != "europe-west4" {
		t.Errorf("Expected europe-west4, got %q", got)
	}
	if got := RegionFromURL("https://aiplatform.googleapis.com"); got != "" {
		t.Errorf("Expected no region, got %q", got)
	}
}

func TestParseServiceAccount_Invalid(t *testing.T) {
	tests := map[string]string{
		"not json":                            "provider credentials are not valid JSON",
		`{"private_key":"k"}`:                 `"client_email" should be a string, not undefined`,
		`{"client_email":"e","private_key":1}`: `"private_key" should be a string, not number`,
	}
	for creds, want := range tests {
		_, err := ParseServiceAccount(creds)
		var re *apierr.ResponseError
		if !errors.As(err, &re) || re.Status != http.StatusBadRequest {
			t.Fatalf("Expected 400 response error for %q, got %v", creds, err)
		}
		if !strings.Contains(re.Message, want) {
			t.Errorf("Expected %q in %q", want, re.Message)
		}
	}
}

func TestSignJWT(t *testing.T) {
	creds, key := serviceAccount(t)
	sa, err := ParseServiceAccount(creds)
	if err != nil {
		t.Fatalf("ParseServiceAccount: %v", err)
	}
	now := time.Now()
	signed, err := SignJWT(sa, TokenURL, now)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	token, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return &key.PublicKey, nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("Expected a valid RS256 token, got %v", err)
	}
	claims := token.Claims.(jwt.MapClaims)
	if claims["iss"] != sa.ClientEmail || claims["aud"] != TokenURL || claims["scope"] != Scope {
		t.Errorf("Unexpected claims %v", claims)
	}
	exp, _ := claims.GetExpirationTime()
	if exp.Unix() != now.Add(time.Hour).Unix() {
		t.Errorf("Expected an hour lifetime, got %v", exp)
	}
}

func TestTokenSource_Caches(t *testing.T) {
	creds, _ := serviceAccount(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("assertion") == "" {
			http.Error(w, "missing assertion", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"ya29.token","expires_in":3599}`))
	}))
	defer srv.Close()

	src := &TokenSource{Cache: cache.NewMemoryAdapter(), TokenURL: srv.URL}
	for range 3 {
		token, err := src.Token(t.Context(), creds)
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if token != "ya29.token" {
			t.Errorf("Expected ya29.token, got %q", token)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 token exchange, got %d", calls.Load())
	}
}

func TestTokenSource_ExchangeError(t *testing.T) {
	creds, _ := serviceAccount(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	src := &TokenSource{TokenURL: srv.URL}
	_, err := src.Token(t.Context(), creds)
	var re *apierr.ResponseError
	if !errors.As(err, &re) || !strings.HasPrefix(re.Message, "Failed to get GCP access token, response:\n401: ") {
		t.Errorf("Unexpected error %v", err)
	}
}

func TestURL(t *testing.T) {
	creds, _ := serviceAccount(t)
	proxy := keys.ProviderProxy{ProviderID: "google-vertex", BaseURL: "https://us-east5-aiplatform.googleapis.com", Credentials: creds}

	a := New(provider.Options{RestOfPath: "v1/messages", Proxy: proxy})
	data, _ := jsonutil.DecodeObject([]byte(`{"model":"claude-sonnet-4@20250514","stream":true}`))
	b := provider.Body{Data: data}
	got, err := a.URL(b, a.RequestModel(b))
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	want := "https://us-east5-aiplatform.googleapis.com/v1/projects/proj/locations/us-east5/publishers/anthropic/models/claude-sonnet-4@20250514:streamRawPredict"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	prepared, _ := a.PrepareBody(b)
	if _, ok := prepared.Data["model"]; ok || prepared.Data["anthropic_version"] != AnthropicVersion {
		t.Errorf("Unexpected prepared body %s", prepared.Text)
	}

	g := New(provider.Options{RestOfPath: "v1beta1/publishers/google/models/gemini-2.5-flash:generateContent", Proxy: proxy})
	got, _ = g.URL(provider.Body{}, "gemini-2.5-flash")
	want = "https://us-east5-aiplatform.googleapis.com/v1beta1/projects/proj/locations/us-east5/publishers/google/models/gemini-2.5-flash:generateContent"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	api, _ := g.ModelAPI(provider.Body{})
	if api.Flavor() != modelapi.FlavorGoogle {
		t.Errorf("Expected google flavor, got %v", api.Flavor())
	}
	if g.UsageProvider(nil) != UsageProvider {
		t.Errorf("Expected google usage provider")
	}
}

func TestURL_NoRegion(t *testing.T) {
	creds, _ := serviceAccount(t)
	proxy := keys.ProviderProxy{BaseURL: "https://gateway.example/vertex", Credentials: creds}
	a := New(provider.Options{RestOfPath: "models/gemini-2.5-flash:generateContent", Proxy: proxy})
	got, _ := a.URL(provider.Body{}, "gemini-2.5-flash")
	if got != "https://gateway.example/vertex/models/gemini-2.5-flash:generateContent" {
		t.Errorf("Expected path forwarded unchanged, got %q", got)
	}
}
