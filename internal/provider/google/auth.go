package google

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vnmchuo/ai-gateway/internal/apierr"
	"github.com/vnmchuo/ai-gateway/internal/cache"
	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
)

const (
	TokenURL = "https://oauth2.googleapis.com/token"
	Scope    = "https://www.googleapis.com/auth/cloud-platform"

	// tokens live an hour; cache for less so a cached token is never stale
	tokenCacheTTL = 3000 * time.Second
	tokenLifetime = time.Hour
	tokenTimeout  = 10 * time.Second
)

type ServiceAccount struct {
	ClientEmail string
	PrivateKey  string
	ProjectID   string
}

// ParseServiceAccount reads a service account key file.
func ParseServiceAccount(credentials string) (*ServiceAccount, error) {
	var raw map[string]any
	if err := jsonutil.Unmarshal([]byte(credentials), &raw); err != nil {
		return nil, apierr.Newf(http.StatusBadRequest, "provider credentials are not valid JSON: %v", err)
	}
	email, ok := raw["client_email"].(string)
	if !ok {
		return nil, apierr.Newf(http.StatusBadRequest, `"client_email" should be a string, not %s`, jsType(raw["client_email"]))
	}
	key, ok := raw["private_key"].(string)
	if !ok {
		return nil, apierr.Newf(http.StatusBadRequest, `"private_key" should be a string, not %s`, jsType(raw["private_key"]))
	}
	project, _ := raw["project_id"].(string)
	return &ServiceAccount{ClientEmail: email, PrivateKey: key, ProjectID: project}, nil
}

func jsType(v any) string {
	switch v.(type) {
	case nil:
		return "undefined"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return "object"
	}
}

// SignJWT builds the RS256 assertion exchanged for an access token.
func SignJWT(sa *ServiceAccount, audience string, now time.Time) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return "", apierr.Newf(http.StatusBadRequest, "invalid service account private key: %v", err)
	}
	claims := jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"scope": Scope,
		"aud":   audience,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenLifetime).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign jwt: %w", err)
	}
	return signed, nil
}

// TokenSource exchanges service account credentials for access tokens and
// caches them in the shared cache.
type TokenSource struct {
	Cache    cache.Adapter
	Client   *http.Client
	TokenURL string
	Now      func() time.Time
}

func cacheKey(credentials string) string {
	sum := sha1.Sum([]byte(credentials))
	return "gcp-auth:" + hex.EncodeToString(sum[:])
}

// Token returns a cached access token, or fetches and caches a new one.
func (s *TokenSource) Token(ctx context.Context, credentials string) (string, error) {
	key := cacheKey(credentials)
	if s.Cache != nil {
		cached, err := s.Cache.Get(ctx, key)
		if err == nil && len(cached) > 0 {
			return string(cached), nil
		}
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			return "", fmt.Errorf("failed to read gcp token cache: %w", err)
		}
	}

	sa, err := ParseServiceAccount(credentials)
	if err != nil {
		return "", err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	tokenURL := s.TokenURL
	if tokenURL == "" {
		tokenURL = TokenURL
	}
	assertion, err := SignJWT(sa, tokenURL, now())
	if err != nil {
		return "", err
	}
	token, err := s.exchange(ctx, tokenURL, assertion)
	if err != nil {
		return "", err
	}
	if s.Cache != nil {
		if err := s.Cache.Put(ctx, key, []byte(token), cache.PutOptions{TTL: tokenCacheTTL}); err != nil {
			return "", fmt.Errorf("failed to cache gcp token: %w", err)
		}
	}
	return token, nil
}

func (s *TokenSource) exchange(ctx context.Context, tokenURL, assertion string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request gcp token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read gcp token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apierr.Newf(http.StatusBadRequest, "Failed to get GCP access token, response:\n%d: %s", resp.StatusCode, body)
	}
	var tr struct {
		AccessToken string `json:"access_token"`
	}
	if err := jsonutil.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", apierr.New(http.StatusBadRequest, "Failed to get GCP access token, response has no access_token")
	}
	return tr.AccessToken, nil
}
