// Package keys resolves gateway API keys to the identity, limits and
// providers a request is allowed to use, and records key disablement.
package keys

import (
	"context"
	"errors"
	"time"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
)

var ErrKeyNotFound = errors.New("api key not found")

type KeyStatus string

const (
	StatusActive        KeyStatus = "active"
	StatusExpired       KeyStatus = "expired"
	StatusLimitExceeded KeyStatus = "limit-exceeded"
	StatusDisabled      KeyStatus = "disabled"
	StatusBlocked       KeyStatus = "blocked"
)

// ProviderProxy is one upstream a key may route to.
type ProviderProxy struct {
	Key         string `json:"key"`
	ProviderID  string `json:"providerId"`
	BaseURL     string `json:"baseUrl,omitempty"`
	Credentials string `json:"credentials"`
	InjectCost  bool   `json:"injectCost"`
	DisableKey  *bool  `json:"disableKey,omitempty"`
	Profile     string `json:"profile,omitempty"`
}

// ShouldDisableKey reports whether an unbillable response from this proxy
// disables the key. Unset means yes.
func (p ProviderProxy) ShouldDisableKey() bool {
	return p.DisableKey == nil || *p.DisableKey
}

type RouteEntry struct {
	Key      string   `json:"key"`
	Priority *int     `json:"priority,omitempty"`
	Weight   *float64 `json:"weight,omitempty"`
}

type Limits struct {
	Daily   *float64 `json:"daily"`
	Weekly  *float64 `json:"weekly"`
	Monthly *float64 `json:"monthly"`
	Total   *float64 `json:"total,omitempty"`
}

type OtelSettings struct {
	WriteToken string `json:"writeToken"`
	BaseURL    string `json:"baseUrl,omitempty"`
	Protocol   string `json:"exporterProtocol,omitempty"`
}

// APIKeyInfo is the resolved identity for one request. It is cached as JSON
// and mutated in place when the key is disabled.
type APIKeyInfo struct {
	ID            int64                   `json:"id"`
	Key           string                  `json:"key"`
	User          *int64                  `json:"user"`
	Project       int64                   `json:"project"`
	Status        KeyStatus               `json:"status"`
	Providers     []ProviderProxy         `json:"providers"`
	RoutingGroups map[string][]RouteEntry `json:"routingGroups,omitempty"`
	KeyLimits     Limits                  `json:"keyLimits"`
	ProjectLimits Limits                  `json:"projectLimits"`
	UserLimits    Limits                  `json:"userLimits"`
	Otel          *OtelSettings           `json:"otelSettings,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler for the cache
func (a *APIKeyInfo) MarshalBinary() ([]byte, error) {
	return jsonutil.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for the cache
func (a *APIKeyInfo) UnmarshalBinary(data []byte) error {
	return jsonutil.Unmarshal(data, a)
}

type Store interface {
	// GetAPIKey returns ErrKeyNotFound when the key does not exist.
	GetAPIKey(ctx context.Context, key string) (*APIKeyInfo, error)
	// DisableKey sets a non-active status. A nil ttl makes it permanent.
	DisableKey(ctx context.Context, id int64, reason string, status KeyStatus, ttl *time.Duration) error
}

// StatusRecord is a stored status override for a key.
type StatusRecord struct {
	Status    KeyStatus
	Reason    string
	ExpiresAt *time.Time
}

// StatusStore persists status overrides. Expired rows are not returned.
type StatusStore interface {
	GetStatus(ctx context.Context, id int64) (*StatusRecord, error)
	SetStatus(ctx context.Context, id int64, reason string, status KeyStatus, ttl *time.Duration) error
}
