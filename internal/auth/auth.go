package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vnmchuo/ai-gateway/internal/apierr"
	"github.com/vnmchuo/ai-gateway/internal/cache"
	"github.com/vnmchuo/ai-gateway/internal/keys"
)

const (
	CacheTTL     = 86400 * time.Second
	maxKeyLength = 200
)

var (
	errMissingHeader = apierr.New(http.StatusUnauthorized, "Unauthorized - Missing Authorization Header")
	errAmbiguous     = apierr.New(http.StatusUnauthorized, "Unauthorized - Ambiguous credentials, use either Authorization or X-API-Key")
	errKeyTooLong    = apierr.New(http.StatusUnauthorized, "Unauthorized - Key too long")
	errKeyNotFound   = apierr.New(http.StatusUnauthorized, "Unauthorized - Key not found")
)

// Scheduler runs work after the response has been written.
type Scheduler interface {
	Go(name string, job func(ctx context.Context) error)
}

// Authenticator resolves the API key of a request, going through the cache
// first. Cached entries carry the project state token they were written
// with and are ignored once the project state changes.
type Authenticator struct {
	store     keys.Store
	cache     cache.Adapter
	version   string
	keyPrefix string
	deferred  Scheduler
}

func NewAuthenticator(store keys.Store, c cache.Adapter, version, keyPrefix string, deferred Scheduler) *Authenticator {
	return &Authenticator{store: store, cache: c, version: version, keyPrefix: keyPrefix, deferred: deferred}
}

// ExtractKey reads the API key from Authorization or X-API-Key. Either may
// carry a "Bearer " prefix.
func ExtractKey(h http.Header, keyPrefix string) (string, error) {
	authHeader := stripBearer(h.Get("Authorization"))
	apiKeyHeader := stripBearer(h.Get("X-API-Key"))

	switch {
	case authHeader != "" && apiKeyHeader != "":
		if keyPrefix != "" && strings.HasPrefix(authHeader, keyPrefix) {
			return "", errAmbiguous
		}
		// Authorization belongs to someone else, e.g. an upstream credential
		return apiKeyHeader, nil
	case authHeader != "":
		return authHeader, nil
	case apiKeyHeader != "":
		return apiKeyHeader, nil
	default:
		return "", errMissingHeader
	}
}

func stripBearer(v string) string {
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		return v[7:]
	}
	return v
}

// Authenticate returns the key info for r. Status is not checked here.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*keys.APIKeyInfo, error) {
	key, err := ExtractKey(r.Header, a.keyPrefix)
	if err != nil {
		return nil, err
	}
	if len(key) > maxKeyLength {
		return nil, errKeyTooLong
	}

	cacheKey := a.keyCacheKey(key)
	entry, err := a.cache.GetWithMetadata(ctx, cacheKey)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		slog.Warn("auth: cache read failed", slog.Any("error", err))
	}
	if err == nil {
		var info keys.APIKeyInfo
		if err := info.UnmarshalBinary(entry.Value); err == nil {
			state, hasState, err := a.projectState(ctx, info.Project)
			if err == nil && hasState == entry.HasMetadata && state == entry.Metadata {
				return &info, nil
			}
		} else {
			slog.Warn("auth: dropping undecodable cache entry", slog.Any("error", err))
		}
	}

	info, err := a.store.GetAPIKey(ctx, key)
	if err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) {
			return nil, errKeyNotFound
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	snapshot := *info
	populate := func(ctx context.Context) error {
		return a.put(ctx, &snapshot, CacheTTL)
	}
	if a.deferred != nil {
		a.deferred.Go("auth.cache", populate)
	} else if err := populate(ctx); err != nil {
		slog.Warn("auth: cache write failed", slog.Any("error", err))
	}

	return info, nil
}

// DisableCached rewrites the cached entry after info's status changed. A nil
// ttl keeps the entry for the default cache lifetime.
func (a *Authenticator) DisableCached(ctx context.Context, info *keys.APIKeyInfo, ttl *time.Duration) error {
	d := CacheTTL
	if ttl != nil {
		d = *ttl
	}
	return a.put(ctx, info, d)
}

// Disable sets info's status, persists it and rewrites the cached entry so
// the next request sees it. A nil ttl disables the key permanently.
func (a *Authenticator) Disable(ctx context.Context, info *keys.APIKeyInfo, reason string, status keys.KeyStatus, ttl *time.Duration) error {
	info.Status = status
	if err := a.store.DisableKey(ctx, info.ID, reason, status, ttl); err != nil {
		return fmt.Errorf("failed to disable key %d: %w", info.ID, err)
	}
	if err := a.DisableCached(ctx, info, ttl); err != nil {
		return fmt.Errorf("failed to update cached key %d: %w", info.ID, err)
	}
	slog.Warn("api key disabled",
		slog.Int64("key_id", info.ID),
		slog.String("status", string(status)),
		slog.String("reason", reason),
	)
	return nil
}

// ChangeProjectState invalidates every cached key of the project.
func (a *Authenticator) ChangeProjectState(ctx context.Context, projectID int64) error {
	if err := a.cache.Put(ctx, a.projectCacheKey(projectID), []byte(uuid.NewString()), cache.PutOptions{}); err != nil {
		return fmt.Errorf("failed to change project state: %w", err)
	}
	return nil
}

func (a *Authenticator) put(ctx context.Context, info *keys.APIKeyInfo, ttl time.Duration) error {
	data, err := info.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode api key: %w", err)
	}
	state, hasState, err := a.projectState(ctx, info.Project)
	if err != nil {
		return err
	}
	opts := cache.PutOptions{TTL: ttl}
	if hasState {
		opts.Metadata = cache.Meta(state)
	}
	return a.cache.Put(ctx, a.keyCacheKey(info.Key), data, opts)
}

func (a *Authenticator) projectState(ctx context.Context, projectID int64) (string, bool, error) {
	v, err := a.cache.Get(ctx, a.projectCacheKey(projectID))
	if errors.Is(err, cache.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read project state: %w", err)
	}
	return string(v), true, nil
}

func (a *Authenticator) keyCacheKey(key string) string {
	return fmt.Sprintf("apiKeyAuth:%s:%s", a.version, key)
}

func (a *Authenticator) projectCacheKey(projectID int64) string {
	return fmt.Sprintf("projectState:%s:%d", a.version, projectID)
}
