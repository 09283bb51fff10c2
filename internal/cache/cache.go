// Package cache provides a small key-value abstraction used for API key
// lookups, project invalidation tokens and provider access tokens.
//
// Two backends are available:
//   - RedisAdapter: shared across gateway replicas.
//   - MemoryAdapter: in-process, for single-instance deployments and tests.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// PutOptions controls how a value is stored. A zero TTL stores the value
// without expiry. A nil Metadata stores no metadata.
type PutOptions struct {
	TTL      time.Duration
	Metadata *string
}

// Entry is a value read together with its metadata.
type Entry struct {
	Value       []byte
	Metadata    string
	HasMetadata bool
}

type Adapter interface {
	Get(ctx context.Context, key string) ([]byte, error)
	GetWithMetadata(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, value []byte, opts PutOptions) error
	Delete(ctx context.Context, key string) error
}

// GetJSON reads key and decodes it into a new T.
func GetJSON[T any](ctx context.Context, a Adapter, key string) (*T, error) {
	data, err := a.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := jsonutil.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return &v, nil
}

// PutJSON encodes value and stores it under key.
func PutJSON(ctx context.Context, a Adapter, key string, value any, opts PutOptions) error {
	data, err := jsonutil.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return a.Put(ctx, key, data, opts)
}

// Meta is a helper for PutOptions.Metadata.
func Meta(s string) *string {
	return &s
}
