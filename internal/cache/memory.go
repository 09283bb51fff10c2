package cache

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	value       []byte
	metadata    string
	hasMetadata bool
	expiresAt   time.Time // zero means no expiry
}

func (i memItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}

// MemoryAdapter is an in-process Adapter with per-entry TTL. Expired entries
// are removed lazily on access.
type MemoryAdapter struct {
	mu    sync.RWMutex
	items map[string]memItem
	now   func() time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		items: make(map[string]memItem),
		now:   time.Now,
	}
}

func (c *MemoryAdapter) lookup(key string) (memItem, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return memItem{}, false
	}
	if item.expired(c.now()) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur.expired(c.now()) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return memItem{}, false
	}
	return item, true
}

func (c *MemoryAdapter) Get(_ context.Context, key string) ([]byte, error) {
	item, ok := c.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return item.value, nil
}

func (c *MemoryAdapter) GetWithMetadata(_ context.Context, key string) (Entry, error) {
	item, ok := c.lookup(key)
	if !ok {
		return Entry{}, ErrNotFound
	}
	return Entry{Value: item.value, Metadata: item.metadata, HasMetadata: item.hasMetadata}, nil
}

func (c *MemoryAdapter) Put(_ context.Context, key string, value []byte, opts PutOptions) error {
	item := memItem{value: append([]byte(nil), value...)}
	if opts.Metadata != nil {
		item.metadata = *opts.Metadata
		item.hasMetadata = true
	}
	if opts.TTL > 0 {
		item.expiresAt = c.now().Add(opts.TTL)
	}

	c.mu.Lock()
	c.items[key] = item
	c.mu.Unlock()
	return nil
}

func (c *MemoryAdapter) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryAdapter) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
