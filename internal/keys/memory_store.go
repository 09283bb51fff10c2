package keys

import (
	"context"
	"sync"
	"time"
)

// MemoryStatusStore implements StatusStore in process.
type MemoryStatusStore struct {
	mu   sync.Mutex
	rows map[int64]StatusRecord
	now  func() time.Time
}

func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{rows: make(map[int64]StatusRecord), now: time.Now}
}

func (m *MemoryStatusStore) GetStatus(_ context.Context, id int64) (*StatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(m.now()) {
		delete(m.rows, id)
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStatusStore) SetStatus(_ context.Context, id int64, reason string, status KeyStatus, ttl *time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := StatusRecord{Status: status, Reason: reason}
	if ttl != nil {
		exp := m.now().Add(*ttl)
		rec.ExpiresAt = &exp
	}
	m.rows[id] = rec
	return nil
}

// Len reports the number of stored rows, expired or not.
func (m *MemoryStatusStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
