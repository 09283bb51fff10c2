package billing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in process, for deployments without a
// database and for tests.
type MemoryStore struct {
	mu     sync.Mutex
	logs   []UsageLog
	nextID int64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) LogUsage(_ context.Context, log *UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	log.ID = m.nextID
	log.CreatedAt = m.now()
	m.logs = append(m.logs, *log)
	return nil
}

func (m *MemoryStore) GetUsageByKey(_ context.Context, keyID int64, from, to time.Time) ([]*UsageLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*UsageLog
	for i := range m.logs {
		l := m.logs[i]
		if l.KeyID == keyID && inRange(l.CreatedAt, from, to) {
			out = append(out, &l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetTotalCostByProject(_ context.Context, projectID int64, from, to time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total float64
	for _, l := range m.logs {
		if l.ProjectID == projectID && inRange(l.CreatedAt, from, to) {
			total += l.CostUSD
		}
	}
	return total, nil
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}
