package limits

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type rowKey struct {
	entityType EntityType
	entityID   int64
	scope      Scope
	interval   int
}

type row struct {
	limit *float64
	spend float64
}

// MemoryStore implements Store in process. A single mutex serializes every
// operation, so an increment across several scopes is still all-or-nothing.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[rowKey]*row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[rowKey]*row)}
}

func (m *MemoryStore) IncrementSpend(_ context.Context, scopes []SpendScope, amount float64) ([]ExceededScope, error) {
	if err := validateScopes(scopes); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var exceeded []ExceededScope
	for _, sc := range scopes {
		k := rowKey{sc.EntityType, sc.EntityID, sc.Scope, sc.Interval}
		r, ok := m.rows[k]
		if !ok {
			r = &row{limit: copyLimit(sc.Limit)}
			m.rows[k] = r
		}
		r.spend += amount
		if r.limit != nil && r.spend > *r.limit {
			exceeded = append(exceeded, ExceededScope{EntityType: sc.EntityType, Scope: sc.Scope})
		}
	}
	return exceeded, nil
}

func (m *MemoryStore) SpendStatus(_ context.Context, entityType EntityType, entityID *int64) ([]SpendStatus, error) {
	if _, ok := entityCodes[entityType]; !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SpendStatus
	for k, r := range m.rows {
		if k.entityType != entityType || (entityID != nil && k.entityID != *entityID) {
			continue
		}
		out = append(out, SpendStatus{
			EntityID: k.entityID,
			Scope:    k.scope,
			Interval: decodeInterval(k.interval),
			Limit:    copyLimit(r.limit),
			Spend:    r.spend,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		if out[i].Scope != out[j].Scope {
			return scopeCodes[out[i].Scope] < scopeCodes[out[j].Scope]
		}
		return rawInterval(out[i].Interval) < rawInterval(out[j].Interval)
	})
	return out, nil
}

func (m *MemoryStore) UpdateProjectLimits(_ context.Context, projectID int64, update LimitUpdate) error {
	if _, ok := update[ScopeTotal]; ok {
		return ErrTotalNotAllowed
	}
	return m.updateLimits(EntityProject, projectID, update)
}

func (m *MemoryStore) UpdateUserLimits(_ context.Context, userID int64, update LimitUpdate) error {
	if _, ok := update[ScopeTotal]; ok {
		return ErrTotalNotAllowed
	}
	return m.updateLimits(EntityUser, userID, update)
}

func (m *MemoryStore) UpdateKeyLimits(_ context.Context, keyID int64, update LimitUpdate) error {
	return m.updateLimits(EntityKey, keyID, update)
}

func (m *MemoryStore) updateLimits(entityType EntityType, entityID int64, update LimitUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, r := range m.rows {
		if k.entityType != entityType || k.entityID != entityID {
			continue
		}
		if lim, ok := update[k.scope]; ok {
			r.limit = copyLimit(lim)
		}
	}
	return nil
}

func copyLimit(l *float64) *float64 {
	if l == nil {
		return nil
	}
	v := *l
	return &v
}

func rawInterval(i *Interval) int {
	if i == nil {
		return DistantFuture
	}
	return i.Raw
}
