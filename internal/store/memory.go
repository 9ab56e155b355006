package store

import (
	"context"
	"reflect"
	"sync"
)

// Memory implements Store with in-process concurrency safety.
// Suitable for tests and single-node simulated deployments.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

type memTable struct {
	rows  map[string]Record
	order []string // insertion order, oldest first
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memTable)}
}

func (m *Memory) table(name string) *memTable {
	t, ok := m.tables[name]
	if !ok {
		t = &memTable{rows: make(map[string]Record)}
		m.tables[name] = t
	}
	return t
}

func (m *Memory) Get(ctx context.Context, table, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := t.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return Clone(rec), nil
}

func (m *Memory) Create(ctx context.Context, table, id string, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	if existing, ok := t.rows[id]; ok {
		return Clone(existing), false, nil
	}
	stored := Clone(rec)
	stored["id"] = id
	t.rows[id] = stored
	t.order = append(t.order, id)
	return Clone(stored), true, nil
}

func (m *Memory) Update(ctx context.Context, table, id string, patch Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(table, id, nil, patch)
}

func (m *Memory) UpdateIf(ctx context.Context, table, id string, cond map[string]any, patch Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(table, id, cond, patch)
}

func (m *Memory) applyLocked(table, id string, cond map[string]any, patch Record) (Record, error) {
	t, ok := m.tables[table]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := t.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	for k, want := range cond {
		if !valuesEqual(rec[k], want) {
			return nil, ErrConditionFailed
		}
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		rec[k] = cloneValue(v)
	}
	return Clone(rec), nil
}

func (m *Memory) List(ctx context.Context, table string, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, nil
	}
	ids := t.order
	if q.Desc {
		ids = make([]string, len(t.order))
		for i, id := range t.order {
			ids[len(t.order)-1-i] = id
		}
	}
	var out []Record
	for _, id := range ids {
		rec := t.rows[id]
		if !matches(rec, q.Where) {
			continue
		}
		out = append(out, Clone(rec))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func matches(rec Record, where map[string]any) bool {
	for k, want := range where {
		if !valuesEqual(rec[k], want) {
			return false
		}
	}
	return true
}

func valuesEqual(got, want any) bool {
	if got == nil && want == nil {
		return true
	}
	return reflect.DeepEqual(got, want)
}
