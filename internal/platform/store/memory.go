package store

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"
)

// Memory is an in-process Store used by tests. It honours the same
// revision semantics as the Postgres implementation.
type Memory struct {
	mu   sync.Mutex
	data map[string]map[string]Record
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]Record)}
}

func (m *Memory) collection(name string) map[string]Record {
	col, ok := m.data[name]
	if !ok {
		col = make(map[string]Record)
		m.data[name] = col
	}
	return col
}

// Get fetches a record by collection and id.
func (m *Memory) Get(ctx context.Context, collection, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.collection(collection)[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloned(rec), nil
}

// Insert creates a record at revision 1.
func (m *Memory) Insert(ctx context.Context, collection, id string, data []byte) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collection(collection)
	if _, ok := col[id]; ok {
		return Record{}, ErrExists
	}
	rec := Record{ID: id, Revision: 1, Data: append([]byte(nil), data...)}
	col[id] = rec
	return cloned(rec), nil
}

// Put replaces a record only when expectedRevision still matches.
func (m *Memory) Put(ctx context.Context, collection, id string, data []byte, expectedRevision int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collection(collection)
	rec, ok := col[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Revision != expectedRevision {
		return Record{}, ErrRevisionMismatch
	}
	rec.Revision++
	rec.Data = append([]byte(nil), data...)
	col[id] = rec
	return cloned(rec), nil
}

// Delete removes a record conditionally on its revision.
func (m *Memory) Delete(ctx context.Context, collection, id string, expectedRevision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collection(collection)
	rec, ok := col[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Revision != expectedRevision {
		return ErrRevisionMismatch
	}
	delete(col, id)
	return nil
}

// Find returns records whose document contains the filter fields.
func (m *Memory) Find(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.collection(collection) {
		if matches(rec.Data, filter) {
			out = append(out, cloned(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matches(data []byte, filter Filter) bool {
	if len(filter) == 0 {
		return true
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	for field, want := range filter {
		got, ok := doc[field]
		if !ok {
			return false
		}
		// Normalise through JSON so int/float comparisons line up
		// with what jsonb containment would do.
		wantJSON, err := json.Marshal(want)
		if err != nil {
			return false
		}
		var normalized any
		if err := json.Unmarshal(wantJSON, &normalized); err != nil {
			return false
		}
		if !reflect.DeepEqual(got, normalized) {
			return false
		}
	}
	return true
}

func cloned(rec Record) Record {
	rec.Data = append([]byte(nil), rec.Data...)
	return rec
}
