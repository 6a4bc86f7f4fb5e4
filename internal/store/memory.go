package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Collection. Documents are stored as JSON so callers
// never share memory with the stored copy.
type Memory[T any] struct {
	mu    sync.RWMutex
	docs  map[string][]byte
	order []string
}

// NewMemory returns an empty in-memory collection.
func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{docs: make(map[string][]byte)}
}

// Get loads the document with the given id.
func (m *Memory[T]) Get(_ context.Context, id string) (T, error) {
	var zero T
	m.mu.RLock()
	raw, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return zero, ErrNotFound
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, err
	}
	return out, nil
}

// Find returns every document matching q.
func (m *Memory[T]) Find(_ context.Context, q Query) ([]T, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	type candidate struct {
		raw    []byte
		fields map[string]any
	}
	m.mu.RLock()
	candidates := make([]candidate, 0, len(m.order))
	for _, id := range m.order {
		raw := m.docs[id]
		fields, err := decodeFields(raw)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		if matches(fields, q.Filters) {
			candidates = append(candidates, candidate{raw: raw, fields: fields})
		}
	}
	m.mu.RUnlock()

	if len(q.Sort) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			for _, s := range q.Sort {
				c := compare(scalar(candidates[i].fields[s.Field]), scalar(candidates[j].fields[s.Field]))
				if c == 0 {
					continue
				}
				if s.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Offset > 0 {
		if q.Offset >= len(candidates) {
			candidates = nil
		} else {
			candidates = candidates[q.Offset:]
		}
	}
	if q.Limit > 0 && len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}
	out := make([]T, 0, len(candidates))
	for _, c := range candidates {
		var v T
		if err := json.Unmarshal(c.raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// FindOne returns the first document matching q.
func (m *Memory[T]) FindOne(ctx context.Context, q Query) (T, error) {
	q.Limit = 1
	return firstOf(m.Find(ctx, q))
}

// Count reports how many documents match the filters of q.
func (m *Memory[T]) Count(_ context.Context, q Query) (int, error) {
	if err := validateQuery(q); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, id := range m.order {
		fields, err := decodeFields(m.docs[id])
		if err != nil {
			return 0, err
		}
		if matches(fields, q.Filters) {
			n++
		}
	}
	return n, nil
}

// Save inserts or replaces the document stored under id.
func (m *Memory[T]) Save(_ context.Context, id string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		m.order = append(m.order, id)
	}
	m.docs[id] = raw
	return nil
}

// Delete removes the document stored under id.
func (m *Memory[T]) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return ErrNotFound
	}
	delete(m.docs, id)
	for i, el := range m.order {
		if el == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len reports the number of stored documents.
func (m *Memory[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func decodeFields(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	fields := map[string]any{}
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func matches(fields map[string]any, filters []Filter) bool {
	for _, f := range filters {
		got := scalar(fields[f.Field])
		switch f.Op {
		case OpEq:
			if got != scalar(f.Value) {
				return false
			}
		case OpNe:
			if got == scalar(f.Value) {
				return false
			}
		case OpIn:
			found := false
			for _, want := range filterValues(f.Value) {
				if got == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func compare(a, b string) int {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
