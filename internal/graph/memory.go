package graph

import (
	"cmp"
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"provenance-pipeline/internal/models"
)

// MemoryStore is an in-process graph used by tests and single-node runs.
type MemoryStore struct {
	mu     sync.Mutex
	nodes  map[string][]Props
	closed bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string][]Props)}
}

// Run executes st atomically with respect to other statements.
func (m *MemoryStore) Run(_ context.Context, st Statement) (Result, error) {
	if err := st.Validate(); err != nil {
		return Result{}, models.Validationf("graph.run", "%v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Result{}, &models.Error{Kind: models.ErrClosed, Op: "graph.run"}
	}

	switch st.Op {
	case OpMerge:
		if n := m.find(st.Label, st.Key); n != nil {
			apply(n, st.Set)
			return Result{Records: []Props{clone(n)}}, nil
		}
		n := merged(st.Key, st.OnCreate, st.Set)
		m.nodes[st.Label] = append(m.nodes[st.Label], n)
		return Result{Records: []Props{clone(n)}, Created: true}, nil

	case OpUpdate:
		var out []Props
		for _, n := range m.nodes[st.Label] {
			if matches(n, st.Key) {
				apply(n, st.Set)
				out = append(out, clone(n))
			}
		}
		return Result{Records: out}, nil

	case OpCreate:
		if m.find(st.Label, st.Key) != nil {
			return Result{}, &models.Error{Kind: models.ErrConflict, Op: "graph.create", Err: fmt.Errorf("%s %v exists", st.Label, st.Key)}
		}
		n := merged(st.Key, st.Set)
		m.nodes[st.Label] = append(m.nodes[st.Label], n)
		return Result{Records: []Props{clone(n)}, Created: true}, nil

	case OpMatch:
		var out []Props
		for _, n := range m.nodes[st.Label] {
			if matches(n, st.Key) {
				out = append(out, clone(n))
			}
		}
		if len(st.OrderBy) > 0 {
			sort.SliceStable(out, func(i, j int) bool {
				for _, k := range st.OrderBy {
					if c := compare(out[i][k], out[j][k]); c != 0 {
						return c < 0
					}
				}
				return false
			})
		}
		if st.Limit > 0 && len(out) > st.Limit {
			out = out[:st.Limit]
		}
		return Result{Records: out}, nil
	}
	return Result{}, models.Validationf("graph.run", "unknown op %d", st.Op)
}

// Ping reports whether the store is open.
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &models.Error{Kind: models.ErrClosed, Op: "graph.ping"}
	}
	return nil
}

// Close marks the store closed. Further statements fail with ErrClosed.
func (m *MemoryStore) Close(context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Count returns the number of nodes with label.
func (m *MemoryStore) Count(label string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes[label])
}

func (m *MemoryStore) find(label string, key Props) Props {
	for _, n := range m.nodes[label] {
		if matches(n, key) {
			return n
		}
	}
	return nil
}

func matches(n, filter Props) bool {
	for k, v := range filter {
		if !reflect.DeepEqual(n[k], v) {
			return false
		}
	}
	return true
}

func apply(n, set Props) {
	for k, v := range set {
		n[k] = v
	}
}

func clone(n Props) Props {
	out := make(Props, len(n))
	for k, v := range n {
		out[k] = v
	}
	return out
}

func compare(a, b any) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return cmp.Compare(av, bv)
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case int:
		if bv, ok := b.(int); ok {
			return cmp.Compare(av, bv)
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return cmp.Compare(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return cmp.Compare(av, bv)
		}
	}
	// Missing values sort first.
	switch {
	case a == nil && b != nil:
		return -1
	case a != nil && b == nil:
		return 1
	}
	return 0
}
