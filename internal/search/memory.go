package search

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryIndex is an in-process Index for tests and local runs.
type MemoryIndex struct {
	mu   sync.Mutex
	docs map[string]Document
	down error
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: map[string]Document{}}
}

func (m *MemoryIndex) Upsert(_ context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return m.down
	}
	m.docs[doc.ID] = *doc
	return nil
}

func (m *MemoryIndex) GetDocument(_ context.Context, id string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &doc, nil
}

// Search matches the query text against every localized name, case-insensitive.
// Filters are ignored.
func (m *MemoryIndex) Search(_ context.Context, q Query) (*Results, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	needle := strings.ToLower(q.Text)
	res := &Results{Hits: []Document{}}
	for _, d := range m.docs {
		for _, name := range d.Name {
			if strings.Contains(strings.ToLower(name), needle) {
				res.Hits = append(res.Hits, d)
				break
			}
		}
	}
	sort.Slice(res.Hits, func(i, j int) bool { return res.Hits[i].ID < res.Hits[j].ID })
	res.EstimatedTotalHits = len(res.Hits)
	if q.Limit > 0 && len(res.Hits) > q.Limit {
		res.Hits = res.Hits[:q.Limit]
	}
	return res, nil
}

func (m *MemoryIndex) Health(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.down
}

// SetDown makes writes and health checks fail with err until called with nil.
func (m *MemoryIndex) SetDown(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = err
}

func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}
