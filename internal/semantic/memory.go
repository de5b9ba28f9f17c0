package semantic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process StoreAPI. Uploads finish after PendingPolls
// GetOperation calls.
type MemoryStore struct {
	mu           sync.Mutex
	stores       []Store
	docs         map[string][]byte
	ops          map[string]int
	opDocs       map[string]string
	seq          int
	creates      int
	deletes      []string
	createDelay  time.Duration
	createErr    error
	PendingPolls int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string][]byte{}, ops: map[string]int{}, opDocs: map[string]string{}}
}

// FailNextCreate makes the next CreateStore call return err.
func (m *MemoryStore) FailNextCreate(err error) {
	m.mu.Lock()
	m.createErr = err
	m.mu.Unlock()
}

// SlowCreate delays CreateStore so concurrent callers overlap.
func (m *MemoryStore) SlowCreate(d time.Duration) {
	m.mu.Lock()
	m.createDelay = d
	m.mu.Unlock()
}

func (m *MemoryStore) ListStores(context.Context) ([]Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Store(nil), m.stores...), nil
}

func (m *MemoryStore) CreateStore(ctx context.Context, displayName string) (*Store, error) {
	m.mu.Lock()
	delay := m.createDelay
	m.creates++
	if err := m.createErr; err != nil {
		m.createErr = nil
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	s := Store{Name: fmt.Sprintf("fileSearchStores/store-%d", m.seq), DisplayName: displayName}
	m.stores = append(m.stores, s)
	return &s, nil
}

func (m *MemoryStore) UploadFile(_ context.Context, storeID string, content []byte, displayName string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	doc := fmt.Sprintf("%s/documents/%s-%d", storeID, displayName, m.seq)
	m.docs[doc] = append([]byte(nil), content...)
	op := &Operation{Name: fmt.Sprintf("%s/operations/op-%d", storeID, m.seq), Done: m.PendingPolls == 0}
	op.Response.DocumentName = doc
	m.opDocs[op.Name] = doc
	if !op.Done {
		m.ops[op.Name] = m.PendingPolls
	}
	return op, nil
}

func (m *MemoryStore) GetOperation(_ context.Context, name string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.opDocs[name]
	if !ok {
		return nil, errors.New("operation not found")
	}
	op := &Operation{Name: name}
	op.Response.DocumentName = doc
	if left, pending := m.ops[name]; pending {
		if left > 1 {
			m.ops[name] = left - 1
			return op, nil
		}
		delete(m.ops, name)
	}
	op.Done = true
	return op, nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[name]; !ok {
		return errors.New("document not found")
	}
	delete(m.docs, name)
	m.deletes = append(m.deletes, name)
	return nil
}

func (m *MemoryStore) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

func (m *MemoryStore) Deletes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletes...)
}

// Document returns uploaded content by document name.
func (m *MemoryStore) Document(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[name]
	return d, ok
}
