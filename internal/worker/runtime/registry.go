package runtime

import (
	"fmt"
	"sync"

	"catalogsync/internal/queue"
)

// Handler processes jobs of one queue.
type Handler interface {
	Queue() string
	Run(jc *Context) (queue.Outcome, error)
}

// FailureHandler is implemented by handlers that account for jobs that
// failed for good, after retries ran out or on a fatal error.
type FailureHandler interface {
	OnFailed(jc *Context, err error)
}

// SkipHandler is implemented by handlers that account for jobs the pool
// completed as skipped because of a validation or upstream not-found error.
type SkipHandler interface {
	OnSkipped(jc *Context, err error)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	q := h.Queue()
	if q == "" {
		return fmt.Errorf("handler Queue() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[q]; exists {
		return fmt.Errorf("handler already registered for queue=%s", q)
	}
	r.handlers[q] = h
	return nil
}

func (r *Registry) Get(q string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[q]
	return h, ok
}

func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for _, name := range queue.Names {
		if _, ok := r.handlers[name]; ok {
			out = append(out, name)
		}
	}
	return out
}
