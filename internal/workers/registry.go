// Package workers consumes the work-log streams and drives tasks from
// claimed to terminal. The worker loop owns every store transition and every
// terminal event; handlers only run the pipeline for their kind and report
// progress through the TaskContext.
package workers

import (
	"fmt"
	"sync"

	"gorm.io/datatypes"
)

// Outcome is what a handler returns on success. The worker persists Result
// via Complete and broadcasts Summary in the task_complete event.
type Outcome struct {
	Result    datatypes.JSON
	Summary   map[string]interface{}
	CostUSD   float64
	TokensIn  int
	TokensOut int
}

// Handler runs one task kind end to end. Run must return a classified error
// (taskerr) for anything the dashboard should explain.
type Handler interface {
	Kind() string
	Run(tc *TaskContext) (*Outcome, error)
}

// Registry maps task kinds to handlers. Kinds preserves registration order,
// which doubles as the dispatch order across streams.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	kinds    []string
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	kind := h.Kind()
	if kind == "" {
		return fmt.Errorf("handler Kind() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("handler already registered for task_type=%s", kind)
	}
	r.handlers[kind] = h
	r.kinds = append(r.kinds, kind)
	return nil
}

func (r *Registry) Get(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.kinds))
	copy(out, r.kinds)
	return out
}
