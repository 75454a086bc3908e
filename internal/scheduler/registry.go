// Package scheduler runs recurring maintenance tasks across worker
// instances with at-most-one-runner-per-tick semantics, using TTL leases
// stored on the task rows themselves.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// TaskFunc executes one tick of a recurring task.
type TaskFunc func(ctx context.Context) error

// Registry maps worker types to their handlers. It is owned by the
// scheduler and passed by handle to callers that need it; nothing here is
// ambient global state.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]TaskFunc)}
}

// Register binds a handler to a worker type. Registering the same type
// twice is a programming error.
func (r *Registry) Register(workerType string, fn TaskFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[workerType]; exists {
		return fmt.Errorf("worker type %q already registered", workerType)
	}
	r.handlers[workerType] = fn
	return nil
}

// Get returns the handler for a worker type.
func (r *Registry) Get(workerType string) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[workerType]
	return fn, ok
}

// Names lists registered worker types, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
