// Package registry maps worker references to worker entry points.
//
// The spawned task process is the same binary as the queue worker, so both
// see the same registrations as long as they happen before the process
// starts serving (typically in main or an init function).
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/internal/handler"
)

// Registry is a concurrency-safe worker-ref to entry point table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*handler.Handler
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]*handler.Handler)}
}

// Default is the process-wide registry used by the task runner.
var Default = New()

// Register binds ref to fn. See handler.NewHandler for accepted signatures.
func (r *Registry) Register(ref string, fn any) error {
	if err := core.ValidateWorkerRef(ref); err != nil {
		return err
	}
	h, err := handler.NewHandler(fn)
	if err != nil {
		return fmt.Errorf("worker %q: %w", ref, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[ref]; exists {
		return fmt.Errorf("worker already registered for %q", ref)
	}
	r.handlers[ref] = h
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(ref string, fn any) {
	if err := r.Register(ref, fn); err != nil {
		panic(fmt.Sprintf("etl: %v", err))
	}
}

// Has reports whether ref is registered.
func (r *Registry) Has(ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[ref]
	return ok
}

// Refs returns the registered worker references in sorted order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.handlers))
	for ref := range r.handlers {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Invoke runs the worker registered for ref with the :INITIAL event.
func (r *Registry) Invoke(ctx context.Context, ref string, initial *core.Event) (*core.Event, error) {
	r.mu.RLock()
	h, ok := r.handlers[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrWorkerNotFound, ref)
	}
	return h.Execute(ctx, initial)
}

// Register binds ref to fn in the Default registry.
func Register(ref string, fn any) error {
	return Default.Register(ref, fn)
}

// MustRegister binds ref to fn in the Default registry and panics on error.
func MustRegister(ref string, fn any) {
	Default.MustRegister(ref, fn)
}
