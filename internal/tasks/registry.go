// Package tasks maps task names to executable handlers. The registry is
// populated by task packs at process start and read concurrently by workers
// afterward; resolution is late-bound so a Score may reference a task from a
// pack that registers after the Score loads.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotRegistered indicates a task name with no handler. A dispatch that
// hits this fails on its own; sibling dispatches are unaffected.
var ErrNotRegistered = errors.New("task not registered")

// Invocation carries one dispatch's inputs to its handler.
type Invocation struct {
	TaskID string
	Queue  string
	Args   []any
}

// Handler executes one task. The returned value is reported as the task
// result; a non-nil error marks the dispatch FAILURE.
type Handler func(ctx context.Context, inv Invocation) (any, error)

// Registry is an explicit, injected task registry (no package-level shared
// state): written by packs during startup, read concurrently thereafter.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	packs    map[string][]string // pack name -> task names
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		packs:    make(map[string][]string),
	}
}

// Register adds a single handler under the "core" pack.
func (r *Registry) Register(name string, h Handler) {
	r.RegisterPack("core", map[string]Handler{name: h})
}

// RegisterPack adds a named group of handlers. Packs are the Go stand-in
// for the original plugin packages; a later registration under an existing
// task name replaces the handler.
func (r *Registry) RegisterPack(pack string, handlers map[string]Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, h := range handlers {
		r.handlers[name] = h
		r.packs[pack] = append(r.packs[pack], name)
	}
	sort.Strings(r.packs[pack])
}

// Resolve looks up a handler by name.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return h, nil
}

// Names returns all registered task names, sorted.
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

// Packs returns the names of registered task packs, sorted.
func (r *Registry) Packs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	packs := make([]string, 0, len(r.packs))
	for pack := range r.packs {
		packs = append(packs, pack)
	}
	sort.Strings(packs)
	return packs
}
