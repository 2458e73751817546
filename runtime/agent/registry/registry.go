// Package registry maps agent keys to agent factories.
//
// Registries are populated explicitly at process startup and handed to the
// orchestrator as a constructor dependency; nothing is resolved reflectively
// at run time. Unknown keys are a caller error.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"goa.design/agentic/runtime/agent/execute"
)

type (
	// Factory produces a fresh agent instance for one execution.
	Factory func() execute.Agent

	// Registry is a thread-safe agent-key → factory lookup.
	Registry struct {
		mu        sync.RWMutex
		factories map[string]Factory
	}
)

// New returns an empty registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under key. Registering an existing key or a nil
// factory is an error.
func (r *Registry) Register(key string, f Factory) error {
	if key == "" {
		return fmt.Errorf("agent key is required")
	}
	if f == nil {
		return fmt.Errorf("agent factory is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[key]; ok {
		return fmt.Errorf("agent key %q already registered", key)
	}
	r.factories[key] = f
	return nil
}

// Lookup returns a new agent instance for key.
func (r *Registry) Lookup(key string) (execute.Agent, error) {
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent key: %s", key)
	}
	return f(), nil
}

// Keys returns the registered agent keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.factories))
	for key := range r.factories {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
