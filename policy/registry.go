package policy

import (
	"fmt"
	"sort"
	"sync"
)

type (
	// Factory builds a policy from its configuration block.
	Factory func(config map[string]any) (Policy, error)

	// Registry maps class_ref strings to policy factories. Configuration
	// references policies by class_ref; unknown refs fail startup.
	Registry struct {
		mu        sync.RWMutex
		factories map[string]Factory
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a class_ref to a factory. Registering the same ref twice
// is a programming error.
func (r *Registry) Register(classRef string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[classRef]; ok {
		return fmt.Errorf("policy %q already registered", classRef)
	}
	r.factories[classRef] = factory
	return nil
}

// New builds the policy registered under classRef.
func (r *Registry) New(classRef string, config map[string]any) (Policy, error) {
	r.mu.RLock()
	factory, ok := r.factories[classRef]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown policy class %q (known: %v)", classRef, r.known())
	}
	p, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("build policy %q: %w", classRef, err)
	}
	return p, nil
}

func (r *Registry) known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.factories))
	for ref := range r.factories {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
