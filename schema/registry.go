package schema

import (
	"sort"
	"sync"
)

// MemoryRegistry is the in-process Registry implementation. It is seeded
// with the built-in definitions and safe for concurrent use; domain code
// registers additional entity types at startup.
type MemoryRegistry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry returns a registry seeded with the built-in definitions.
func NewRegistry() *MemoryRegistry {
	r := &MemoryRegistry{defs: make(map[string]*Definition)}
	for _, def := range builtinDefinitions() {
		r.Register(def)
	}
	return r
}

// Get returns the definition for entityType, falling back to the generic
// definition (and false) for unknown types.
func (r *MemoryRegistry) Get(entityType string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if def, ok := r.defs[entityType]; ok {
		return def, true
	}
	return r.defs[GenericType], false
}

// Register adds or replaces a definition.
func (r *MemoryRegistry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Type] = def
}

// Types returns all registered type names, sorted.
func (r *MemoryRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
