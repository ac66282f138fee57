package adapter

import (
	"sort"
	"sync"

	"runbox/internal/sandbox/profile"
	appErr "runbox/pkg/errors"
)

// Registry maps language ids to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// NewRegistryFromSpecs registers a TemplateAdapter per language spec.
func NewRegistryFromSpecs(langs []profile.LanguageSpec) (*Registry, error) {
	reg := NewRegistry()
	for _, lang := range langs {
		a, err := NewTemplateAdapter(lang)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Register adds an adapter; ids must be unique.
func (r *Registry) Register(a Adapter) error {
	if a == nil || a.ID() == "" {
		return appErr.ValidationError("adapter", "id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.ID()]; ok {
		return appErr.Newf(appErr.InternalServerError, "language %q registered twice", a.ID())
	}
	r.adapters[a.ID()] = a
	return nil
}

// Lookup returns the adapter for a language id.
func (r *Registry) Lookup(id string) (Adapter, error) {
	if id == "" {
		return nil, appErr.ValidationError("language", "required")
	}
	r.mu.RLock()
	a, ok := r.adapters[id]
	r.mu.RUnlock()
	if !ok {
		return nil, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", id).
			WithDetail("language", id)
	}
	return a, nil
}

// IDs lists the registered language ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
