package plugin

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry holds every installed plugin. Registration bumps Version so that
// cached catalogs built from an older registry are never reused.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	version atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register installs a plugin under its descriptor name.
func (r *Registry) Register(p Plugin) error {
	desc := p.Descriptor()
	if desc.Name == "" || strings.Contains(desc.Name, "_") {
		return fmt.Errorf("invalid plugin name %q: must be non-empty without underscores", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[desc.Name]; exists {
		return fmt.Errorf("plugin %q already registered", desc.Name)
	}
	r.plugins[desc.Name] = p
	r.version.Add(1)

	slog.Info("Plugin registered", "plugin", desc.Name, "version", desc.Version, "functions", len(desc.Functions))
	return nil
}

// Unregister removes a plugin. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; ok {
		delete(r.plugins, name)
		r.version.Add(1)
		slog.Info("Plugin unregistered", "plugin", name)
	}
}

// Get returns the named plugin.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Has reports whether a plugin is installed.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p.Descriptor())
	}
	slices.SortFunc(out, func(a, b Descriptor) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Version changes whenever the set of plugins changes.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}
