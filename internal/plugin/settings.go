package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownPlugin is returned when toggling a plugin that is not installed.
var ErrUnknownPlugin = errors.New("unknown plugin")

// EnablementStore persists the enabled plugin set of a user.
type EnablementStore interface {
	SetPluginEnabled(ctx context.Context, userID, plugin string, enabled bool) ([]string, error)
}

// Status describes an installed plugin from one user's point of view.
type Status struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Version     string   `json:"version"`
	Enabled     bool     `json:"enabled"`
	Functions   []string `json:"functions"`
}

// Settings lists and toggles plugins per user. Toggling never touches a
// cached catalog; the changed enabled set yields a new snapshot key.
type Settings struct {
	registry *Registry
	builder  *Builder
	store    EnablementStore
}

// NewSettings creates a Settings service.
func NewSettings(registry *Registry, builder *Builder, store EnablementStore) *Settings {
	return &Settings{registry: registry, builder: builder, store: store}
}

// List returns every installed plugin with the user's enablement.
func (s *Settings) List(ctx context.Context, userID string) ([]Status, error) {
	enabled, err := s.builder.Enabled(ctx, userID)
	if err != nil {
		return nil, err
	}
	descs := s.registry.List()
	out := make([]Status, 0, len(descs))
	for _, d := range descs {
		st := Status{
			Name:        d.Name,
			Description: d.Description,
			Version:     d.Version,
			Enabled:     slices.Contains(enabled, d.Name),
			Functions:   make([]string, 0, len(d.Functions)),
		}
		for _, fn := range d.Functions {
			st.Functions = append(st.Functions, QualifiedName(d.Name, fn.Name))
		}
		out = append(out, st)
	}
	return out, nil
}

// Enabled returns the user's enabled plugin names.
func (s *Settings) Enabled(ctx context.Context, userID string) ([]string, error) {
	return s.builder.Enabled(ctx, userID)
}

// Set enables or disables a plugin and returns the new enabled set.
func (s *Settings) Set(ctx context.Context, userID, name string, enabled bool) ([]string, error) {
	if !s.registry.Has(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	names, err := s.store.SetPluginEnabled(ctx, userID, name, enabled)
	if err != nil {
		return nil, fmt.Errorf("set plugin %s: %w", name, err)
	}
	return names, nil
}

// Apply performs a toggle action: "enable", "disable" or "toggle".
// It returns the plugin's new state and the enabled set.
func (s *Settings) Apply(ctx context.Context, userID, name, action string) (bool, []string, error) {
	var enable bool
	switch action {
	case "enable":
		enable = true
	case "disable":
		enable = false
	case "toggle", "":
		current, err := s.builder.Enabled(ctx, userID)
		if err != nil {
			return false, nil, err
		}
		enable = !slices.Contains(current, name)
	default:
		return false, nil, fmt.Errorf("unknown action %q", action)
	}
	names, err := s.Set(ctx, userID, name, enable)
	if err != nil {
		return false, nil, err
	}
	return enable, names, nil
}
