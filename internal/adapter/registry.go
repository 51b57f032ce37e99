package adapter

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// RegistryFile is the optional on-disk agent registry (~/.uplink/agents.yaml).
// It can disable agents or override their binary paths without rebuilding.
type RegistryFile struct {
	Agents map[string]RegistryEntry `yaml:"agents"`
}

// RegistryEntry is one agent's overrides in the registry file.
type RegistryEntry struct {
	Disabled bool   `yaml:"disabled"`
	Binary   string `yaml:"binary,omitempty"`
}

// Registry holds the registered adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	disabled map[string]bool
	binaries map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		disabled: make(map[string]bool),
		binaries: make(map[string]string),
	}
}

// LoadFile applies overrides from a YAML registry file. A missing file is
// not an error; a malformed one is.
func (r *Registry) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read agent registry: %w", err)
	}

	var file RegistryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse agent registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range file.Agents {
		r.disabled[id] = entry.Disabled
		if entry.Binary != "" {
			r.binaries[id] = entry.Binary
		}
	}
	return nil
}

// Register adds an adapter. Registering a disabled agent is allowed; Get
// and List will skip it.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter for the agent ID, or false when the agent is
// unknown or disabled.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.disabled[id] {
		return nil, false
	}
	a, ok := r.adapters[id]
	return a, ok
}

// BinaryOverride returns the configured binary path for the agent, if any.
func (r *Registry) BinaryOverride(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.binaries[id]
}

// List returns all enabled adapters, sorted by ID.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		if !r.disabled[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]Adapter, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.adapters[id])
	}
	return out
}
