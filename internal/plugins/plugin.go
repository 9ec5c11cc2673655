// Package plugins holds the activities a beaconcheck worker can run.
package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
)

// Plugin is one Temporal activity, registered under its type name.
type Plugin interface {
	GetType() string
	Activity(ctx context.Context, p map[string]interface{}) (interface{}, error)
}

// ActivityRegistry is the part of worker.Worker plugins are registered with.
type ActivityRegistry interface {
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

var _ ActivityRegistry = worker.Worker(nil)

type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds p. Registering the same type twice is an error.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := p.GetType()
	if t == "" {
		return fmt.Errorf("plugin type is required")
	}
	if _, exists := r.plugins[t]; exists {
		return fmt.Errorf("plugin %s is already registered", t)
	}
	r.plugins[t] = p
	return nil
}

func (r *Registry) Get(pluginType string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[pluginType]
	return p, ok
}

// All returns the registered plugins sorted by type.
func (r *Registry) All() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetType() < out[j].GetType() })
	return out
}

// RegisterWithTemporal registers every plugin as an activity named after its type.
func (r *Registry) RegisterWithTemporal(w ActivityRegistry) {
	for _, p := range r.All() {
		RegisterWithTemporal(w, p)
	}
}

var defaultRegistry = NewRegistry()

// RegisterPlugin registers a plugin in the global registry. It panics on a
// duplicate type since registration happens from init functions.
func RegisterPlugin(p Plugin) {
	if err := defaultRegistry.Register(p); err != nil {
		panic(err)
	}
}

func GetPlugin(pluginType string) (Plugin, bool) {
	return defaultRegistry.Get(pluginType)
}

func GetRegisteredPlugins() []Plugin {
	return defaultRegistry.All()
}

func RegisterWithTemporal(w ActivityRegistry, p Plugin) {
	w.RegisterActivityWithOptions(p.Activity, activity.RegisterOptions{Name: p.GetType()})
}

// RegisterAllWithTemporal registers every globally registered plugin.
func RegisterAllWithTemporal(w ActivityRegistry) {
	defaultRegistry.RegisterWithTemporal(w)
}
