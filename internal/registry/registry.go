// Package registry manages module lifecycle: registration, dependency
// resolution, initialization, event wiring and shutdown.
package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/HerbHall/fremen/pkg/plugin"
	"go.uber.org/zap"
)

// Registry owns every registered plugin and drives them through
// Init, Start and Stop in dependency order.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]plugin.Plugin
	infos    map[string]plugin.PluginInfo
	order    []string // dependency order, set by Validate
	disabled map[string]bool
	unsubs   []func()
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		plugins:  make(map[string]plugin.Plugin),
		infos:    make(map[string]plugin.PluginInfo),
		disabled: make(map[string]bool),
		logger:   logger,
	}
}

// Register adds p. Must be called before Validate.
func (r *Registry) Register(p plugin.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := p.Info()
	if info.Name == "" {
		return fmt.Errorf("plugin has empty name")
	}
	if _, exists := r.plugins[info.Name]; exists {
		return fmt.Errorf("plugin %q already registered", info.Name)
	}

	r.plugins[info.Name] = p
	r.infos[info.Name] = info
	r.logger.Info("plugin registered",
		zap.String("name", info.Name),
		zap.String("version", info.Version),
		zap.Int("api_version", info.APIVersion),
	)
	return nil
}

// Validate checks API versions and dependencies, disabling optional plugins
// that cannot run, and computes the start order. A required plugin that
// cannot run is an error.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.sortedNames() {
		info := r.infos[name]
		if err := checkAPIVersion(info); err != nil {
			if err := r.disable(name, err); err != nil {
				return err
			}
		}
	}

	// Repeat until stable so that disabling one plugin cascades to its
	// dependents.
	for changed := true; changed; {
		changed = false
		for _, name := range r.sortedNames() {
			if r.disabled[name] {
				continue
			}
			for _, dep := range r.infos[name].Dependencies {
				var cause error
				switch {
				case r.plugins[dep] == nil:
					cause = fmt.Errorf("plugin %q depends on %q which is not registered", name, dep)
				case r.disabled[dep]:
					cause = fmt.Errorf("plugin %q depends on %q which is disabled", name, dep)
				}
				if cause == nil {
					continue
				}
				if err := r.disable(name, cause); err != nil {
					return err
				}
				changed = true
				break
			}
		}
	}

	order, err := r.topologicalSort()
	if err != nil {
		return err
	}
	r.order = order

	r.logger.Info("plugin dependency resolution complete",
		zap.Strings("start_order", r.order),
		zap.Int("disabled", len(r.disabled)),
	)
	return nil
}

// disable marks an optional plugin disabled, or returns cause for a
// required one.
func (r *Registry) disable(name string, cause error) error {
	if r.infos[name].Required {
		return cause
	}
	r.logger.Warn("disabling plugin", zap.String("name", name), zap.Error(cause))
	r.disabled[name] = true
	return nil
}

// InitAll initialises active plugins in dependency order and installs
// the bus subscriptions of EventSubscriber plugins.
func (r *Registry) InitAll(ctx context.Context, depsFn func(name string) plugin.Dependencies) error {
	return r.forward("init", func(name string, p plugin.Plugin) error {
		deps := depsFn(name)
		if err := p.Init(ctx, deps); err != nil {
			return err
		}
		if sub, ok := p.(plugin.EventSubscriber); ok && deps.Bus != nil {
			for _, s := range sub.Subscriptions() {
				r.unsubs = append(r.unsubs, deps.Bus.Subscribe(s.Topic, s.Handler))
				r.logger.Debug("plugin subscribed", zap.String("name", name), zap.String("topic", s.Topic))
			}
		}
		return nil
	})
}

// StartAll starts initialised plugins in dependency order.
func (r *Registry) StartAll(ctx context.Context) error {
	return r.forward("start", func(_ string, p plugin.Plugin) error {
		return p.Start(ctx)
	})
}

// forward runs phase on every active plugin in order. A failing optional
// plugin is disabled and skipped from then on; a failing required plugin
// aborts the walk.
func (r *Registry) forward(phase string, fn func(name string, p plugin.Plugin) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		r.logger.Info("plugin "+phase, zap.String("name", name))
		p := r.plugins[name]
		if err := guard(name, phase, func() error { return fn(name, p) }); err != nil {
			if err := r.disable(name, fmt.Errorf("plugin %q %s: %w", name, phase, err)); err != nil {
				return err
			}
		}
	}
	return nil
}

// StopAll removes bus subscriptions and stops active plugins in reverse
// dependency order. Errors and panics are logged and do not prevent the
// remaining plugins from stopping.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil

	for _, name := range slices.Backward(r.order) {
		if r.disabled[name] {
			continue
		}
		p := r.plugins[name]
		r.logger.Info("stopping plugin", zap.String("name", name))
		if err := guard(name, "stop", func() error { return p.Stop(ctx) }); err != nil {
			r.logger.Error("failed to stop plugin", zap.String("name", name), zap.Error(err))
		}
	}
}

// Resolve returns an active plugin by name. Implements plugin.PluginResolver.
func (r *Registry) Resolve(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok || r.disabled[name] {
		return nil, false
	}
	return p, true
}

// All returns active plugins in dependency order.
func (r *Registry) All() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]plugin.Plugin, 0, len(r.order))
	for _, name := range r.order {
		if !r.disabled[name] {
			out = append(out, r.plugins[name])
		}
	}
	return out
}

// Infos returns metadata of every registered plugin, sorted by name.
func (r *Registry) Infos() []plugin.PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]plugin.PluginInfo, 0, len(r.infos))
	for _, name := range r.sortedNames() {
		out = append(out, r.infos[name])
	}
	return out
}

// AllRoutes returns the routes of active HTTPProvider plugins keyed by
// plugin name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string][]plugin.Route)
	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		if hp, ok := r.plugins[name].(plugin.HTTPProvider); ok {
			if pr := hp.Routes(); len(pr) > 0 {
				routes[name] = pr
			}
		}
	}
	return routes
}

func (r *Registry) IsDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[name]
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// guard runs a lifecycle call and turns a panic into an error.
func guard(name, phase string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin %q panicked during %s: %v", name, phase, rec)
		}
	}()
	return fn()
}

func checkAPIVersion(info plugin.PluginInfo) error {
	switch {
	case info.APIVersion < plugin.APIVersionMin:
		return fmt.Errorf("plugin %q targets Plugin API v%d, but this server requires v%d or newer",
			info.Name, info.APIVersion, plugin.APIVersionMin)
	case info.APIVersion > plugin.APIVersionCurrent:
		return fmt.Errorf("plugin %q targets Plugin API v%d, but this server supports up to v%d",
			info.Name, info.APIVersion, plugin.APIVersionCurrent)
	}
	return nil
}

// topologicalSort orders active plugins so dependencies come first. The
// walk visits names and dependencies alphabetically, so the order is
// reproducible.
func (r *Registry) topologicalSort() ([]string, error) {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	order := make([]string, 0, len(r.plugins))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle detected among plugins: %v", append(path, name))
		}
		state[name] = visiting
		deps := slices.Sorted(slices.Values(r.infos[name].Dependencies))
		for _, dep := range deps {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range r.sortedNames() {
		if r.disabled[name] {
			continue
		}
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
