// Package plugintest holds conformance checks shared by every module's
// tests.
package plugintest

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/HerbHall/fremen/pkg/plugin"
	"go.uber.org/zap"
)

var healthStates = []string{"healthy", "degraded", "unhealthy"}

// TestPluginContract checks that the plugins built by factory honour the
// lifecycle and capability contracts. Each check gets a fresh plugin,
// initialised with a logger only, so modules must cope without a store,
// bus or config section:
//
//	func TestContract(t *testing.T) {
//		plugintest.TestPluginContract(t, func() plugin.Plugin { return presence.New() })
//	}
func TestPluginContract(t *testing.T, factory func() plugin.Plugin) {
	t.Helper()

	checks := []struct {
		name string
		run  func(t *testing.T, p plugin.Plugin)
	}{
		{"info", checkInfo},
		{"init_start_stop", func(t *testing.T, p plugin.Plugin) {
			initPlugin(t, p)
			if err := p.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if err := p.Stop(context.Background()); err != nil {
				t.Fatalf("Stop: %v", err)
			}
		}},
		{"stop_without_start", func(t *testing.T, p plugin.Plugin) {
			initPlugin(t, p)
			if err := p.Stop(context.Background()); err != nil {
				t.Fatalf("Stop without Start: %v", err)
			}
		}},
		{"routes", checkRoutes},
		{"subscriptions", checkSubscriptions},
		{"health", func(t *testing.T, p plugin.Plugin) {
			hc, ok := p.(plugin.HealthChecker)
			if !ok {
				t.Skip("no health reporting")
			}
			initPlugin(t, p)
			if got := hc.Health(context.Background()).Status; !slices.Contains(healthStates, got) {
				t.Errorf("Health().Status = %q, want one of %v", got, healthStates)
			}
		}},
	}

	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) { c.run(t, factory()) })
	}
}

func initPlugin(t *testing.T, p plugin.Plugin) {
	t.Helper()
	deps := plugin.Dependencies{Logger: zap.NewNop().Named(p.Info().Name)}
	if err := p.Init(context.Background(), deps); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func checkInfo(t *testing.T, p plugin.Plugin) {
	info := p.Info()
	if info.Name == "" || strings.ContainsAny(info.Name, "/ ") {
		t.Errorf("Info().Name = %q, want a non-empty path segment", info.Name)
	}
	if info.Version == "" {
		t.Error("Info().Version is empty")
	}
	if info.APIVersion < plugin.APIVersionMin || info.APIVersion > plugin.APIVersionCurrent {
		t.Errorf("Info().APIVersion = %d, outside [%d, %d]",
			info.APIVersion, plugin.APIVersionMin, plugin.APIVersionCurrent)
	}
	if slices.Contains(info.Dependencies, info.Name) {
		t.Error("plugin depends on itself")
	}
}

func checkRoutes(t *testing.T, p plugin.Plugin) {
	hp, ok := p.(plugin.HTTPProvider)
	if !ok {
		t.Skip("no routes")
	}
	seen := make(map[string]bool)
	for _, r := range hp.Routes() {
		key := r.Method + " " + r.Path
		switch {
		case r.Handler == nil:
			t.Errorf("%s: nil handler", key)
		case !strings.HasPrefix(r.Path, "/"):
			t.Errorf("%s: path must start with /", key)
		case seen[key]:
			t.Errorf("%s: registered twice", key)
		}
		seen[key] = true
	}
}

func checkSubscriptions(t *testing.T, p plugin.Plugin) {
	es, ok := p.(plugin.EventSubscriber)
	if !ok {
		t.Skip("no subscriptions")
	}
	for i, s := range es.Subscriptions() {
		if s.Topic == "" || s.Handler == nil {
			t.Errorf("subscription %d = {%q, handler set: %v}", i, s.Topic, s.Handler != nil)
		}
	}
}
