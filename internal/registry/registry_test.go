package registry

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"testing"

	"github.com/HerbHall/fremen/pkg/plugin"
	"go.uber.org/zap"
)

type testPlugin struct {
	info     plugin.PluginInfo
	initErr  error
	panicOn  string
	stopLog  *[]string
	started  bool
	initDeps plugin.Dependencies
}

func newTestPlugin(name string, deps ...string) *testPlugin {
	return &testPlugin{info: plugin.PluginInfo{
		Name:         name,
		Version:      "0.1.0",
		Dependencies: deps,
		APIVersion:   plugin.APIVersionCurrent,
	}}
}

func (p *testPlugin) Info() plugin.PluginInfo { return p.info }

func (p *testPlugin) Init(_ context.Context, deps plugin.Dependencies) error {
	if p.panicOn == "init" {
		panic("init exploded")
	}
	p.initDeps = deps
	return p.initErr
}

func (p *testPlugin) Start(_ context.Context) error {
	if p.panicOn == "start" {
		panic("start exploded")
	}
	p.started = true
	return nil
}

func (p *testPlugin) Stop(_ context.Context) error {
	if p.stopLog != nil {
		*p.stopLog = append(*p.stopLog, p.info.Name)
	}
	if p.panicOn == "stop" {
		panic("stop exploded")
	}
	return nil
}

type routedPlugin struct {
	*testPlugin
	routes []plugin.Route
}

func (p *routedPlugin) Routes() []plugin.Route { return p.routes }

type subscribingPlugin struct {
	*testPlugin
	topics []string
}

func (p *subscribingPlugin) Subscriptions() []plugin.Subscription {
	subs := make([]plugin.Subscription, 0, len(p.topics))
	for _, topic := range p.topics {
		subs = append(subs, plugin.Subscription{Topic: topic, Handler: func(context.Context, plugin.Event) {}})
	}
	return subs
}

// recordingBus records subscriptions and how many were removed.
type recordingBus struct {
	topics  []string
	removed int
}

func (b *recordingBus) Publish(context.Context, plugin.Event) error { return nil }
func (b *recordingBus) PublishAsync(context.Context, plugin.Event)  {}
func (b *recordingBus) Subscribe(topic string, _ plugin.EventHandler) func() {
	b.topics = append(b.topics, topic)
	return func() { b.removed++ }
}
func (b *recordingBus) SubscribeAll(plugin.EventHandler) func() { return func() {} }

func depsFor(bus plugin.EventBus) func(string) plugin.Dependencies {
	return func(name string) plugin.Dependencies {
		return plugin.Dependencies{Logger: zap.NewNop().Named(name), Bus: bus}
	}
}

func names(ps []plugin.Plugin) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Info().Name)
	}
	return out
}

func TestRegister(t *testing.T) {
	reg := New(zap.NewNop())
	if err := reg.Register(newTestPlugin("presence")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(newTestPlugin("presence")); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := reg.Register(newTestPlugin("")); err == nil {
		t.Error("expected empty name to fail")
	}
}

func TestValidate_Order(t *testing.T) {
	tests := []struct {
		name    string
		plugins []*testPlugin
		want    []string
	}{
		{
			name:    "independent plugins sorted by name",
			plugins: []*testPlugin{newTestPlugin("probe"), newTestPlugin("presence")},
			want:    []string{"presence", "probe"},
		},
		{
			name:    "dependency first",
			plugins: []*testPlugin{newTestPlugin("presence", "zeta"), newTestPlugin("zeta")},
			want:    []string{"zeta", "presence"},
		},
		{
			name: "chain",
			plugins: []*testPlugin{
				newTestPlugin("c", "b"), newTestPlugin("b", "a"), newTestPlugin("a"),
			},
			want: []string{"a", "b", "c"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg := New(zap.NewNop())
			for _, p := range tc.plugins {
				if err := reg.Register(p); err != nil {
					t.Fatalf("Register: %v", err)
				}
			}
			if err := reg.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if got := names(reg.All()); !slices.Equal(got, tc.want) {
				t.Errorf("order = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestValidate_Cycle(t *testing.T) {
	reg := New(zap.NewNop())
	_ = reg.Register(newTestPlugin("a", "b"))
	_ = reg.Register(newTestPlugin("b", "a"))
	if err := reg.Validate(); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestValidate_MissingDependency(t *testing.T) {
	t.Run("optional is disabled with its dependents", func(t *testing.T) {
		reg := New(zap.NewNop())
		_ = reg.Register(newTestPlugin("probe", "missing"))
		_ = reg.Register(newTestPlugin("presence", "probe"))
		_ = reg.Register(newTestPlugin("standalone"))
		if err := reg.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if !reg.IsDisabled("probe") || !reg.IsDisabled("presence") {
			t.Error("expected probe and presence to be disabled")
		}
		if got := names(reg.All()); !slices.Equal(got, []string{"standalone"}) {
			t.Errorf("active = %v, want [standalone]", got)
		}
	})

	t.Run("required fails", func(t *testing.T) {
		reg := New(zap.NewNop())
		p := newTestPlugin("presence", "missing")
		p.info.Required = true
		_ = reg.Register(p)
		if err := reg.Validate(); err == nil {
			t.Fatal("expected error for required plugin with missing dependency")
		}
	})
}

func TestValidate_APIVersion(t *testing.T) {
	for _, v := range []int{plugin.APIVersionMin - 1, plugin.APIVersionCurrent + 1} {
		reg := New(zap.NewNop())
		p := newTestPlugin("presence")
		p.info.APIVersion = v
		_ = reg.Register(p)
		if err := reg.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if !reg.IsDisabled("presence") {
			t.Errorf("api version %d: expected plugin to be disabled", v)
		}
	}
}

func TestInitAll(t *testing.T) {
	t.Run("optional failure disables", func(t *testing.T) {
		reg := New(zap.NewNop())
		bad := newTestPlugin("probe")
		bad.initErr = errors.New("no socket")
		_ = reg.Register(bad)
		_ = reg.Register(newTestPlugin("presence"))
		_ = reg.Validate()

		if err := reg.InitAll(context.Background(), depsFor(nil)); err != nil {
			t.Fatalf("InitAll: %v", err)
		}
		if !reg.IsDisabled("probe") {
			t.Error("expected probe to be disabled")
		}
		if _, ok := reg.Resolve("probe"); ok {
			t.Error("disabled plugin should not resolve")
		}
	})

	t.Run("required failure returns error", func(t *testing.T) {
		reg := New(zap.NewNop())
		bad := newTestPlugin("presence")
		bad.info.Required = true
		bad.initErr = errors.New("bad config")
		_ = reg.Register(bad)
		_ = reg.Validate()

		if err := reg.InitAll(context.Background(), depsFor(nil)); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("panic is recovered", func(t *testing.T) {
		reg := New(zap.NewNop())
		p := newTestPlugin("probe")
		p.panicOn = "init"
		_ = reg.Register(p)
		_ = reg.Validate()

		if err := reg.InitAll(context.Background(), depsFor(nil)); err != nil {
			t.Fatalf("InitAll: %v", err)
		}
		if !reg.IsDisabled("probe") {
			t.Error("expected panicking plugin to be disabled")
		}
	})
}

func TestInitAll_WiresSubscriptions(t *testing.T) {
	reg := New(zap.NewNop())
	p := &subscribingPlugin{
		testPlugin: newTestPlugin("presence"),
		topics:     []string{"probe.observation", "probe.cycle.completed"},
	}
	_ = reg.Register(p)
	_ = reg.Validate()

	bus := &recordingBus{}
	if err := reg.InitAll(context.Background(), depsFor(bus)); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	if !slices.Equal(bus.topics, p.topics) {
		t.Errorf("subscribed topics = %v, want %v", bus.topics, p.topics)
	}
	if p.initDeps.Bus != bus {
		t.Error("plugin did not receive the bus")
	}

	reg.StopAll(context.Background())
	if bus.removed != 2 {
		t.Errorf("unsubscribed %d, want 2", bus.removed)
	}
}

func TestStartAll_PanicDisablesOptional(t *testing.T) {
	reg := New(zap.NewNop())
	bad := newTestPlugin("probe")
	bad.panicOn = "start"
	good := newTestPlugin("presence")
	_ = reg.Register(bad)
	_ = reg.Register(good)
	_ = reg.Validate()
	_ = reg.InitAll(context.Background(), depsFor(nil))

	if err := reg.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if !reg.IsDisabled("probe") {
		t.Error("expected probe to be disabled")
	}
	if !good.started {
		t.Error("presence was not started")
	}
}

func TestStopAll_ReverseOrderDespitePanics(t *testing.T) {
	var stopped []string
	reg := New(zap.NewNop())
	a := newTestPlugin("a")
	b := newTestPlugin("b", "a")
	c := newTestPlugin("c", "b")
	b.panicOn = "stop"
	for _, p := range []*testPlugin{a, b, c} {
		p.stopLog = &stopped
		_ = reg.Register(p)
	}
	_ = reg.Validate()
	_ = reg.InitAll(context.Background(), depsFor(nil))
	_ = reg.StartAll(context.Background())

	reg.StopAll(context.Background())

	if want := []string{"c", "b", "a"}; !slices.Equal(stopped, want) {
		t.Errorf("stop order = %v, want %v", stopped, want)
	}
}

func TestAllRoutesAndInfos(t *testing.T) {
	reg := New(zap.NewNop())
	routed := &routedPlugin{
		testPlugin: newTestPlugin("presence"),
		routes:     []plugin.Route{{Method: "GET", Path: "/models", Handler: func(http.ResponseWriter, *http.Request) {}}},
	}
	_ = reg.Register(routed)
	_ = reg.Register(newTestPlugin("probe"))
	_ = reg.Validate()

	routes := reg.AllRoutes()
	if len(routes) != 1 || len(routes["presence"]) != 1 {
		t.Errorf("routes = %v, want one presence route", routes)
	}

	infos := reg.Infos()
	if len(infos) != 2 || infos[0].Name != "presence" || infos[1].Name != "probe" {
		t.Errorf("infos = %+v", infos)
	}
}
