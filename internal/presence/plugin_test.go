package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/HerbHall/fremen/internal/config"
	"github.com/HerbHall/fremen/internal/testutil"
	"github.com/HerbHall/fremen/pkg/analytics"
	"github.com/HerbHall/fremen/pkg/plugin"
	"github.com/HerbHall/fremen/pkg/plugin/plugintest"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func TestPluginContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return New() })
}

type moduleDeps struct {
	store plugin.Store
	bus   *testutil.MockBus
}

func newModule(t *testing.T, d moduleDeps, settings map[string]any) *Module {
	t.Helper()
	v := viper.New()
	for k, val := range settings {
		v.Set(k, val)
	}
	deps := plugin.Dependencies{
		Logger: zap.NewNop(),
		Config: config.New(v),
		Store:  d.store,
	}
	if d.bus != nil {
		deps.Bus = d.bus
	}
	m := New()
	if err := m.Init(context.Background(), deps); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return m
}

func TestInit_WithConfig(t *testing.T) {
	m := newModule(t, moduleDeps{}, map[string]any{
		"num_periodicities": 24,
		"max_period":        "24h",
		"default_order":     2,
		"prediction_step":   "5m",
	})

	if m.cfg.NumPeriodicities != 24 {
		t.Errorf("NumPeriodicities = %d, want 24", m.cfg.NumPeriodicities)
	}
	if m.cfg.MaxPeriod != 24*time.Hour {
		t.Errorf("MaxPeriod = %v, want 24h", m.cfg.MaxPeriod)
	}
	if got := m.cfg.modelConfig().MaxPeriod; got != 86400 {
		t.Errorf("model MaxPeriod = %v, want 86400 seconds", got)
	}
	if m.cfg.DefaultOrder != 2 || m.cfg.PredictionStep != 5*time.Minute {
		t.Errorf("cfg = %+v", m.cfg)
	}
	if m.cfg.MaxPredictionPoints != DefaultConfig().MaxPredictionPoints {
		t.Error("unset keys should keep their defaults")
	}
}

func TestInit_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"zero periodicities", "num_periodicities", 0},
		{"negative max period", "max_period", "-1h"},
		{"zero step", "prediction_step", "0s"},
		{"zero default order", "default_order", 0},
		{"negative default order", "default_order", -1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tc.key, tc.val)
			err := New().Init(context.Background(), plugin.Dependencies{
				Logger: zap.NewNop(),
				Config: config.New(v),
			})
			if err == nil {
				t.Fatal("expected Init to fail")
			}
		})
	}
}

func TestIngest_LearnsWeeklyOfficeHours(t *testing.T) {
	m := newModule(t, moduleDeps{}, nil)
	device := testutil.NewDeviceID()
	obs := testutil.Schedule(device, testutil.Epoch, time.Hour, 14*24, testutil.OfficeHours)

	accepted, err := m.Ingest(context.Background(), device, obs)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if accepted != len(obs) {
		t.Fatalf("accepted = %d, want %d", accepted, len(obs))
	}

	wednesday := testutil.Epoch.AddDate(0, 0, 16) // 2024-01-17
	at := []time.Time{wednesday.Add(13 * time.Hour), wednesday.Add(3 * time.Hour)}
	preds, ok := m.Predict(device, at, 3, false)
	if !ok {
		t.Fatal("Predict: model not found")
	}
	if preds[0].Probability < 0.6 {
		t.Errorf("P(Wed 13:00) = %.3f, want >= 0.6", preds[0].Probability)
	}
	if preds[1].Probability > 0.4 {
		t.Errorf("P(Wed 03:00) = %.3f, want <= 0.4", preds[1].Probability)
	}
	for _, p := range preds {
		if p.Entropy < 0 || p.Entropy > 1 {
			t.Errorf("entropy %.3f outside [0, 1]", p.Entropy)
		}
	}
}

func TestIngest_UnsortedBatch(t *testing.T) {
	m := newModule(t, moduleDeps{}, nil)
	device := testutil.NewDeviceID()
	obs := testutil.Schedule(device, testutil.Epoch, time.Hour, 48, testutil.OfficeHours)
	reversed := make([]analytics.Observation, len(obs))
	for i := range obs {
		reversed[len(obs)-1-i] = obs[i]
	}

	accepted, err := m.Ingest(context.Background(), device, reversed)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if accepted != len(obs) {
		t.Errorf("accepted = %d, want %d", accepted, len(obs))
	}
	s, _ := m.Summary(device, 0)
	if !s.FirstSeen.Equal(obs[0].Timestamp) || !s.LastSeen.Equal(obs[len(obs)-1].Timestamp) {
		t.Errorf("first/last = %v/%v", s.FirstSeen, s.LastSeen)
	}
}

func TestIngest_ResubmissionIsDropped(t *testing.T) {
	m := newModule(t, moduleDeps{}, nil)
	device := testutil.NewDeviceID()
	obs := testutil.Schedule(device, testutil.Epoch, time.Hour, 24, testutil.OfficeHours)

	if _, err := m.Ingest(context.Background(), device, obs); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	before := promtest.ToFloat64(observationsDropped)
	accepted, err := m.Ingest(context.Background(), device, obs)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if accepted != 0 {
		t.Errorf("accepted = %d on resubmission, want 0", accepted)
	}
	if got := promtest.ToFloat64(observationsDropped) - before; got != float64(len(obs)) {
		t.Errorf("dropped delta = %v, want %d", got, len(obs))
	}
}

func TestIngest_Validation(t *testing.T) {
	m := newModule(t, moduleDeps{}, nil)

	if _, err := m.Ingest(context.Background(), "", []analytics.Observation{testutil.NewObservation()}); !errors.Is(err, ErrDeviceIDRequired) {
		t.Errorf("empty device error = %v, want ErrDeviceIDRequired", err)
	}
	n, err := m.Ingest(context.Background(), "printer", nil)
	if err != nil || n != 0 {
		t.Errorf("empty batch = (%d, %v), want (0, nil)", n, err)
	}
	if _, ok := m.Summary("printer", 0); ok {
		t.Error("empty batch should not create a model")
	}
}

func TestIngest_PublishesModelUpdated(t *testing.T) {
	bus := testutil.NewMockBus()
	m := newModule(t, moduleDeps{bus: bus}, nil)
	device := testutil.NewDeviceID()
	obs := testutil.Schedule(device, testutil.Epoch, time.Hour, 24, testutil.OfficeHours)

	if _, err := m.Ingest(context.Background(), device, obs); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	_, _ = m.Ingest(context.Background(), device, obs) // nothing new, no event

	events := bus.Events(analytics.TopicModelUpdated)
	if len(events) != 1 {
		t.Fatalf("model updated events = %d, want 1", len(events))
	}
	summary, ok := events[0].Payload.(analytics.ModelSummary)
	if !ok {
		t.Fatalf("payload type = %T, want analytics.ModelSummary", events[0].Payload)
	}
	if summary.DeviceID != device || summary.Measurements != 24 {
		t.Errorf("summary = %+v", summary)
	}
	if len(summary.Harmonics) != m.cfg.DefaultOrder {
		t.Errorf("harmonics = %d, want %d", len(summary.Harmonics), m.cfg.DefaultOrder)
	}
}

func TestReset_PublishesModelDeleted(t *testing.T) {
	bus := testutil.NewMockBus()
	m := newModule(t, moduleDeps{bus: bus}, nil)
	_, _ = m.Ingest(context.Background(), "nas", []analytics.Observation{testutil.NewObservation()})

	for range 2 {
		if _, err := m.Reset(context.Background(), "nas"); err != nil {
			t.Fatalf("Reset: %v", err)
		}
	}

	events := bus.Events(analytics.TopicModelDeleted)
	if len(events) != 1 {
		t.Fatalf("model deleted events = %d, want 1", len(events))
	}
	if id, _ := events[0].Payload.(string); id != "nas" {
		t.Errorf("payload = %v, want nas", events[0].Payload)
	}
}

func TestReset_SnapshotTakenBeforeIsNotWrittenBack(t *testing.T) {
	db := testutil.NewStore(t)
	device := testutil.NewDeviceID()
	m := newModule(t, moduleDeps{store: db}, nil)
	obs := testutil.Schedule(device, testutil.Epoch, time.Hour, 48, testutil.OfficeHours)
	if _, err := m.Ingest(context.Background(), device, obs); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	pending := m.models.takeDirty()
	if len(pending) != 1 {
		t.Fatalf("pending snapshots = %d, want 1", len(pending))
	}
	if _, err := m.Reset(context.Background(), device); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	m.persist(context.Background(), pending)

	rows, err := m.store.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("stored models after reset = %d, want 0", len(rows))
	}
	restarted := newModule(t, moduleDeps{store: db}, nil)
	if _, ok := restarted.Summary(device, 0); ok {
		t.Error("reset device restored after restart")
	}
}

func TestReset_LaterIngestStartsFresh(t *testing.T) {
	db := testutil.NewStore(t)
	m := newModule(t, moduleDeps{store: db}, nil)
	first := testutil.Schedule("nas", testutil.Epoch, time.Hour, 48, testutil.OfficeHours)
	if _, err := m.Ingest(context.Background(), "nas", first); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := m.Reset(context.Background(), "nas"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	second := testutil.Schedule("nas", testutil.Epoch.AddDate(0, 0, 7), time.Hour, 24, testutil.OfficeHours)
	if _, err := m.Ingest(context.Background(), "nas", second); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	m.persistModels(context.Background())

	restarted := newModule(t, moduleDeps{store: db}, nil)
	s, ok := restarted.Summary("nas", 0)
	if !ok {
		t.Fatal("model ingested after reset not persisted")
	}
	if s.Measurements != len(second) {
		t.Errorf("measurements = %d, want %d", s.Measurements, len(second))
	}
}

func TestObservationEvent(t *testing.T) {
	bus := testutil.NewMockBus()
	m := newModule(t, moduleDeps{bus: bus}, nil)
	for _, s := range m.Subscriptions() {
		bus.Subscribe(s.Topic, s.Handler)
	}

	ctx := context.Background()
	obs := testutil.NewObservation(testutil.WithDevice("nas"))
	_ = bus.Publish(ctx, plugin.Event{Topic: analytics.TopicObservation, Source: "probe", Payload: obs})
	_ = bus.Publish(ctx, plugin.Event{Topic: analytics.TopicObservation, Source: "probe", Payload: []analytics.Observation{
		testutil.NewObservation(testutil.WithDevice("nas"), testutil.WithTimestamp(testutil.Epoch.Add(time.Hour)), testutil.WithActive(false)),
		testutil.NewObservation(testutil.WithDevice("tv")),
	}})
	_ = bus.Publish(ctx, plugin.Event{Topic: analytics.TopicObservation, Source: "probe", Payload: "garbage"})

	nas, ok := m.Summary("nas", 0)
	if !ok || nas.Measurements != 2 || nas.Gain != 0.5 {
		t.Errorf("nas summary = %+v, ok=%v", nas, ok)
	}
	if _, ok := m.Summary("tv", 0); !ok {
		t.Error("tv model not created")
	}
}

func TestPersistAndRestore(t *testing.T) {
	db := testutil.NewStore(t)
	device := testutil.NewDeviceID()
	obs := testutil.Schedule(device, testutil.Epoch, time.Hour, 7*24, testutil.OfficeHours)
	probe := []time.Time{testutil.Epoch.AddDate(0, 0, 9).Add(11 * time.Hour)}

	first := newModule(t, moduleDeps{store: db}, nil)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := first.Ingest(context.Background(), device, obs); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	want, _ := first.Predict(device, probe, 5, false)
	if err := first.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	second := newModule(t, moduleDeps{store: db}, nil)
	s, ok := second.Summary(device, 0)
	if !ok {
		t.Fatal("model not restored")
	}
	if s.Measurements != len(obs) {
		t.Errorf("restored measurements = %d, want %d", s.Measurements, len(obs))
	}
	got, _ := second.Predict(device, probe, 5, false)
	if got[0].Probability != want[0].Probability {
		t.Errorf("restored prediction = %v, want %v", got[0].Probability, want[0].Probability)
	}

	// The restored model keeps rejecting samples it has already seen.
	accepted, err := second.Ingest(context.Background(), device, obs)
	if err != nil || accepted != 0 {
		t.Errorf("re-ingest after restore = (%d, %v), want (0, nil)", accepted, err)
	}
}

func TestRestore_SkipsCorruptRows(t *testing.T) {
	db := testutil.NewStore(t)
	m := newModule(t, moduleDeps{store: db}, nil)
	if err := m.store.UpsertModel(context.Background(), "broken", []byte{0xff, 0x00}, 1, time.Now()); err != nil {
		t.Fatalf("UpsertModel: %v", err)
	}

	restored := newModule(t, moduleDeps{store: db}, nil)
	if _, ok := restored.Summary("broken", 0); ok {
		t.Error("corrupt snapshot should be skipped")
	}
}

func TestMaintenance_PurgesOldObservations(t *testing.T) {
	db := testutil.NewStore(t)
	m := newModule(t, moduleDeps{store: db}, map[string]any{"observation_retention": "24h"})
	device := testutil.NewDeviceID()

	old := testutil.Schedule(device, time.Now().Add(-72*time.Hour), time.Hour, 3, testutil.OfficeHours)
	recent := testutil.Schedule(device, time.Now().Add(-2*time.Hour), time.Hour, 2, testutil.OfficeHours)
	if _, err := m.Ingest(context.Background(), device, append(old, recent...)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.runMaintenance()
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	kept, err := m.store.ListObservations(context.Background(), device, time.Time{})
	if err != nil {
		t.Fatalf("ListObservations: %v", err)
	}
	if len(kept) != len(recent) {
		t.Errorf("kept %d observations, want %d", len(kept), len(recent))
	}

	rows, err := m.store.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(rows) != 1 || rows[0].DeviceID != device {
		t.Errorf("persisted models = %+v", rows)
	}
}

func TestEvaluate(t *testing.T) {
	m := newModule(t, moduleDeps{}, nil)
	device := testutil.NewDeviceID()
	obs := testutil.Schedule(device, testutil.Epoch, time.Hour, 14*24, testutil.OfficeHours)
	if _, err := m.Ingest(context.Background(), device, obs); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	ev, err := m.Evaluate(device, obs, 6, 0.25, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(ev.Errors) != 7 || ev.Order != 6 || ev.Samples != len(obs) {
		t.Fatalf("evaluation = %+v", ev)
	}
	if ev.Errors[ev.BestOrder] > ev.Errors[0] {
		t.Errorf("best order %d error %.3f worse than gain-only %.3f", ev.BestOrder, ev.Errors[ev.BestOrder], ev.Errors[0])
	}
	for _, o := range ev.AcceptableOrders {
		if ev.Errors[o] >= 0.25 {
			t.Errorf("order %d listed as acceptable with error %.3f", o, ev.Errors[o])
		}
	}

	if _, err := m.Evaluate("unknown", obs, 3, 1, false); !errors.Is(err, errModelNotFound) {
		t.Errorf("unknown device error = %v", err)
	}
	if _, err := m.Evaluate(device, nil, 3, 1, false); !errors.Is(err, errNoObservations) {
		t.Errorf("empty observations error = %v", err)
	}
}

func TestHealth(t *testing.T) {
	m := newModule(t, moduleDeps{store: testutil.NewStore(t)}, nil)
	_, _ = m.Ingest(context.Background(), "printer", []analytics.Observation{testutil.NewObservation()})

	h := m.Health(context.Background())
	if h.Status != "healthy" {
		t.Errorf("status = %q", h.Status)
	}
	if h.Details["models_tracked"] != "1" || h.Details["persistence"] != "sqlite" {
		t.Errorf("details = %v", h.Details)
	}
}
