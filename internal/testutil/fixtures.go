// Package testutil provides shared fixtures for fremen tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/HerbHall/fremen/internal/store"
	"github.com/HerbHall/fremen/pkg/analytics"
	"github.com/HerbHall/fremen/pkg/plugin"
)

// Epoch is a fixed Monday midnight used as the start of generated schedules.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// NewDeviceID returns a random device identifier.
func NewDeviceID() string {
	return "dev-" + uuid.NewString()
}

// NewObservation returns an active observation for a new device at Epoch.
// Override fields with options.
func NewObservation(opts ...func(*analytics.Observation)) analytics.Observation {
	o := analytics.Observation{
		DeviceID:  NewDeviceID(),
		Timestamp: Epoch,
		Active:    true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithDevice sets the observation's device ID.
func WithDevice(id string) func(*analytics.Observation) {
	return func(o *analytics.Observation) { o.DeviceID = id }
}

// WithTimestamp sets the observation time.
func WithTimestamp(t time.Time) func(*analytics.Observation) {
	return func(o *analytics.Observation) { o.Timestamp = t }
}

// WithActive sets the observed state.
func WithActive(active bool) func(*analytics.Observation) {
	return func(o *analytics.Observation) { o.Active = active }
}

// OfficeHours reports whether t falls in 08:00-18:00 on a weekday.
func OfficeHours(t time.Time) bool {
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return t.Hour() >= 8 && t.Hour() < 18
}

// Schedule returns n observations of deviceID spaced step apart from
// start, with the state given by active.
func Schedule(deviceID string, start time.Time, step time.Duration, n int, active func(time.Time) bool) []analytics.Observation {
	out := make([]analytics.Observation, n)
	for i := range out {
		t := start.Add(time.Duration(i) * step)
		out[i] = analytics.Observation{DeviceID: deviceID, Timestamp: t, Active: active(t)}
	}
	return out
}

// NewStore opens a private in-memory store closed at the end of the test.
func NewStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(store.MemoryPath)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// MockBus is a synchronous plugin.EventBus that records published events.
type MockBus struct {
	mu     sync.Mutex
	events []plugin.Event
	subs   map[string][]plugin.EventHandler
}

var _ plugin.EventBus = (*MockBus)(nil)

func NewMockBus() *MockBus {
	return &MockBus{subs: make(map[string][]plugin.EventHandler)}
}

func (b *MockBus) Publish(ctx context.Context, event plugin.Event) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	handlers := append([]plugin.EventHandler(nil), b.subs[event.Topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(ctx, event)
	}
	return nil
}

// PublishAsync delivers synchronously so tests can assert immediately.
func (b *MockBus) PublishAsync(ctx context.Context, event plugin.Event) {
	_ = b.Publish(ctx, event)
}

func (b *MockBus) Subscribe(topic string, handler plugin.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
	return func() {}
}

func (b *MockBus) SubscribeAll(plugin.EventHandler) func() { return func() {} }

// Events returns the published events with the given topic.
func (b *MockBus) Events(topic string) []plugin.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []plugin.Event
	for _, e := range b.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
