// Package probe pings configured devices on a schedule and publishes the
// result of every check as a presence observation.
package probe

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/HerbHall/fremen/pkg/analytics"
	"github.com/HerbHall/fremen/pkg/plugin"
	"go.uber.org/zap"
)

var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
)

// TargetStatus is the outcome of the most recent check of a target.
type TargetStatus struct {
	Target
	Active      bool      `json:"active"`
	LastChecked time.Time `json:"last_checked,omitzero"`
	Checks      int       `json:"checks"`
}

// Module implements the probe plugin.
type Module struct {
	logger    *zap.Logger
	cfg       ProbeConfig
	bus       plugin.EventBus
	pinger    Pinger
	scheduler *Scheduler

	mu     sync.RWMutex
	status map[string]*TargetStatus
}

func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "probe",
		Version:      "0.1.0",
		Description:  "ICMP reachability checks feeding presence observations",
		Dependencies: []string{"presence"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal probe config: %w", err)
		}
	}
	if err := m.cfg.validate(); err != nil {
		return fmt.Errorf("probe config: %w", err)
	}
	if m.pinger == nil {
		m.pinger = ICMPPinger(m.cfg.PingCount, m.cfg.PingTimeout, m.cfg.Privileged)
	}
	m.bus = deps.Bus

	m.status = make(map[string]*TargetStatus, len(m.cfg.Targets))
	for _, t := range m.cfg.Targets {
		m.status[t.DeviceID] = &TargetStatus{Target: t}
	}

	m.logger.Info("probe module initialized",
		zap.Int("targets", len(m.cfg.Targets)),
		zap.Duration("interval", m.cfg.Interval),
		zap.Bool("privileged", m.cfg.Privileged),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	if len(m.cfg.Targets) == 0 {
		m.logger.Info("probe module has no targets; scheduler not started")
		return nil
	}
	m.scheduler = NewScheduler(m.cfg.Targets, m.pinger, m.record, m.cfg.Interval, m.cfg.MaxWorkers, m.logger)
	m.scheduler.Start(context.Background())
	m.logger.Info("probe module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.scheduler != nil {
		m.scheduler.Stop()
	}
	m.logger.Info("probe module stopped")
	return nil
}

// record updates the target's status and hands the observation to the bus.
func (m *Module) record(ctx context.Context, obs analytics.Observation) {
	m.mu.Lock()
	if st, ok := m.status[obs.DeviceID]; ok {
		st.Active = obs.Active
		st.LastChecked = obs.Timestamp
		st.Checks++
	}
	m.mu.Unlock()

	if m.bus == nil {
		return
	}
	// Synchronous so a round is ingested before the next one starts.
	if err := m.bus.Publish(context.WithoutCancel(ctx), plugin.Event{
		Topic:     analytics.TopicObservation,
		Source:    "probe",
		Timestamp: time.Now(),
		Payload:   obs,
	}); err != nil {
		m.logger.Warn("failed to publish observation",
			zap.String("device_id", obs.DeviceID),
			zap.Error(err),
		)
	}
}

// Statuses returns a copy of every target's status ordered by device ID.
func (m *Module) Statuses() []TargetStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TargetStatus, 0, len(m.status))
	for _, st := range m.status {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b TargetStatus) int { return cmp.Compare(a.DeviceID, b.DeviceID) })
	return out
}

// -- plugin.HealthChecker --

func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	statuses := m.Statuses()
	up := 0
	for _, st := range statuses {
		if st.Active {
			up++
		}
	}
	return plugin.HealthStatus{
		Status: "healthy",
		Details: map[string]string{
			"targets":   strconv.Itoa(len(statuses)),
			"reachable": strconv.Itoa(up),
		},
	}
}

// -- plugin.HTTPProvider --

func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/targets", Handler: m.handleListTargets},
	}
}

// handleListTargets returns the latest check result for every target.
//
//	@Summary		List probe targets
//	@Description	Returns every configured target with the result of its most recent check.
//	@Tags			probe
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{array}	TargetStatus
//	@Router			/probe/targets [get]
func (m *Module) handleListTargets(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(m.Statuses())
}
