// Package presence learns a periodic presence model per device from binary
// observations and serves predictions of future presence.
package presence

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/HerbHall/fremen/pkg/analytics"
	"github.com/HerbHall/fremen/pkg/fremen"
	"github.com/HerbHall/fremen/pkg/plugin"
	"go.uber.org/zap"
)

var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.HTTPProvider    = (*Module)(nil)
	_ plugin.HealthChecker   = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
)

// ErrDeviceIDRequired is returned by Ingest for observations without a device.
var ErrDeviceIDRequired = errors.New("device_id is required")

// Module implements the presence plugin.
type Module struct {
	logger *zap.Logger
	cfg    PresenceConfig
	store  *PresenceStore
	bus    plugin.EventBus
	models *modelManager

	// resetMu is held exclusively by Reset. Ingest and persistence share
	// it so a reset device is neither written back nor re-populated
	// half way through.
	resetMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "presence",
		Version:     "0.1.0",
		Description: "Periodic presence models and predictions",
		Required:    true,
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal presence config: %w", err)
		}
	}
	if err := m.cfg.validate(); err != nil {
		return fmt.Errorf("presence config: %w", err)
	}
	if _, err := fremen.New(m.cfg.modelConfig()); err != nil {
		return fmt.Errorf("presence config: %w", err)
	}
	m.models = newModelManager(m.cfg.modelConfig())

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "presence", migrations()); err != nil {
			return fmt.Errorf("presence migrations: %w", err)
		}
		m.store = NewPresenceStore(deps.Store.DB())
		if err := m.restoreModels(ctx); err != nil {
			return err
		}
	}
	m.bus = deps.Bus
	modelsTracked.Set(float64(m.models.count()))

	m.logger.Info("presence module initialized",
		zap.Int("num_periodicities", m.cfg.NumPeriodicities),
		zap.Duration("max_period", m.cfg.MaxPeriod),
		zap.Int("default_order", m.cfg.DefaultOrder),
		zap.Int("models_restored", m.models.count()),
	)
	return nil
}

// restoreModels loads every stored snapshot. Undecodable rows are logged
// and skipped so one bad row does not block startup.
func (m *Module) restoreModels(ctx context.Context) error {
	rows, err := m.store.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("load presence models: %w", err)
	}
	for _, row := range rows {
		snap, err := fremen.UnmarshalSnapshot(row.Snapshot)
		if err == nil {
			err = m.models.restore(row.DeviceID, snap, row.UpdatedAt)
		}
		if err != nil {
			m.logger.Warn("skipping stored model",
				zap.String("device_id", row.DeviceID),
				zap.Error(err),
			)
			continue
		}
		if snap.Config != m.cfg.modelConfig() {
			m.logger.Info("restored model keeps its stored configuration",
				zap.String("device_id", row.DeviceID),
				zap.Int("num_periodicities", snap.Config.NumPeriodicities),
				zap.Float64("max_period_seconds", snap.Config.MaxPeriod),
			)
		}
	}
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.startMaintenance()
	m.logger.Info("presence module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if m.store != nil && m.models != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.persistModels(ctx)
	}
	m.logger.Info("presence module stopped")
	return nil
}

// -- plugin.HealthChecker --

func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	count := 0
	if m.models != nil {
		count = m.models.count()
	}
	persistence := "memory"
	if m.store != nil {
		persistence = "sqlite"
	}
	return plugin.HealthStatus{
		Status: "healthy",
		Details: map[string]string{
			"models_tracked": strconv.Itoa(count),
			"persistence":    persistence,
		},
	}
}

// -- plugin.EventSubscriber --

func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: analytics.TopicObservation, Handler: m.handleObservationEvent},
	}
}

// handleObservationEvent accepts a single observation or a slice of them.
func (m *Module) handleObservationEvent(ctx context.Context, event plugin.Event) {
	var obs []analytics.Observation
	switch p := event.Payload.(type) {
	case analytics.Observation:
		obs = []analytics.Observation{p}
	case []analytics.Observation:
		obs = p
	default:
		m.logger.Debug("ignored observation event: unexpected payload type",
			zap.String("source", event.Source))
		return
	}

	for deviceID, batch := range groupByDevice(obs) {
		if _, err := m.Ingest(ctx, deviceID, batch); err != nil {
			m.logger.Warn("failed to ingest observation",
				zap.String("device_id", deviceID),
				zap.String("source", event.Source),
				zap.Error(err),
			)
		}
	}
}

// Ingest folds observations of one device into its model and returns how
// many were new. Observations are ordered by timestamp first; those not
// newer than the model's latest sample are counted as dropped.
func (m *Module) Ingest(ctx context.Context, deviceID string, obs []analytics.Observation) (int, error) {
	if deviceID == "" {
		return 0, ErrDeviceIDRequired
	}
	if len(obs) == 0 {
		return 0, nil
	}
	start := time.Now()

	m.resetMu.RLock()
	defer m.resetMu.RUnlock()

	sorted := slices.Clone(obs)
	slices.SortStableFunc(sorted, func(a, b analytics.Observation) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	x := make([]float64, len(sorted))
	y := make([]float64, len(sorted))
	for i, o := range sorted {
		x[i] = unixSeconds(o.Timestamp)
		if o.Active {
			y[i] = 1
		}
	}

	dm, err := m.models.getOrCreate(deviceID)
	if err != nil {
		return 0, fmt.Errorf("create model for %s: %w", deviceID, err)
	}

	dm.mu.Lock()
	accepted, err := dm.model.Add(x, y)
	if err != nil {
		dm.mu.Unlock()
		return 0, fmt.Errorf("add observations for %s: %w", deviceID, err)
	}
	var summary analytics.ModelSummary
	if accepted > 0 {
		dm.updatedAt = time.Now().UTC()
		dm.dirty = true
		summary = dm.summary(deviceID, m.cfg.DefaultOrder)
	}
	dm.mu.Unlock()

	ingestDuration.Observe(time.Since(start).Seconds())
	observationsIngested.Add(float64(accepted))
	observationsDropped.Add(float64(len(obs) - accepted))
	modelsTracked.Set(float64(m.models.count()))

	if accepted == 0 {
		return 0, nil
	}

	if m.store != nil {
		// Model.Add accepts a suffix of the time-ordered batch.
		fresh := sorted[len(sorted)-accepted:]
		for i := range fresh {
			fresh[i].DeviceID = deviceID
		}
		if err := m.store.InsertObservations(ctx, fresh); err != nil {
			m.logger.Warn("failed to store observations",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}

	if m.bus != nil {
		m.bus.PublishAsync(context.WithoutCancel(ctx), plugin.Event{
			Topic:     analytics.TopicModelUpdated,
			Source:    "presence",
			Timestamp: summary.UpdatedAt,
			Payload:   summary,
		})
	}
	return accepted, nil
}

// Summaries returns a summary of every tracked model ordered by device ID.
func (m *Module) Summaries() []analytics.ModelSummary {
	ids := m.models.ids()
	out := make([]analytics.ModelSummary, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.Summary(id, m.cfg.DefaultOrder); ok {
			out = append(out, s)
		}
	}
	return out
}

// Summary returns the model summary of one device with its strongest
// harmonics.
func (m *Module) Summary(deviceID string, harmonics int) (analytics.ModelSummary, bool) {
	dm, ok := m.models.get(deviceID)
	if !ok {
		return analytics.ModelSummary{}, false
	}
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.summary(deviceID, harmonics), true
}

// Predict estimates presence probability and entropy for each time in ts.
func (m *Module) Predict(deviceID string, ts []time.Time, order int, normalize bool) ([]analytics.Prediction, bool) {
	dm, ok := m.models.get(deviceID)
	if !ok {
		return nil, false
	}
	x := make([]float64, len(ts))
	for i, t := range ts {
		x[i] = unixSeconds(t)
	}

	dm.mu.RLock()
	probs := dm.model.Estimate(x, order, normalize)
	entropy := dm.model.EstimateEntropy(x, order, normalize)
	dm.mu.RUnlock()

	out := make([]analytics.Prediction, len(ts))
	for i, t := range ts {
		out[i] = analytics.Prediction{Timestamp: t, Probability: probs[i], Entropy: entropy[i]}
	}
	return out, true
}

// Evaluate scores model orders 0..order against the given observations.
func (m *Module) Evaluate(deviceID string, obs []analytics.Observation, order int, errorThreshold float64, normalize bool) (analytics.Evaluation, error) {
	dm, ok := m.models.get(deviceID)
	if !ok {
		return analytics.Evaluation{}, errModelNotFound
	}
	if len(obs) == 0 {
		return analytics.Evaluation{}, errNoObservations
	}
	x := make([]float64, len(obs))
	y := make([]float64, len(obs))
	for i, o := range obs {
		x[i] = unixSeconds(o.Timestamp)
		if o.Active {
			y[i] = 1
		}
	}

	dm.mu.RLock()
	ev, err := dm.model.Evaluate(x, y, order, errorThreshold, normalize)
	dm.mu.RUnlock()
	if err != nil {
		return analytics.Evaluation{}, err
	}

	best := 0
	for j, e := range ev.Errors {
		if cmp.Less(e, ev.Errors[best]) {
			best = j
		}
	}
	orders := ev.Orders
	if orders == nil {
		orders = []int{}
	}
	return analytics.Evaluation{
		DeviceID:         deviceID,
		Order:            len(ev.Errors) - 1,
		Samples:          len(obs),
		Errors:           ev.Errors,
		AcceptableOrders: orders,
		BestOrder:        best,
	}, nil
}

// Reset forgets a device model and its stored history.
func (m *Module) Reset(ctx context.Context, deviceID string) (bool, error) {
	m.resetMu.Lock()
	removed := m.models.remove(deviceID)
	modelsTracked.Set(float64(m.models.count()))
	var err error
	if m.store != nil {
		err = m.store.DeleteModel(ctx, deviceID)
	}
	m.resetMu.Unlock()
	if err != nil {
		return removed, err
	}
	if removed && m.bus != nil {
		m.bus.PublishAsync(context.WithoutCancel(ctx), plugin.Event{
			Topic:     analytics.TopicModelDeleted,
			Source:    "presence",
			Timestamp: time.Now(),
			Payload:   deviceID,
		})
	}
	return removed, nil
}

var (
	errModelNotFound  = errors.New("no model for device")
	errNoObservations = errors.New("no recorded observations in range")
)

func groupByDevice(obs []analytics.Observation) map[string][]analytics.Observation {
	groups := make(map[string][]analytics.Observation)
	for _, o := range obs {
		groups[o.DeviceID] = append(groups[o.DeviceID], o)
	}
	return groups
}
