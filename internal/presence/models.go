package presence

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/HerbHall/fremen/pkg/analytics"
	"github.com/HerbHall/fremen/pkg/fremen"
)

// deviceModel guards one device's model. Add takes the write lock;
// estimates and snapshots take the read lock.
type deviceModel struct {
	mu        sync.RWMutex
	model     *fremen.Model
	updatedAt time.Time
	dirty     bool // changed since last persisted
}

// summary must be called with dm.mu held.
func (dm *deviceModel) summary(deviceID string, harmonics int) analytics.ModelSummary {
	s := analytics.ModelSummary{
		DeviceID:     deviceID,
		Gain:         dm.model.Gain(),
		Measurements: dm.model.Measurements(),
		Harmonics:    make([]analytics.Harmonic, 0, harmonics),
		UpdatedAt:    dm.updatedAt,
	}
	if s.Measurements > 0 {
		s.FirstSeen = fromUnixSeconds(dm.model.FirstTime())
		s.LastSeen = fromUnixSeconds(dm.model.LastTime())
	}
	for _, h := range dm.model.Harmonics(harmonics) {
		s.Harmonics = append(s.Harmonics, analytics.Harmonic{
			PeriodSeconds: h.Period,
			Amplitude:     h.Amplitude,
			Phase:         h.Phase,
		})
	}
	return s
}

// pendingSnapshot is a model state waiting to be written to the store.
// model identifies the instance it was taken from.
type pendingSnapshot struct {
	deviceID  string
	model     *deviceModel
	snapshot  fremen.Snapshot
	updatedAt time.Time
}

// modelManager provides thread-safe access to per-device models.
type modelManager struct {
	mu     sync.RWMutex
	cfg    fremen.Config
	models map[string]*deviceModel
}

func newModelManager(cfg fremen.Config) *modelManager {
	return &modelManager{
		cfg:    cfg,
		models: make(map[string]*deviceModel),
	}
}

func (mm *modelManager) get(deviceID string) (*deviceModel, bool) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	dm, ok := mm.models[deviceID]
	return dm, ok
}

// getOrCreate returns the model for deviceID, creating an empty one if
// needed.
func (mm *modelManager) getOrCreate(deviceID string) (*deviceModel, error) {
	if dm, ok := mm.get(deviceID); ok {
		return dm, nil
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if dm, ok := mm.models[deviceID]; ok {
		return dm, nil
	}
	model, err := fremen.New(mm.cfg)
	if err != nil {
		return nil, err
	}
	dm := &deviceModel{model: model}
	mm.models[deviceID] = dm
	return dm, nil
}

// restore installs a model rebuilt from a stored snapshot.
func (mm *modelManager) restore(deviceID string, snap fremen.Snapshot, updatedAt time.Time) error {
	model, err := fremen.Restore(snap)
	if err != nil {
		return err
	}
	mm.mu.Lock()
	mm.models[deviceID] = &deviceModel{model: model, updatedAt: updatedAt}
	mm.mu.Unlock()
	return nil
}

func (mm *modelManager) remove(deviceID string) bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.models[deviceID]; !ok {
		return false
	}
	delete(mm.models, deviceID)
	return true
}

// current reports whether dm is still the tracked model of deviceID.
func (mm *modelManager) current(deviceID string, dm *deviceModel) bool {
	got, ok := mm.get(deviceID)
	return ok && got == dm
}

func (mm *modelManager) count() int {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return len(mm.models)
}

// ids returns the tracked device IDs in sorted order.
func (mm *modelManager) ids() []string {
	mm.mu.RLock()
	ids := make([]string, 0, len(mm.models))
	for id := range mm.models {
		ids = append(ids, id)
	}
	mm.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// takeDirty snapshots every model changed since the last call and clears
// its dirty flag. Callers that fail to persist a snapshot should call
// markDirty.
func (mm *modelManager) takeDirty() []pendingSnapshot {
	var out []pendingSnapshot
	for _, id := range mm.ids() {
		dm, ok := mm.get(id)
		if !ok {
			continue
		}
		dm.mu.Lock()
		if dm.dirty {
			out = append(out, pendingSnapshot{deviceID: id, model: dm, snapshot: dm.model.Snapshot(), updatedAt: dm.updatedAt})
			dm.dirty = false
		}
		dm.mu.Unlock()
	}
	return out
}

func (mm *modelManager) markDirty(deviceID string) {
	if dm, ok := mm.get(deviceID); ok {
		dm.mu.Lock()
		dm.dirty = true
		dm.mu.Unlock()
	}
}

// unixSeconds is the model time axis.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func fromUnixSeconds(s float64) time.Time {
	return time.UnixMilli(int64(math.Round(s * 1000))).UTC()
}
