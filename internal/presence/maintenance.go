package presence

import (
	"context"
	"time"

	"github.com/HerbHall/fremen/pkg/fremen"
	"go.uber.org/zap"
)

// startMaintenance launches a goroutine that periodically persists changed
// models and purges observations past the retention window.
func (m *Module) startMaintenance() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.runMaintenance()
			}
		}
	}()
}

func (m *Module) runMaintenance() {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	m.persistModels(ctx)

	if m.cfg.ObservationRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.cfg.ObservationRetention)
	deleted, err := m.store.DeleteOldObservations(ctx, cutoff)
	if err != nil {
		m.logger.Warn("failed to delete old observations", zap.Error(err))
	} else if deleted > 0 {
		m.logger.Info("purged old observations", zap.Int64("count", deleted))
	}
}

// persistModels writes the snapshot of every model changed since the last
// run. Failed writes are retried on the next run.
func (m *Module) persistModels(ctx context.Context) {
	m.resetMu.RLock()
	defer m.resetMu.RUnlock()
	m.persist(ctx, m.models.takeDirty())
}

// persist writes pending snapshots, skipping models reset since they were
// taken.
func (m *Module) persist(ctx context.Context, pending []pendingSnapshot) {
	persisted := 0
	for _, p := range pending {
		if !m.models.current(p.deviceID, p.model) {
			continue
		}
		data, err := fremen.MarshalSnapshot(p.snapshot)
		if err == nil {
			err = m.store.UpsertModel(ctx, p.deviceID, data, p.snapshot.Measurements, p.updatedAt)
		}
		if err != nil {
			m.models.markDirty(p.deviceID)
			m.logger.Warn("failed to persist model",
				zap.String("device_id", p.deviceID),
				zap.Error(err),
			)
			continue
		}
		persisted++
	}
	if persisted > 0 {
		m.logger.Debug("persisted models", zap.Int("count", persisted))
	}
}
