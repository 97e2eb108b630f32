package presence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/HerbHall/fremen/pkg/analytics"
)

// PresenceStore persists model snapshots and raw observations.
type PresenceStore struct {
	db *sql.DB
}

func NewPresenceStore(db *sql.DB) *PresenceStore {
	return &PresenceStore{db: db}
}

// storedModel is one row of presence_models.
type storedModel struct {
	DeviceID  string
	Snapshot  []byte
	UpdatedAt time.Time
}

// -- Models --

// UpsertModel writes the encoded snapshot of a device model.
func (s *PresenceStore) UpsertModel(ctx context.Context, deviceID string, snapshot []byte, measurements int, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence_models (device_id, snapshot, measurements, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			measurements = excluded.measurements,
			updated_at_ms = excluded.updated_at_ms`,
		deviceID, snapshot, measurements, updatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert model %s: %w", deviceID, err)
	}
	return nil
}

// ListModels returns every stored snapshot.
func (s *PresenceStore) ListModels(ctx context.Context) ([]storedModel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, snapshot, updated_at_ms FROM presence_models ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []storedModel
	for rows.Next() {
		var m storedModel
		var updatedMS int64
		if err := rows.Scan(&m.DeviceID, &m.Snapshot, &updatedMS); err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		m.UpdatedAt = time.UnixMilli(updatedMS).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteModel removes a device's snapshot and observations.
func (s *PresenceStore) DeleteModel(ctx context.Context, deviceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete model: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM presence_models WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete model %s: %w", deviceID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM presence_observations WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete observations %s: %w", deviceID, err)
	}
	return tx.Commit()
}

// -- Observations --

// InsertObservations stores a batch in a single transaction.
func (s *PresenceStore) InsertObservations(ctx context.Context, obs []analytics.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert observations: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO presence_observations (device_id, ts_ms, active) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert observation: %w", err)
	}
	defer stmt.Close()

	for i := range obs {
		active := 0
		if obs[i].Active {
			active = 1
		}
		if _, err := stmt.ExecContext(ctx, obs[i].DeviceID, obs[i].Timestamp.UnixMilli(), active); err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}
	}
	return tx.Commit()
}

// ListObservations returns a device's observations at or after since, oldest
// first.
func (s *PresenceStore) ListObservations(ctx context.Context, deviceID string, since time.Time) ([]analytics.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts_ms, active FROM presence_observations
		WHERE device_id = ? AND ts_ms >= ?
		ORDER BY ts_ms, id`,
		deviceID, since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	var out []analytics.Observation
	for rows.Next() {
		var tsMS int64
		var active int
		if err := rows.Scan(&tsMS, &active); err != nil {
			return nil, fmt.Errorf("scan observation row: %w", err)
		}
		out = append(out, analytics.Observation{
			DeviceID:  deviceID,
			Timestamp: time.UnixMilli(tsMS).UTC(),
			Active:    active != 0,
		})
	}
	return out, rows.Err()
}

// DeleteOldObservations removes observations older than cutoff.
func (s *PresenceStore) DeleteOldObservations(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM presence_observations WHERE ts_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old observations: %w", err)
	}
	return res.RowsAffected()
}
