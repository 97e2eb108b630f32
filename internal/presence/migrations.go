package presence

import (
	"database/sql"

	"github.com/HerbHall/fremen/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create presence tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS presence_models (
						device_id     TEXT    PRIMARY KEY,
						snapshot      BLOB    NOT NULL,
						measurements  INTEGER NOT NULL DEFAULT 0,
						updated_at_ms INTEGER NOT NULL
					)`,

					`CREATE TABLE IF NOT EXISTS presence_observations (
						id        INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id TEXT    NOT NULL,
						ts_ms     INTEGER NOT NULL,
						active    INTEGER NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_presence_observations_device_ts ON presence_observations(device_id, ts_ms)`,
					`CREATE INDEX IF NOT EXISTS idx_presence_observations_ts ON presence_observations(ts_ms)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
