package records

import (
	"database/sql"

	"codeberg.org/mutker/battester/internal/errors"
)

const (
	// Version 1
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS tests (
	       id              TEXT PRIMARY KEY,
	       battery_id      TEXT NOT NULL,
	       start_time      INTEGER NOT NULL CHECK (typeof(start_time) = 'integer'),
	       status          TEXT NOT NULL CHECK (status = 'completed'),
	       amp_hours       REAL NOT NULL,
	       duration_ms     INTEGER NOT NULL CHECK (typeof(duration_ms) = 'integer'),
	       average_current REAL NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS tests_battery_id ON tests (battery_id, start_time);
	   CREATE TABLE IF NOT EXISTS samples (
	       test_id     TEXT NOT NULL REFERENCES tests (id) ON DELETE CASCADE,
	       seq         INTEGER NOT NULL,
	       timestamp   INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
	       millivolts  INTEGER NOT NULL CHECK (typeof(millivolts) = 'integer'),
	       milliamps   INTEGER NOT NULL CHECK (typeof(milliamps) = 'integer'),
	       PRIMARY KEY (test_id, seq)
	   );
	`

	insertVersionSQL = `
	   INSERT INTO schema_versions (version, applied_at)
	   VALUES (?, datetime('now'))
	`

	insertTestSQL = `
	   INSERT INTO tests (id, battery_id, start_time, status, amp_hours, duration_ms, average_current)
	   VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	insertSampleSQL = `
	   INSERT INTO samples (test_id, seq, timestamp, millivolts, milliamps)
	   VALUES (?, ?, ?, ?, ?)
	`

	selectTestSQL = `
	   SELECT battery_id, start_time, status, amp_hours, duration_ms, average_current
	   FROM tests WHERE id = ?
	`

	selectSamplesSQL = `
	   SELECT timestamp, millivolts, milliamps
	   FROM samples WHERE test_id = ? ORDER BY seq
	`

	listTestsSQL = `
	   SELECT t.id, t.battery_id, t.start_time, t.amp_hours, t.duration_ms, t.average_current,
	          (SELECT COUNT(*) FROM samples s WHERE s.test_id = t.id)
	   FROM tests t
	   WHERE (? = '' OR t.battery_id = ?)
	   ORDER BY t.start_time
	`
)

// GetSchemaVersion returns the current schema version
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
