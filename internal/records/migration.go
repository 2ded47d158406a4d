package records

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/logger"
)

// migrations[i] takes the schema from version i to version i+1. Steps are
// only ever appended; existing tables are altered in place, never dropped.
var migrations = []string{
	createTablesSQL,
}

// SchemaVersion is the version this binary reads and writes.
var SchemaVersion = len(migrations)

func backupDatabase(db *sql.DB, backupDir string, version int, log logger.Logger) (string, error) {
	errFactory := errors.New()

	if err := os.MkdirAll(backupDir, defaultDirPerm); err != nil {
		return "", errFactory.WithData(ErrSchemaMigrationFailed, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_backup_dir",
			Path:  backupDir,
			Error: err.Error(),
		})
	}

	timestamp := time.Now().UTC().Format("20060102T150405Z")
	backupPath := filepath.Join(backupDir,
		fmt.Sprintf("records_v%d_%s.db", version, timestamp))

	// VACUUM INTO requires no active transaction
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		return "", errFactory.WithData(ErrSchemaMigrationFailed, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_backup",
			Path:  backupPath,
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", backupPath).
		Int("version", version).
		Msg("Database backup created")

	return backupPath, nil
}

// ValidateAndUpdateSchema brings db up to SchemaVersion. A database written
// by a newer binary is refused and left untouched. When backupDir is set, an
// existing database is copied there before it is migrated.
func ValidateAndUpdateSchema(db *sql.DB, backupDir string, log logger.Logger) error {
	return migrate(db, migrations, backupDir, log)
}

func migrate(db *sql.DB, steps []string, backupDir string, log logger.Logger) error {
	errFactory := errors.New()
	target := len(steps)

	version, err := GetSchemaVersion(db)
	if err != nil {
		return errFactory.Wrap(ErrSchemaValidationFailed, err)
	}

	log.Debug().
		Int("version", version).
		Int("target", target).
		Msg("Current schema version")

	switch {
	case version == target:
		return nil
	case version > target:
		return errFactory.WithData(ErrSchemaTooNew, struct {
			Found     int
			Supported int
		}{
			Found:     version,
			Supported: target,
		})
	}

	if version > 0 && backupDir != "" {
		if _, err := backupDatabase(db, backupDir, version, log); err != nil {
			return err
		}
	}

	for v := version; v < target; v++ {
		if err := applyMigration(db, v+1, steps[v], log); err != nil {
			return err
		}
	}

	log.Info().
		Int("from", version).
		Int("to", target).
		Msg("Schema migrated")

	return nil
}

func applyMigration(db *sql.DB, version int, stmt string, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback migration")
			}
		}
	}()

	if _, err := tx.Exec(stmt); err != nil {
		return errFactory.WithData(ErrSchemaMigrationFailed, struct {
			Version int
			Error   string
		}{
			Version: version,
			Error:   err.Error(),
		})
	}

	if _, err := tx.Exec(insertVersionSQL, version); err != nil {
		return errFactory.WithData(ErrSchemaMigrationFailed, struct {
			Version int
			Phase   string
			Error   string
		}{
			Version: version,
			Phase:   "record_version",
			Error:   err.Error(),
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}
	committed = true

	log.Debug().Int("version", version).Msg("Migration applied")

	return nil
}
