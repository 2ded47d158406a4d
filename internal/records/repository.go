package records

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/logger"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db     *sql.DB
	logger logger.Logger
}

// NewRepository opens the sqlite database at cfg.DBPath and migrates its
// schema forward if needed.
func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	backupDir := ""
	if cfg.BackupOnMigrate {
		backupDir = cfg.backupDir()
	}

	if err := ValidateAndUpdateSchema(db, backupDir, log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("Records repository initialized")

	return &repository{db: db, logger: log}, nil
}

// NewRepositoryWithDB wraps an already prepared database.
func NewRepositoryWithDB(db *sql.DB, log logger.Logger) Repository {
	return &repository{db: db, logger: log}
}

// Save writes a completed record and all its samples in one transaction.
func (r *repository) Save(ctx context.Context, rec *domain.TestRecord) error {
	errFactory := errors.New()

	if err := validateRecord(rec); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, insertTestSQL,
		rec.ID.String(),
		rec.BatteryID,
		rec.StartTime.UnixNano(),
		string(rec.Status),
		rec.Result.AmpHours,
		rec.Result.Duration.Milliseconds(),
		rec.Result.AverageCurrent,
	); err != nil {
		return errFactory.WithData(ErrTransactionFailed, struct {
			Phase string
			Error string
		}{
			Phase: "insert_test",
			Error: err.Error(),
		})
	}

	stmt, err := tx.PrepareContext(ctx, insertSampleSQL)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for i, s := range rec.Samples {
		if _, err := stmt.ExecContext(ctx,
			rec.ID.String(),
			int64(i),
			s.Timestamp.UnixNano(),
			int64(s.Voltage),
			int64(s.Current),
		); err != nil {
			return errFactory.WithData(ErrTransactionFailed, struct {
				Phase string
				Seq   int
				Error string
			}{
				Phase: "insert_sample",
				Seq:   i,
				Error: err.Error(),
			})
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	r.logger.Debug().
		Str("id", rec.ID.String()).
		Str("battery_id", rec.BatteryID).
		Int("samples", len(rec.Samples)).
		Msg("Saved test record")

	return nil
}

// Get loads one record with its samples.
func (r *repository) Get(ctx context.Context, id uuid.UUID) (*domain.TestRecord, error) {
	errFactory := errors.New()

	rec := &domain.TestRecord{ID: id, Result: &domain.AmpHourResult{}}
	var start, durationMS int64
	var status string

	err := r.db.QueryRowContext(ctx, selectTestSQL, id.String()).Scan(
		&rec.BatteryID,
		&start,
		&status,
		&rec.Result.AmpHours,
		&durationMS,
		&rec.Result.AverageCurrent,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errFactory.WithData(ErrNotFound, struct {
			ID string
		}{
			ID: id.String(),
		})
	}
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	rec.StartTime = time.Unix(0, start).UTC()
	rec.Status = domain.RecordStatus(status)
	rec.Result.Duration = time.Duration(durationMS) * time.Millisecond

	rows, err := r.db.QueryContext(ctx, selectSamplesSQL, id.String())
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ts int64
		var mv, ma int32
		if err := rows.Scan(&ts, &mv, &ma); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		rec.Samples = append(rec.Samples, domain.Sample{
			Timestamp: time.Unix(0, ts).UTC(),
			Voltage:   domain.MilliVolts(mv),
			Current:   domain.MilliAmps(ma),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return rec, nil
}

// List returns summaries ordered by start time, optionally filtered by
// battery.
func (r *repository) List(ctx context.Context, batteryID string) ([]Summary, error) {
	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, listTestsSQL, batteryID, batteryID)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var id string
		var start, durationMS int64
		if err := rows.Scan(&id, &s.BatteryID, &start, &s.AmpHours, &durationMS, &s.AverageCurrent, &s.Samples); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		s.StartTime = time.Unix(0, start).UTC()
		s.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

func (r *repository) Close() error {
	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Records repository closed gracefully")

	return nil
}

func validateRecord(rec *domain.TestRecord) error {
	errFactory := errors.New()

	if rec == nil || rec.BatteryID == "" {
		return errFactory.New(ErrInvalidRecord)
	}
	if rec.Status != domain.StatusCompleted || rec.Result == nil {
		return errFactory.WithData(ErrNotCompleted, struct {
			ID     string
			Status string
		}{
			ID:     rec.ID.String(),
			Status: string(rec.Status),
		})
	}
	return nil
}
