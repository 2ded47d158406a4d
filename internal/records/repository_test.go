package records_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/logger"
	"codeberg.org/mutker/battester/internal/records"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedRecord(batteryID string, start time.Time, n int) *domain.TestRecord {
	rec := domain.NewTestRecord(batteryID, start)
	for i := 1; i <= n; i++ {
		rec.Samples = append(rec.Samples, domain.Sample{
			Timestamp: start.Add(time.Duration(i) * 500 * time.Millisecond),
			Current:   10000,
			Voltage:   domain.MilliVolts(12700 - i),
		})
	}
	res := domain.ComputeAmpHours(rec.StartTime, rec.Samples)
	rec.Status = domain.StatusCompleted
	rec.Result = &res
	return rec
}

func openRepo(t *testing.T) (records.Repository, string) {
	t.Helper()
	cfg := records.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "data", "records.db")

	repo, err := records.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	return repo, cfg.DBPath
}

func TestSaveAndGet(t *testing.T) {
	repo, _ := openRepo(t)
	defer repo.Close()

	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	rec := completedRecord("PACK-9", start, 40)

	require.NoError(t, repo.Save(context.Background(), rec))

	got, err := repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.BatteryID, got.BatteryID)
	assert.True(t, rec.StartTime.Equal(got.StartTime))
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.Len(t, got.Samples, 40)
	assert.Equal(t, rec.Samples[0].Voltage, got.Samples[0].Voltage)
	assert.True(t, rec.Samples[39].Timestamp.Equal(got.Samples[39].Timestamp))
	assert.InDelta(t, rec.Result.AmpHours, got.Result.AmpHours, 1e-12)
	assert.Equal(t, rec.Result.Duration, got.Result.Duration)
}

func TestSaveRejectsIncompleteRecords(t *testing.T) {
	repo, _ := openRepo(t)
	defer repo.Close()

	aborted := domain.NewTestRecord("PACK-1", time.Now())
	aborted.Status = domain.StatusAborted

	err := repo.Save(context.Background(), aborted)
	assert.True(t, errors.HasCode(err, records.ErrNotCompleted))

	list, err := repo.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListFiltersByBattery(t *testing.T) {
	repo, _ := openRepo(t)
	defer repo.Close()
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save(ctx, completedRecord("A", base.Add(time.Hour), 3)))
	require.NoError(t, repo.Save(ctx, completedRecord("B", base.Add(2*time.Hour), 5)))
	require.NoError(t, repo.Save(ctx, completedRecord("A", base, 2)))

	all, err := repo.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].StartTime.Equal(base), "ordered by start time")

	onlyA, err := repo.List(ctx, "A")
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, 2, onlyA[0].Samples)
	assert.Equal(t, 3, onlyA[1].Samples)
}

func TestGetMissing(t *testing.T) {
	repo, _ := openRepo(t)
	defer repo.Close()

	_, err := repo.Get(context.Background(), uuid.New())
	assert.True(t, errors.HasCode(err, records.ErrNotFound))
}

func TestRecordsSurviveReopen(t *testing.T) {
	repo, path := openRepo(t)
	rec := completedRecord("PACK-3", time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC), 5)
	require.NoError(t, repo.Save(context.Background(), rec))
	require.NoError(t, repo.Close())

	cfg := records.DefaultConfig()
	cfg.DBPath = path
	cfg.BackupOnMigrate = false
	repo, err := records.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	defer repo.Close()

	got, err := repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Len(t, got.Samples, 5)
}

func TestNewerSchemaIsRefused(t *testing.T) {
	repo, path := openRepo(t)
	require.NoError(t, repo.Save(context.Background(), completedRecord("PACK-4", time.Now(), 3)))
	require.NoError(t, repo.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO schema_versions VALUES (?, datetime('now'))`, records.SchemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg := records.DefaultConfig()
	cfg.DBPath = path
	cfg.BackupOnMigrate = false
	_, err = records.NewRepository(cfg, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, records.ErrSchemaTooNew))

	db, err = sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var tests, samples int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM tests`).Scan(&tests))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM samples`).Scan(&samples))
	assert.Equal(t, 1, tests)
	assert.Equal(t, 3, samples)
}

func TestSaveRollsBackOnSampleFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rec := completedRecord("PACK-3", time.Unix(0, 0), 2)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tests")).
		WithArgs(rec.ID.String(), "PACK-3", int64(0), "completed", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO samples"))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnError(assert.AnError)
	mock.ExpectRollback()

	repo := records.NewRepositoryWithDB(db, logger.Nop())
	err = repo.Save(context.Background(), rec)

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, records.ErrTransactionFailed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rec := completedRecord("PACK-4", time.Unix(0, 0), 1)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tests")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO samples")).
		ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(assert.AnError)

	repo := records.NewRepositoryWithDB(db, logger.Nop())
	err = repo.Save(context.Background(), rec)

	assert.True(t, errors.HasCode(err, records.ErrTransactionFailed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type memRepo struct {
	mu     sync.Mutex
	saved  []*domain.TestRecord
	closed bool
}

func (m *memRepo) Save(_ context.Context, rec *domain.TestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, rec)
	return nil
}

func (m *memRepo) Get(context.Context, uuid.UUID) (*domain.TestRecord, error) { return nil, nil }

func (m *memRepo) List(context.Context, string) ([]records.Summary, error) { return nil, nil }

func (m *memRepo) Close() error {
	m.closed = true
	return nil
}

func TestServiceDrainsOnClose(t *testing.T) {
	repo := &memRepo{}
	var notified int
	var mu sync.Mutex
	svc := records.NewService(repo, 4, logger.Nop(), func(*domain.TestRecord, error) {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Persist(completedRecord("P", time.Now(), 1)))
	}
	require.NoError(t, svc.Close())

	assert.Len(t, repo.saved, 3)
	assert.Equal(t, 3, notified)
	assert.True(t, repo.closed)

	err := svc.Persist(completedRecord("P", time.Now(), 1))
	assert.True(t, errors.HasCode(err, records.ErrServiceClosed))
}

func TestServiceRejectsAborted(t *testing.T) {
	svc := records.NewService(&memRepo{}, 1, logger.Nop(), nil)
	defer svc.Close()

	rec := domain.NewTestRecord("P", time.Now())
	rec.Status = domain.StatusAborted
	assert.True(t, errors.HasCode(svc.Persist(rec), records.ErrNotCompleted))
}
