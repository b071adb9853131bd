package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/RezaEskandarii/jobqueue/internal/lock"
	"github.com/RezaEskandarii/jobqueue/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLockManager struct {
	acquireErr error
	releaseErr error
	acquired   []int
	released   []int
}

func (m *mockLockManager) Acquire(ctx context.Context, lockID int) error {
	m.acquired = append(m.acquired, lockID)
	return m.acquireErr
}

func (m *mockLockManager) TryAcquire(ctx context.Context, lockID int) (bool, error) {
	return m.acquireErr == nil, m.acquireErr
}

func (m *mockLockManager) Release(ctx context.Context, lockID int) error {
	m.released = append(m.released, lockID)
	return m.releaseErr
}

var _ lock.DistributedLockManager = (*mockLockManager)(nil)

func TestReadSQLScripts(t *testing.T) {
	scripts, err := readSQLScripts()
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, "001_create_jobs.sql", scripts[0].name)
	assert.Contains(t, scripts[0].body, "CREATE TABLE IF NOT EXISTS jobqueue_schema.jobs")
	assert.Equal(t, "002_create_jobs_indexes.sql", scripts[1].name)
}

func TestInit_RunsMigrationsUnderLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lockMgr := &mockLockManager{}

	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS jobqueue_schema").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobqueue_schema.jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_jobs_pickup").WillReturnResult(sqlmock.NewResult(0, 0))

	err = Init(context.Background(), db, lockMgr, logger.Discard())
	require.NoError(t, err)
	assert.Len(t, lockMgr.acquired, 1)
	assert.Equal(t, lockMgr.acquired, lockMgr.released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInit_LockAcquireFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lockMgr := &mockLockManager{acquireErr: errors.New("lock busy")}

	err = Init(context.Background(), db, lockMgr, logger.Discard())
	assert.Error(t, err)
	assert.Empty(t, lockMgr.released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInit_MigrationFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lockMgr := &mockLockManager{}

	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS jobqueue_schema").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobqueue_schema.jobs").WillReturnError(errors.New("permission denied"))

	err = Init(context.Background(), db, lockMgr, logger.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_create_jobs.sql")
	assert.Len(t, lockMgr.released, 1)
}
