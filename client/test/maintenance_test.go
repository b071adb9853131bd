package test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RezaEskandarii/jobqueue/client"
	"github.com/RezaEskandarii/jobqueue/client/test/mocks"
	"github.com/RezaEskandarii/jobqueue/internal/constants"
	"github.com/RezaEskandarii/jobqueue/internal/logger"
	"github.com/RezaEskandarii/jobqueue/types/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMaintenance(t *testing.T, jobStore *mocks.MockJobStore, lockMgr *mocks.MockDistributedLockManager, opts ...config.Option) *client.Maintenance {
	t.Helper()
	cfg, err := config.NewConfig("test-instance", opts...)
	require.NoError(t, err)
	q := client.NewJobQueue(jobStore, config.NewJobHandler(), cfg)
	m, err := client.NewMaintenance(q, lockMgr, cfg, logger.Discard())
	require.NoError(t, err)
	return m
}

func TestNewMaintenance_SchedulesTasks(t *testing.T) {
	m := newMaintenance(t, &mocks.MockJobStore{}, &mocks.MockDistributedLockManager{})
	assert.Equal(t, 2, m.Tasks())

	m = newMaintenance(t, &mocks.MockJobStore{}, &mocks.MockDistributedLockManager{},
		config.WithCleanupSchedule("0 4 * * *", ""))
	assert.Equal(t, 1, m.Tasks())
}

func TestMaintenance_RunCleanup_UnderLock(t *testing.T) {
	var acquired, released []int
	var deleteCalled bool
	lockMgr := &mocks.MockDistributedLockManager{
		TryAcquireFunc: func(ctx context.Context, lockID int) (bool, error) {
			acquired = append(acquired, lockID)
			return true, nil
		},
		ReleaseFunc: func(ctx context.Context, lockID int) error {
			released = append(released, lockID)
			return nil
		},
	}
	jobStore := &mocks.MockJobStore{
		DeleteCompletedBeforeFunc: func(ctx context.Context, cutoff time.Time) (int64, error) {
			deleteCalled = true
			return 3, nil
		},
	}
	m := newMaintenance(t, jobStore, lockMgr, config.WithRetentionDays(30))

	require.NoError(t, m.RunCleanup(context.Background()))
	assert.True(t, deleteCalled)
	assert.Equal(t, []int{constants.CleanupLock}, acquired)
	assert.Equal(t, []int{constants.CleanupLock}, released)
}

func TestMaintenance_SkipsWhenLockHeld(t *testing.T) {
	var recoverCalled bool
	lockMgr := &mocks.MockDistributedLockManager{
		TryAcquireFunc: func(ctx context.Context, lockID int) (bool, error) {
			return false, nil
		},
		ReleaseFunc: func(ctx context.Context, lockID int) error {
			t.Fatal("release without acquire")
			return nil
		},
	}
	jobStore := &mocks.MockJobStore{
		RecoverStaleFunc: func(ctx context.Context, lockedBefore, now time.Time) (int64, error) {
			recoverCalled = true
			return 0, nil
		},
	}
	m := newMaintenance(t, jobStore, lockMgr)

	require.NoError(t, m.RunRecoverStale(context.Background()))
	assert.False(t, recoverCalled)
}

func TestMaintenance_RunRecoverStale_UsesLockTTL(t *testing.T) {
	var lockedBefore, now time.Time
	jobStore := &mocks.MockJobStore{
		RecoverStaleFunc: func(ctx context.Context, lb, n time.Time) (int64, error) {
			lockedBefore, now = lb, n
			return 1, nil
		},
	}
	m := newMaintenance(t, jobStore, &mocks.MockDistributedLockManager{}, config.WithStaleLockTTL(10*time.Minute))

	require.NoError(t, m.RunRecoverStale(context.Background()))
	assert.Equal(t, 10*time.Minute, now.Sub(lockedBefore))
}

func TestMaintenance_PropagatesErrors(t *testing.T) {
	lockErr := errors.New("lock backend down")
	m := newMaintenance(t, &mocks.MockJobStore{}, &mocks.MockDistributedLockManager{
		TryAcquireFunc: func(ctx context.Context, lockID int) (bool, error) {
			return false, lockErr
		},
	})
	assert.ErrorIs(t, m.RunCleanup(context.Background()), lockErr)

	m = newMaintenance(t, &mocks.MockJobStore{
		DeleteCompletedBeforeFunc: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return 0, errors.New("db down")
		},
	}, &mocks.MockDistributedLockManager{})
	assert.Error(t, m.RunCleanup(context.Background()))
}

func TestMaintenance_StartStop(t *testing.T) {
	ran := make(chan struct{}, 10)
	jobStore := &mocks.MockJobStore{
		RecoverStaleFunc: func(ctx context.Context, lockedBefore, now time.Time) (int64, error) {
			ran <- struct{}{}
			return 0, nil
		},
	}
	m := newMaintenance(t, jobStore, &mocks.MockDistributedLockManager{},
		config.WithCleanupSchedule("", "@every 1s"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("recover task did not run")
	}
	m.Stop()
}
