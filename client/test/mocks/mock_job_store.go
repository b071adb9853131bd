package mocks

import (
	"context"
	"time"

	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/types"
)

// MockJobStore is a mock implementation of store.JobStore for testing.
type MockJobStore struct {
	InsertFunc                      func(ctx context.Context, job types.NewJob, now time.Time) (*types.Job, error)
	BulkInsertFunc                  func(ctx context.Context, jobs []types.NewJob, now time.Time) ([]int64, error)
	FindByIDFunc                    func(ctx context.Context, id int64) (*types.Job, error)
	FetchDueJobsFunc                func(ctx context.Context, limit int, now time.Time) ([]types.Job, error)
	FetchRetryableFunc              func(ctx context.Context, limit int) ([]types.Job, error)
	ListFunc                        func(ctx context.Context, status state.JobStatus, page, pageSize int) (*types.PaginationResult[types.Job], error)
	ClaimFunc                       func(ctx context.Context, id int64, lockedBy string, now time.Time) (*types.Job, bool, error)
	MarkCompletedFunc               func(ctx context.Context, id int64, now time.Time) error
	MarkFailureFunc                 func(ctx context.Context, id int64, status state.JobStatus, errMsg string, retryAt *time.Time, now time.Time) error
	ResetFunc                       func(ctx context.Context, id int64, now time.Time) (bool, error)
	RecoverStaleFunc                func(ctx context.Context, lockedBefore, now time.Time) (int64, error)
	DeleteCompletedBeforeFunc       func(ctx context.Context, cutoff time.Time) (int64, error)
	CountAllJobsGroupedByStatusFunc func(ctx context.Context) (map[state.JobStatus]int, error)
	PingFunc                        func(ctx context.Context) error
	CloseFunc                       func() error
}

func (m *MockJobStore) Insert(ctx context.Context, job types.NewJob, now time.Time) (*types.Job, error) {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, job, now)
	}
	return &types.Job{Type: job.Type, Status: state.StatusPending}, nil
}

func (m *MockJobStore) BulkInsert(ctx context.Context, jobs []types.NewJob, now time.Time) ([]int64, error) {
	if m.BulkInsertFunc != nil {
		return m.BulkInsertFunc(ctx, jobs, now)
	}
	return nil, nil
}

func (m *MockJobStore) FindByID(ctx context.Context, id int64) (*types.Job, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockJobStore) FetchDueJobs(ctx context.Context, limit int, now time.Time) ([]types.Job, error) {
	if m.FetchDueJobsFunc != nil {
		return m.FetchDueJobsFunc(ctx, limit, now)
	}
	return []types.Job{}, nil
}

func (m *MockJobStore) FetchRetryable(ctx context.Context, limit int) ([]types.Job, error) {
	if m.FetchRetryableFunc != nil {
		return m.FetchRetryableFunc(ctx, limit)
	}
	return []types.Job{}, nil
}

func (m *MockJobStore) List(ctx context.Context, status state.JobStatus, page, pageSize int) (*types.PaginationResult[types.Job], error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, status, page, pageSize)
	}
	return types.NewPaginationResult[types.Job](nil, 0, page, pageSize), nil
}

func (m *MockJobStore) Claim(ctx context.Context, id int64, lockedBy string, now time.Time) (*types.Job, bool, error) {
	if m.ClaimFunc != nil {
		return m.ClaimFunc(ctx, id, lockedBy, now)
	}
	return nil, false, nil
}

func (m *MockJobStore) MarkCompleted(ctx context.Context, id int64, now time.Time) error {
	if m.MarkCompletedFunc != nil {
		return m.MarkCompletedFunc(ctx, id, now)
	}
	return nil
}

func (m *MockJobStore) MarkFailure(ctx context.Context, id int64, status state.JobStatus, errMsg string, retryAt *time.Time, now time.Time) error {
	if m.MarkFailureFunc != nil {
		return m.MarkFailureFunc(ctx, id, status, errMsg, retryAt, now)
	}
	return nil
}

func (m *MockJobStore) Reset(ctx context.Context, id int64, now time.Time) (bool, error) {
	if m.ResetFunc != nil {
		return m.ResetFunc(ctx, id, now)
	}
	return false, nil
}

func (m *MockJobStore) RecoverStale(ctx context.Context, lockedBefore, now time.Time) (int64, error) {
	if m.RecoverStaleFunc != nil {
		return m.RecoverStaleFunc(ctx, lockedBefore, now)
	}
	return 0, nil
}

func (m *MockJobStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.DeleteCompletedBeforeFunc != nil {
		return m.DeleteCompletedBeforeFunc(ctx, cutoff)
	}
	return 0, nil
}

func (m *MockJobStore) CountAllJobsGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	if m.CountAllJobsGroupedByStatusFunc != nil {
		return m.CountAllJobsGroupedByStatusFunc(ctx)
	}
	return map[state.JobStatus]int{}, nil
}

func (m *MockJobStore) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

func (m *MockJobStore) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
