// Package storetest holds behavioural checks shared by every store.JobStore
// implementation that can run without an external server.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RezaEskandarii/jobqueue/custom_errors"
	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/internal/store"
	"github.com/RezaEskandarii/jobqueue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run executes the suite. newStore must return an empty store per call.
func Run(t *testing.T, newStore func(t *testing.T) store.JobStore) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.JobStore, now time.Time)
	}{
		{"InsertAndFind", testInsertAndFind},
		{"FindMissing", testFindMissing},
		{"BulkInsert", testBulkInsert},
		{"PickupOrder", testPickupOrder},
		{"ScheduledNotDue", testScheduledNotDue},
		{"ClaimOnce", testClaimOnce},
		{"ExhaustedNotEligible", testExhaustedNotEligible},
		{"MarkCompleted", testMarkCompleted},
		{"MarkFailureRetry", testMarkFailureRetry},
		{"MarkRequiresProcessing", testMarkRequiresProcessing},
		{"FetchRetryable", testFetchRetryable},
		{"Reset", testReset},
		{"RecoverStale", testRecoverStale},
		{"DeleteCompletedBefore", testDeleteCompletedBefore},
		{"List", testList},
		{"Counts", testCounts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t), base)
		})
	}
}

func insert(t *testing.T, s store.JobStore, now time.Time, typ string, priority, maxAttempts int) *types.Job {
	t.Helper()
	job, err := s.Insert(context.Background(), types.NewJob{
		Type:        typ,
		Payload:     types.Payload{"name": typ},
		Priority:    priority,
		MaxAttempts: maxAttempts,
	}, now)
	require.NoError(t, err)
	return job
}

func claim(t *testing.T, s store.JobStore, id int64, now time.Time) *types.Job {
	t.Helper()
	job, ok, err := s.Claim(context.Background(), id, "worker-1", now)
	require.NoError(t, err)
	require.True(t, ok, "claim of job %d", id)
	return job
}

func testInsertAndFind(t *testing.T, s store.JobStore, now time.Time) {
	ctx := context.Background()
	job := insert(t, s, now, "SendEmail", types.PriorityHigh, 3)

	assert.NotZero(t, job.ID)
	assert.Equal(t, state.StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)

	found, err := s.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "SendEmail", found.Type)
	assert.Equal(t, "SendEmail", found.Payload["name"])
	assert.Equal(t, types.PriorityHigh, found.Priority)
	assert.Equal(t, 3, found.MaxAttempts)
	assert.True(t, found.CreatedAt.Equal(now))
}

func testFindMissing(t *testing.T, s store.JobStore, _ time.Time) {
	_, err := s.FindByID(context.Background(), 12345)
	assert.True(t, errors.Is(err, custom_errors.ErrJobNotFound))
}

func testBulkInsert(t *testing.T, s store.JobStore, now time.Time) {
	ctx := context.Background()
	ids, err := s.BulkInsert(ctx, []types.NewJob{
		{Type: "A", Priority: 1, MaxAttempts: 3},
		{Type: "B", Priority: 1, MaxAttempts: 3},
	}, now)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])

	second, err := s.FindByID(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, "B", second.Type)
}

func testPickupOrder(t *testing.T, s store.JobStore, now time.Time) {
	low := insert(t, s, now, "low", types.PriorityLow, 3)
	first := insert(t, s, now.Add(time.Second), "first", types.PriorityHigh, 3)
	second := insert(t, s, now.Add(2*time.Second), "second", types.PriorityHigh, 3)
	critical := insert(t, s, now.Add(3*time.Second), "critical", types.PriorityCritical, 3)

	jobs, err := s.FetchDueJobs(context.Background(), 10, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	assert.Equal(t, []int64{critical.ID, first.ID, second.ID, low.ID},
		[]int64{jobs[0].ID, jobs[1].ID, jobs[2].ID, jobs[3].ID})

	limited, err := s.FetchDueJobs(context.Background(), 1, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, critical.ID, limited[0].ID)
}

func testScheduledNotDue(t *testing.T, s store.JobStore, now time.Time) {
	ctx := context.Background()
	runAt := now.Add(time.Hour)
	job, err := s.Insert(ctx, types.NewJob{Type: "later", Priority: 5, MaxAttempts: 3, ScheduledAt: &runAt}, now)
	require.NoError(t, err)

	jobs, err := s.FetchDueJobs(ctx, 10, now)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, ok, err := s.Claim(ctx, job.ID, "worker-1", now)
	require.NoError(t, err)
	assert.False(t, ok)

	jobs, err = s.FetchDueJobs(ctx, 10, runAt)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
}

func testClaimOnce(t *testing.T, s store.JobStore, now time.Time) {
	ctx := context.Background()
	job := insert(t, s, now, "once", 5, 3)

	claimed := claim(t, s, job.ID, now)
	assert.Equal(t, state.StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.StartedAt)
	require.NotNil(t, claimed.LockedBy)
	assert.Equal(t, "worker-1", *claimed.LockedBy)

	again, ok, err := s.Claim(ctx, job.ID, "worker-2", now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, again)

	found, err := s.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, found.Attempts)

	_, ok, err = s.Claim(ctx, 999999, "worker-1", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testExhaustedNotEligible(t *testing.T, s store.JobStore, now time.Time) {
	ctx := context.Background()
	job := insert(t, s, now, "one-shot", 5, 1)
	claim(t, s, job.ID, now)
	require.NoError(t, s.MarkFailure(ctx, job.ID, state.StatusFailed, "boom", nil, now))

	jobs, err := s.FetchDueJobs(ctx, 10, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func testMarkCompleted(t *testing.T, s store.JobStore, now time.Time) {
	ctx := context.Background()
	job := insert(t, s, now, "done", 5, 3)
	claim(t, s, job.ID, now)

	later := now.Add(time.Second)
	require.NoError(t, s.MarkCompleted(ctx, job.ID, later))

	found, err := s.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, found.Status)
	require.NotNil(t, found.CompletedAt)
	assert.True(t, found.CompletedAt.Equal(later))
	assert.Nil(t, found.LockedBy)
}

func testMarkFailureRetry(t *testing.T, s store.JobStore, now time.Time) {
	ctx := context.Background()
	job := insert(t, s, now, "flaky", 5, 3)
	claim(t, s, job.ID, now)

	retryAt := now.Add(time.Minute)
	require.NoError(t, s.MarkFailure(ctx, job.ID, state.StatusRetrying, "timeout", &retryAt, now))

	found, err := s.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusRetrying, found.Status)
	require.NotNil(t, found.ErrorMessage)
	assert.Equal(t, "timeout", *found.ErrorMessage)
	require.NotNil(t, found.ScheduledAt)
	assert.True(t, found.ScheduledAt.Equal(retryAt))

	due, err := s.FetchDueJobs(ctx, 10, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.FetchDueJobs(ctx, 10, retryAt)
	require.NoError(t, err)
	require.Len(t, due, 1)

	reclaimed := claim(t, s, job.ID, retryAt)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func testMarkRequiresProcessing(t *testing.T, s store.JobStore, now time.Time) {
	ctx := context.Background()
	job := insert(t, s, now, "pending", 5, 3)

	err := s.MarkCompleted(ctx, job.ID, now)
	assert.True(t, errors.Is(err, custom_errors.ErrInvalidTransition))

	err = s.MarkFailure(ctx, job.ID, state.StatusFailed, "x", nil, now)
	assert.True(t, errors.Is(err, custom_errors.ErrInvalidTransition))
}

func testFetchRetryable(t *testing.T, s store.JobStore, now time.Time) {
	ctx := context.Background()
	insert(t, s, now, "pending", 5, 3)
	job := insert(t, s, now, "retrying", 5, 3)
	claim(t, s, job.ID, now)
	retryAt := now.Add(time.Hour)
	require.NoError(t, s.MarkFailure(ctx, job.ID, state.StatusRetrying, "later", &retryAt, now))

	jobs, err := s.FetchRetryable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
}

func testReset(t *testing.T, s store.JobStore, now time.Time) {
	ctx := context.Background()
	job := insert(t, s, now, "exhausted", 5, 1)
	claim(t, s, job.ID, now)
	require.NoError(t, s.MarkFailure(ctx, job.ID, state.StatusFailed, "boom", nil, now))

	ok, err := s.Reset(ctx, job.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := s.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, found.Status)
	assert.Equal(t, 0, found.Attempts)
	assert.Nil(t, found.ErrorMessage)
	assert.Nil(t, found.StartedAt)

	due, err := s.FetchDueJobs(ctx, 10, now)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	ok, err = s.Reset(ctx, job.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRecoverStale(t *testing.T, s store.JobStore, now time.Time) {
	ctx := context.Background()
	retryable := insert(t, s, now, "retryable", 5, 3)
	exhausted := insert(t, s, now, "exhausted", 5, 1)
	fresh := insert(t, s, now, "fresh", 5, 3)
	claim(t, s, retryable.ID, now)
	claim(t, s, exhausted.ID, now)
	claim(t, s, fresh.ID, now.Add(2*time.Hour))

	n, err := s.RecoverStale(ctx, now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	found, err := s.FindByID(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusRetrying, found.Status)
	require.NotNil(t, found.ErrorMessage)
	assert.Equal(t, store.StaleJobError, *found.ErrorMessage)

	found, err = s.FindByID(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, found.Status)

	found, err = s.FindByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusProcessing, found.Status)
}

func testDeleteCompletedBefore(t *testing.T, s store.JobStore, now time.Time) {
	ctx := context.Background()
	old := insert(t, s, now, "old", 5, 3)
	recent := insert(t, s, now, "recent", 5, 3)
	failed := insert(t, s, now, "failed", 5, 1)

	claim(t, s, old.ID, now)
	require.NoError(t, s.MarkCompleted(ctx, old.ID, now))
	claim(t, s, recent.ID, now)
	require.NoError(t, s.MarkCompleted(ctx, recent.ID, now.Add(8*24*time.Hour)))
	claim(t, s, failed.ID, now)
	require.NoError(t, s.MarkFailure(ctx, failed.ID, state.StatusFailed, "boom", nil, now))

	n, err := s.DeleteCompletedBefore(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.FindByID(ctx, old.ID)
	assert.True(t, errors.Is(err, custom_errors.ErrJobNotFound))
	_, err = s.FindByID(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = s.FindByID(ctx, failed.ID)
	assert.NoError(t, err)
}

func testList(t *testing.T, s store.JobStore, now time.Time) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		insert(t, s, now.Add(time.Duration(i)*time.Second), "job", 5, 3)
	}
	done := insert(t, s, now.Add(10*time.Second), "done", 5, 3)
	claim(t, s, done.ID, now.Add(10*time.Second))
	require.NoError(t, s.MarkCompleted(ctx, done.ID, now.Add(10*time.Second)))

	all, err := s.List(ctx, "", 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 6, all.TotalItems)
	assert.Equal(t, 2, all.TotalPages)
	require.Len(t, all.Items, 4)
	assert.Equal(t, done.ID, all.Items[0].ID)

	pageTwo, err := s.List(ctx, "", 2, 4)
	require.NoError(t, err)
	assert.Len(t, pageTwo.Items, 2)
	assert.False(t, pageTwo.HasNextPage)

	pending, err := s.List(ctx, state.StatusPending, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, pending.TotalItems)
	for _, j := range pending.Items {
		assert.Equal(t, state.StatusPending, j.Status)
	}
}

func testCounts(t *testing.T, s store.JobStore, now time.Time) {
	ctx := context.Background()
	counts, err := s.CountAllJobsGroupedByStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, counts, len(state.AllStatuses))
	for _, status := range state.AllStatuses {
		assert.Equal(t, 0, counts[status])
	}

	insert(t, s, now, "a", 5, 3)
	b := insert(t, s, now, "b", 5, 3)
	claim(t, s, b.ID, now)

	counts, err = s.CountAllJobsGroupedByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[state.StatusPending])
	assert.Equal(t, 1, counts[state.StatusProcessing])
	assert.Equal(t, 0, counts[state.StatusFailed])
}
