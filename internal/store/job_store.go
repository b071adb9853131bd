package store

import (
	"context"
	"time"

	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/types"
)

// JobStore persists job records. Implementations take the current time as an
// argument so that eligibility and timestamps follow the caller's clock.
// Lookups of a missing id return custom_errors.ErrJobNotFound.
type JobStore interface {
	// Insert persists a pending job and returns it with its assigned id.
	Insert(ctx context.Context, job types.NewJob, now time.Time) (*types.Job, error)

	// BulkInsert persists a batch of pending jobs and returns their ids in order.
	BulkInsert(ctx context.Context, jobs []types.NewJob, now time.Time) ([]int64, error)

	FindByID(ctx context.Context, id int64) (*types.Job, error)

	// FetchDueJobs returns up to limit jobs that may be claimed at now:
	// pending or retrying, attempts < max_attempts, scheduled_at unset or <= now,
	// ordered by priority DESC, created_at ASC, id ASC.
	FetchDueJobs(ctx context.Context, limit int, now time.Time) ([]types.Job, error)

	// FetchRetryable returns up to limit retrying jobs with attempts left,
	// in pickup order, whether or not they are due yet.
	FetchRetryable(ctx context.Context, limit int) ([]types.Job, error)

	// List pages through jobs, optionally filtered by status (empty = all), newest first.
	List(ctx context.Context, status state.JobStatus, page, pageSize int) (*types.PaginationResult[types.Job], error)

	// Claim atomically moves an eligible job to processing, increments its
	// attempts and records the claiming instance. It returns false when another
	// worker claimed it first or it is no longer eligible.
	Claim(ctx context.Context, id int64, lockedBy string, now time.Time) (*types.Job, bool, error)

	MarkCompleted(ctx context.Context, id int64, now time.Time) error

	// MarkFailure records a failed attempt, moving the job to status
	// (retrying or failed). retryAt, when set, becomes the new scheduled_at.
	MarkFailure(ctx context.Context, id int64, status state.JobStatus, errMsg string, retryAt *time.Time, now time.Time) error

	// Reset moves a failed job back to pending with its attempts cleared.
	// It returns false when the job is not in the failed status.
	Reset(ctx context.Context, id int64, now time.Time) (bool, error)

	// RecoverStale releases processing jobs started before lockedBefore: back to
	// retrying when attempts remain, otherwise failed. Returns the number released.
	RecoverStale(ctx context.Context, lockedBefore, now time.Time) (int64, error)

	// DeleteCompletedBefore removes completed jobs whose completed_at < cutoff.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CountAllJobsGroupedByStatus returns a count for every status, zero-filled.
	CountAllJobsGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error)

	Ping(ctx context.Context) error

	// Close closes the underlying connection
	Close() error
}

// StaleJobError is the message recorded on jobs failed by RecoverStale.
const StaleJobError = "stale lock expired: worker did not finish the job"

// ZeroFilledCounts returns a map holding every status with a zero count.
func ZeroFilledCounts() map[state.JobStatus]int {
	counts := make(map[state.JobStatus]int, len(state.AllStatuses))
	for _, status := range state.AllStatuses {
		counts[status] = 0
	}
	return counts
}
