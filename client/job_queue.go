package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RezaEskandarii/jobqueue/custom_errors"
	"github.com/RezaEskandarii/jobqueue/internal/backoff"
	"github.com/RezaEskandarii/jobqueue/internal/logger"
	"github.com/RezaEskandarii/jobqueue/internal/message_broaker"
	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/internal/store"
	"github.com/RezaEskandarii/jobqueue/types"
	"github.com/RezaEskandarii/jobqueue/types/config"
)

// JobQueue is the single owner of job lifecycle changes. Producers dispatch
// through it and workers hand it the jobs they picked; handlers only report
// an outcome.
type JobQueue struct {
	store      store.JobStore
	jobHandler *config.JobHandler
	instance   string

	maxAttempts   int
	retentionDays int
	staleLockTTL  time.Duration
	backoff       backoff.Strategy

	events *message_broaker.EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

type QueueOption func(*JobQueue)

// WithClock replaces time.Now, e.g. to move time forward in tests.
func WithClock(now func() time.Time) QueueOption {
	return func(q *JobQueue) {
		q.now = now
	}
}

func WithLogger(l *slog.Logger) QueueOption {
	return func(q *JobQueue) {
		q.logger = l
	}
}

// WithEventPublisher publishes a JobEvent for every state change.
// Publishing failures are logged and never fail the operation.
func WithEventPublisher(p *message_broaker.EventPublisher) QueueOption {
	return func(q *JobQueue) {
		q.events = p
	}
}

func NewJobQueue(jobStore store.JobStore, jobHandler *config.JobHandler, cfg *config.Config, opts ...QueueOption) *JobQueue {
	q := &JobQueue{
		store:         jobStore,
		jobHandler:    jobHandler,
		instance:      cfg.Instance,
		maxAttempts:   cfg.MaxAttempts,
		retentionDays: cfg.RetentionDays,
		staleLockTTL:  cfg.StaleLockTTL,
		backoff:       cfg.RetryBackoff,
		logger:        logger.Discard(),
		now:           time.Now,
	}
	if q.backoff == nil {
		q.backoff = backoff.None{}
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Instance is the id recorded as locked_by on jobs this queue claims.
func (q *JobQueue) Instance() string {
	return q.instance
}

func (q *JobQueue) Handlers() *config.JobHandler {
	return q.jobHandler
}

// DispatchOption adjusts a job before it is stored.
type DispatchOption func(*types.NewJob)

func WithPriority(priority int) DispatchOption {
	return func(j *types.NewJob) {
		j.Priority = priority
	}
}

func WithMaxAttempts(n int) DispatchOption {
	return func(j *types.NewJob) {
		j.MaxAttempts = n
	}
}

// WithRunAt keeps the job ineligible until runAt.
func WithRunAt(runAt time.Time) DispatchOption {
	return func(j *types.NewJob) {
		t := runAt
		j.ScheduledAt = &t
	}
}

// Dispatch enqueues a job that is eligible immediately.
func (q *JobQueue) Dispatch(ctx context.Context, jobType string, payload types.Payload, priority int) (*types.Job, error) {
	return q.DispatchWithOptions(ctx, jobType, payload, WithPriority(priority))
}

// Schedule enqueues a job that becomes eligible at runAt.
func (q *JobQueue) Schedule(ctx context.Context, jobType string, payload types.Payload, priority int, runAt time.Time) (*types.Job, error) {
	return q.DispatchWithOptions(ctx, jobType, payload, WithPriority(priority), WithRunAt(runAt))
}

func (q *JobQueue) DispatchWithOptions(ctx context.Context, jobType string, payload types.Payload, opts ...DispatchOption) (*types.Job, error) {
	newJob := types.NewJob{
		Type:        jobType,
		Payload:     payload,
		Priority:    types.PriorityNormal,
		MaxAttempts: q.maxAttempts,
	}
	for _, opt := range opts {
		opt(&newJob)
	}
	if err := validateNewJob(newJob); err != nil {
		return nil, err
	}

	job, err := q.store.Insert(ctx, newJob, q.now())
	if err != nil {
		return nil, custom_errors.NewPersistenceError("dispatch", err)
	}

	q.logger.Debug("job dispatched", "job_id", job.ID, "type", job.Type, "priority", job.Priority)
	q.publish(ctx, message_broaker.EventDispatched, job)
	return job, nil
}

// DispatchBatch stores several jobs at once. Jobs without MaxAttempts get the
// configured default.
func (q *JobQueue) DispatchBatch(ctx context.Context, jobs []types.NewJob) ([]int64, error) {
	batch := make([]types.NewJob, len(jobs))
	for i, j := range jobs {
		if j.MaxAttempts == 0 {
			j.MaxAttempts = q.maxAttempts
		}
		if err := validateNewJob(j); err != nil {
			return nil, fmt.Errorf("job %d of batch: %w", i, err)
		}
		batch[i] = j
	}

	ids, err := q.store.BulkInsert(ctx, batch, q.now())
	if err != nil {
		return nil, custom_errors.NewPersistenceError("dispatch batch", err)
	}
	q.logger.Info("jobs dispatched", "count", len(ids))
	return ids, nil
}

func validateNewJob(j types.NewJob) error {
	if j.Type == "" {
		return errors.New("job type is required")
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max attempts of %s must be positive", j.Type)
	}
	if _, err := j.Payload.Encode(); err != nil {
		return fmt.Errorf("payload of %s cannot be encoded: %w", j.Type, err)
	}
	return nil
}

// GetNextJob returns the next eligible job without claiming it, or nil.
func (q *JobQueue) GetNextJob(ctx context.Context) (*types.Job, error) {
	jobs, err := q.GetNextJobs(ctx, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return &jobs[0], nil
}

// GetNextJobs returns up to limit eligible jobs in pickup order without claiming them.
func (q *JobQueue) GetNextJobs(ctx context.Context, limit int) ([]types.Job, error) {
	if limit <= 0 {
		return []types.Job{}, nil
	}
	jobs, err := q.store.FetchDueJobs(ctx, limit, q.now())
	if err != nil {
		return nil, custom_errors.NewPersistenceError("fetch due jobs", err)
	}
	return jobs, nil
}

// ProcessJob claims job, runs its handler and records the outcome. It reports
// whether the job completed; the error is reserved for store failures.
func (q *JobQueue) ProcessJob(ctx context.Context, job *types.Job) (bool, error) {
	res, err := q.Process(ctx, job)
	if err != nil {
		return false, err
	}
	return res.Succeeded(), nil
}

// Process is ProcessJob with the full outcome of the attempt.
func (q *JobQueue) Process(ctx context.Context, job *types.Job) (types.JobResult, error) {
	startedAt := q.now()
	res := types.JobResult{
		JobID: job.ID,
		Type:  job.Type,
		RanAt: startedAt,
	}

	claimed, ok, err := q.store.Claim(ctx, job.ID, q.instance, startedAt)
	if err != nil {
		return res, custom_errors.NewPersistenceError("claim job", err)
	}
	if !ok {
		q.logger.Debug("job already claimed or no longer eligible", "job_id", job.ID)
		return res, nil
	}
	res.Claimed = true
	res.Attempts = claimed.Attempts
	res.MaxAttempts = claimed.MaxAttempts
	q.publish(ctx, message_broaker.EventStarted, claimed)

	runErr := q.execute(ctx, claimed)
	finishedAt := q.now()
	res.Duration = finishedAt.Sub(startedAt)

	if runErr == nil {
		if err := q.store.MarkCompleted(ctx, claimed.ID, finishedAt); err != nil {
			return res, q.finishError(claimed, "mark completed", err)
		}
		claimed.Status = state.StatusCompleted
		claimed.CompletedAt = &finishedAt
		claimed.LockedBy = nil
		res.Status = state.StatusCompleted

		q.publish(ctx, message_broaker.EventCompleted, claimed)
		return res, nil
	}

	res.Err = runErr
	res.Error = failureMessage(runErr)
	res.Status = state.StatusFailed
	if claimed.CanAttempt() {
		res.Status = state.StatusRetrying
		if delay := q.backoff.Delay(claimed.Attempts); delay > 0 {
			next := finishedAt.Add(delay)
			res.NextRun = &next
		}
	}

	if err := q.store.MarkFailure(ctx, claimed.ID, res.Status, res.Error, res.NextRun, finishedAt); err != nil {
		return res, q.finishError(claimed, "mark failure", err)
	}
	claimed.Status = res.Status
	claimed.ErrorMessage = &res.Error
	claimed.LockedBy = nil

	event := message_broaker.EventFailed
	if res.Status == state.StatusRetrying {
		event = message_broaker.EventRetrying
	}
	q.publish(ctx, event, claimed)
	return res, nil
}

// finishError turns a failed outcome write into the error ProcessJob returns.
// A job that left processing meanwhile (stale recovery) is only warned about.
func (q *JobQueue) finishError(job *types.Job, op string, err error) error {
	if errors.Is(err, custom_errors.ErrInvalidTransition) {
		q.logger.Warn("job outcome not recorded", "job_id", job.ID, "type", job.Type, "error", err)
		return nil
	}
	return custom_errors.NewPersistenceError(op, err)
}

// execute runs the handler of job. Handler errors and panics come back as
// *HandlerFailure, a missing handler as *UnknownJobTypeError and an
// undecodable payload as *InvalidPayloadError.
func (q *JobQueue) execute(ctx context.Context, job *types.Job) (err error) {
	if job.PayloadError != "" {
		return &custom_errors.InvalidPayloadError{JobID: job.ID, Reason: job.PayloadError}
	}
	handler, err := q.jobHandler.Get(job.Type)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = &custom_errors.HandlerFailure{JobID: job.ID, Type: job.Type, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := handler.Handle(ctx, job.Payload); err != nil {
		return &custom_errors.HandlerFailure{JobID: job.ID, Type: job.Type, Err: err}
	}
	return nil
}

// failureMessage is the text stored as error_message: the handler's own
// message, without the job prefix HandlerFailure adds.
func failureMessage(err error) string {
	var hf *custom_errors.HandlerFailure
	if errors.As(err, &hf) && hf.Err != nil {
		return hf.Err.Error()
	}
	return err.Error()
}

// GetStats returns a count for each of the five statuses.
func (q *JobQueue) GetStats(ctx context.Context) (map[state.JobStatus]int, error) {
	counts, err := q.store.CountAllJobsGroupedByStatus(ctx)
	if err != nil {
		return nil, custom_errors.NewPersistenceError("count jobs", err)
	}
	for _, status := range state.AllStatuses {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	return counts, nil
}

// FindRetryableJobs lists retrying jobs with attempts left, due or not.
func (q *JobQueue) FindRetryableJobs(ctx context.Context, limit int) ([]types.Job, error) {
	if limit <= 0 {
		return []types.Job{}, nil
	}
	jobs, err := q.store.FetchRetryable(ctx, limit)
	if err != nil {
		return nil, custom_errors.NewPersistenceError("fetch retryable jobs", err)
	}
	return jobs, nil
}

// Cleanup deletes completed jobs older than retentionDays; values <= 0 use
// the configured retention.
func (q *JobQueue) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = q.retentionDays
	}
	if retentionDays <= 0 {
		retentionDays = config.DefaultRetentionDays
	}
	cutoff := q.now().AddDate(0, 0, -retentionDays)

	deleted, err := q.store.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, custom_errors.NewPersistenceError("cleanup", err)
	}
	q.logger.Info("cleaned up completed jobs", "deleted", deleted, "retention_days", retentionDays)
	return deleted, nil
}

// RecoverStaleJobs releases jobs stuck in processing for longer than
// olderThan, or the configured stale lock TTL when olderThan <= 0.
func (q *JobQueue) RecoverStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = q.staleLockTTL
	}
	now := q.now()

	released, err := q.store.RecoverStale(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, custom_errors.NewPersistenceError("recover stale jobs", err)
	}
	if released > 0 {
		q.logger.Warn("released stale jobs", "count", released, "older_than", olderThan.String())
	}
	return released, nil
}

// Ping checks that the store is reachable.
func (q *JobQueue) Ping(ctx context.Context) error {
	if err := q.store.Ping(ctx); err != nil {
		return custom_errors.NewPersistenceError("ping", err)
	}
	return nil
}

func (q *JobQueue) FindByID(ctx context.Context, id int64) (*types.Job, error) {
	job, err := q.store.FindByID(ctx, id)
	if errors.Is(err, custom_errors.ErrJobNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, custom_errors.NewPersistenceError("find job", err)
	}
	return job, nil
}

// ListJobs pages through jobs newest first; an empty status lists all.
func (q *JobQueue) ListJobs(ctx context.Context, status state.JobStatus, page, pageSize int) (*types.PaginationResult[types.Job], error) {
	if status != "" && !status.IsValid() {
		return nil, fmt.Errorf("unknown job status '%s'", status)
	}
	page, pageSize = types.NormalizePage(page, pageSize, config.DefaultPageSize)

	result, err := q.store.List(ctx, status, page, pageSize)
	if err != nil {
		return nil, custom_errors.NewPersistenceError("list jobs", err)
	}
	return result, nil
}

// Retry moves a failed job back to pending with a fresh set of attempts.
func (q *JobQueue) Retry(ctx context.Context, id int64) (*types.Job, error) {
	ok, err := q.store.Reset(ctx, id, q.now())
	if err != nil {
		return nil, custom_errors.NewPersistenceError("retry job", err)
	}
	if !ok {
		job, err := q.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("job %d is %s, only failed jobs can be retried: %w",
			id, job.Status, custom_errors.ErrInvalidTransition)
	}

	job, err := q.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	q.logger.Info("job queued for retry", "job_id", id, "type", job.Type)
	q.publish(ctx, message_broaker.EventRetried, job)
	return job, nil
}

func (q *JobQueue) publish(ctx context.Context, event message_broaker.EventType, job *types.Job) {
	if q.events == nil {
		return
	}
	ev := message_broaker.NewJobEvent(event, job, q.instance, q.now())
	if err := q.events.Publish(ctx, ev); err != nil {
		q.logger.Warn("event not published", "event", string(event), "job_id", job.ID, "error", err)
	}
}
