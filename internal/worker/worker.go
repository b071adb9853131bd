// Package worker runs the polling loop that drains a job queue within the
// time, memory and job-count budgets it is started with.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/RezaEskandarii/jobqueue/custom_errors"
	"github.com/RezaEskandarii/jobqueue/internal/logger"
	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/types"
)

const (
	DefaultTimeout     = 3600 * time.Second
	DefaultSleep       = 3 * time.Second
	DefaultMaxMemoryMB = 128
	DefaultJobDelay    = 100 * time.Millisecond
)

// Queue is what the worker needs from client.JobQueue.
type Queue interface {
	GetNextJob(ctx context.Context) (*types.Job, error)
	Process(ctx context.Context, job *types.Job) (types.JobResult, error)
}

type Options struct {
	MaxJobs     int           // stop after this many jobs, 0 = unlimited
	Timeout     time.Duration // stop after running this long, 0 = unlimited
	Sleep       time.Duration // idle wait when no job is eligible
	MaxMemoryMB uint64        // stop when heap allocation exceeds this, 0 = unlimited
	Once        bool          // process at most one job, never sleep
	JobDelay    time.Duration // pause between two jobs
	Concurrency int           // jobs run at the same time
}

func DefaultOptions() Options {
	return Options{
		Timeout:     DefaultTimeout,
		Sleep:       DefaultSleep,
		MaxMemoryMB: DefaultMaxMemoryMB,
		JobDelay:    DefaultJobDelay,
		Concurrency: 1,
	}
}

func (o Options) Validate() error {
	errs := &custom_errors.ValidationError{}
	errs.Check(o.MaxJobs >= 0, "jobs must not be negative")
	errs.Check(o.Timeout >= 0, "timeout must not be negative")
	errs.Check(o.Sleep >= 0, "sleep must not be negative")
	errs.Check(o.JobDelay >= 0, "job delay must not be negative")
	errs.Check(o.Concurrency >= 1, "concurrency must be at least 1")
	if errs.HasError() {
		return errs
	}
	return nil
}

// StopReason tells why Run returned.
type StopReason string

const (
	StopSignal  StopReason = "stopped"
	StopTimeout StopReason = "timeout"
	StopMemory  StopReason = "memory limit"
	StopMaxJobs StopReason = "max jobs"
	StopOnce    StopReason = "once"
	StopEmpty   StopReason = "queue empty"
	StopFatal   StopReason = "fatal error"
)

type Summary struct {
	Processed  int
	Succeeded  int
	Failed     int
	Duration   time.Duration
	StopReason StopReason
}

type Worker struct {
	queue  Queue
	opts   Options
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once

	// memUsage returns the current heap allocation in bytes.
	memUsage func() uint64

	mu      sync.Mutex
	summary Summary
	fatal   error
}

func New(queue Queue, opts Options, l *slog.Logger) (*Worker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Discard()
	}
	return &Worker{
		queue:    queue,
		opts:     opts,
		logger:   l,
		stopCh:   make(chan struct{}),
		memUsage: heapAlloc,
	}, nil
}

func heapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}

// Stop asks the loop to finish after the job in progress.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// run holds the state of one Run call.
type run struct {
	started  time.Time
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[int64]struct{}
	launched int
}

func (r *run) isInflight(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[id]
	return ok
}

func (r *run) track(id int64, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if running {
		r.inflight[id] = struct{}{}
	} else {
		delete(r.inflight, id)
	}
}

// Run polls the queue until a budget runs out, ctx is cancelled or Stop is
// called. Jobs already running are allowed to finish: their handlers see a
// context that is not cancelled with ctx. A store failure ends the loop with
// a *WorkerFatalError.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	r := &run{
		started:  time.Now(),
		sem:      semaphore.NewWeighted(int64(w.opts.Concurrency)),
		inflight: make(map[int64]struct{}),
	}

	w.logger.Info("worker started",
		"concurrency", w.opts.Concurrency,
		"max_jobs", w.opts.MaxJobs,
		"timeout", w.opts.Timeout.String(),
		"max_memory_mb", w.opts.MaxMemoryMB,
		"once", w.opts.Once,
	)

	reason := w.loop(ctx, r)
	r.wg.Wait()

	w.mu.Lock()
	summary := w.summary
	fatal := w.fatal
	w.mu.Unlock()
	summary.Duration = time.Since(r.started)
	summary.StopReason = reason

	if fatal != nil {
		summary.StopReason = StopFatal
		w.logger.Error("worker stopped on error",
			"error", fatal,
			"processed", summary.Processed,
			"duration", summary.Duration.String(),
		)
		return summary, &custom_errors.WorkerFatalError{Err: fatal}
	}

	logger.Success(ctx, w.logger, "worker stopped",
		"reason", string(reason),
		"processed", summary.Processed,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"duration", summary.Duration.Round(time.Millisecond).String(),
	)
	return summary, nil
}

func (w *Worker) loop(ctx context.Context, r *run) StopReason {
	for {
		// take a free slot first, so budgets see the outcome of finished jobs
		if err := w.acquire(ctx, r.sem); err != nil {
			return StopSignal
		}

		if reason, stop := w.checkBudgets(ctx, r.started, r.launched); stop {
			r.sem.Release(1)
			return reason
		}

		job, err := w.queue.GetNextJob(ctx)
		if err != nil {
			r.sem.Release(1)
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return StopSignal
			}
			w.setFatal(fmt.Errorf("get next job: %w", err))
			return StopFatal
		}

		if job == nil {
			r.sem.Release(1)
			if w.opts.Once {
				return StopEmpty
			}
			w.logger.Debug("no eligible job, sleeping", "sleep", w.opts.Sleep.String())
			if !w.sleep(ctx, w.opts.Sleep) {
				return StopSignal
			}
			continue
		}

		// picked again before its claim landed
		if r.isInflight(job.ID) {
			r.sem.Release(1)
			if !w.sleep(ctx, w.opts.JobDelay) {
				return StopSignal
			}
			continue
		}

		r.track(job.ID, true)
		r.launched++
		r.wg.Add(1)
		go func(job *types.Job) {
			defer func() {
				r.track(job.ID, false)
				r.sem.Release(1)
				r.wg.Done()
			}()
			w.process(ctx, job)
		}(job)

		if w.opts.Once {
			return StopOnce
		}
		if !w.sleep(ctx, w.opts.JobDelay) {
			return StopSignal
		}
	}
}

func (w *Worker) acquire(ctx context.Context, sem *semaphore.Weighted) error {
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-acquireCtx.Done():
		}
	}()
	return sem.Acquire(acquireCtx, 1)
}

func (w *Worker) checkBudgets(ctx context.Context, started time.Time, launched int) (StopReason, bool) {
	select {
	case <-ctx.Done():
		return StopSignal, true
	case <-w.stopCh:
		return StopSignal, true
	default:
	}

	w.mu.Lock()
	fatal := w.fatal
	w.mu.Unlock()
	if fatal != nil {
		return StopFatal, true
	}

	if w.opts.Timeout > 0 && time.Since(started) >= w.opts.Timeout {
		w.logger.Info("worker timeout reached", "timeout", w.opts.Timeout.String())
		return StopTimeout, true
	}
	if w.opts.MaxMemoryMB > 0 {
		if used := w.memUsage(); used > w.opts.MaxMemoryMB*1024*1024 {
			w.logger.Warn("worker memory limit exceeded",
				"used_mb", used/1024/1024, "max_memory_mb", w.opts.MaxMemoryMB)
			return StopMemory, true
		}
	}
	if w.opts.MaxJobs > 0 && launched >= w.opts.MaxJobs {
		w.logger.Info("worker job limit reached", "max_jobs", w.opts.MaxJobs)
		return StopMaxJobs, true
	}
	return "", false
}

func (w *Worker) process(ctx context.Context, job *types.Job) {
	start := time.Now()
	res, err := w.queue.Process(context.WithoutCancel(ctx), job)
	durationMs := time.Since(start).Milliseconds()

	if err != nil {
		w.setFatal(fmt.Errorf("process job %d: %w", job.ID, err))
		return
	}
	if !res.Claimed {
		w.logger.Debug("job skipped, claimed by another worker", "job_id", job.ID)
		return
	}

	w.mu.Lock()
	w.summary.Processed++
	if res.Succeeded() {
		w.summary.Succeeded++
	} else {
		w.summary.Failed++
	}
	w.mu.Unlock()

	attrs := []any{
		"job_id", res.JobID,
		"type", res.Type,
		"attempts", res.Attempts,
		"max_attempts", res.MaxAttempts,
		"duration_ms", durationMs,
	}
	switch res.Status {
	case state.StatusCompleted:
		logger.Success(ctx, w.logger, "job completed", attrs...)
	case state.StatusRetrying:
		w.logger.Warn("job failed, will retry", append(attrs, "error", res.Error)...)
	default:
		w.logger.Error("job failed", append(attrs, "error", res.Error)...)
	}
}

func (w *Worker) setFatal(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fatal == nil {
		w.fatal = err
	}
}

// sleep waits for d and reports false when interrupted by ctx or Stop.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-w.stopCh:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
