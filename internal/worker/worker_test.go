package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RezaEskandarii/jobqueue/client"
	"github.com/RezaEskandarii/jobqueue/custom_errors"
	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/internal/store/memory"
	"github.com/RezaEskandarii/jobqueue/types"
	"github.com/RezaEskandarii/jobqueue/types/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueue hands out its jobs in order; Process removes a job, which stands
// in for the claim.
type fakeQueue struct {
	mu         sync.Mutex
	jobs       []*types.Job
	nextErr    error
	processErr error
	handle     func(ctx context.Context, job *types.Job) state.JobStatus
	polls      int
}

func newFakeQueue(n int) *fakeQueue {
	q := &fakeQueue{}
	for i := 1; i <= n; i++ {
		q.jobs = append(q.jobs, &types.Job{ID: int64(i), Type: "X", Status: state.StatusPending, MaxAttempts: 3})
	}
	return q
}

func (q *fakeQueue) GetNextJob(ctx context.Context) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.polls++
	if q.nextErr != nil {
		return nil, q.nextErr
	}
	if len(q.jobs) == 0 {
		return nil, nil
	}
	cp := *q.jobs[0]
	return &cp, nil
}

func (q *fakeQueue) Process(ctx context.Context, job *types.Job) (types.JobResult, error) {
	q.mu.Lock()
	if q.processErr != nil {
		q.mu.Unlock()
		return types.JobResult{}, q.processErr
	}
	idx := -1
	for i, j := range q.jobs {
		if j.ID == job.ID {
			idx = i
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return types.JobResult{JobID: job.ID}, nil
	}
	q.jobs = append(q.jobs[:idx], q.jobs[idx+1:]...)
	q.mu.Unlock()

	status := state.StatusCompleted
	if q.handle != nil {
		status = q.handle(ctx, job)
	}
	return types.JobResult{JobID: job.ID, Type: job.Type, Claimed: true, Status: status, Attempts: 1, MaxAttempts: 3}, nil
}

func (q *fakeQueue) remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Sleep = 10 * time.Millisecond
	opts.JobDelay = 0
	return opts
}

func newTestWorker(t *testing.T, q Queue, opts Options) *Worker {
	t.Helper()
	w, err := New(q, opts, nil)
	require.NoError(t, err)
	return w
}

func TestOptions_Validate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())

	opts := DefaultOptions()
	opts.MaxJobs = -1
	opts.Concurrency = 0
	err := opts.Validate()
	require.Error(t, err)

	var verr *custom_errors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Errors, 2)

	_, err = New(newFakeQueue(0), opts, nil)
	assert.Error(t, err)
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 3600*time.Second, opts.Timeout)
	assert.Equal(t, 3*time.Second, opts.Sleep)
	assert.Equal(t, uint64(128), opts.MaxMemoryMB)
	assert.Equal(t, 100*time.Millisecond, opts.JobDelay)
	assert.Equal(t, 0, opts.MaxJobs)
	assert.False(t, opts.Once)
	assert.Equal(t, 1, opts.Concurrency)
}

func TestWorker_Once_ProcessesOneJob(t *testing.T) {
	q := newFakeQueue(3)
	opts := testOptions()
	opts.Once = true

	summary, err := newTestWorker(t, q, opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, StopOnce, summary.StopReason)
	assert.Equal(t, 2, q.remaining())
}

func TestWorker_Once_EmptyQueueDoesNotSleep(t *testing.T) {
	opts := testOptions()
	opts.Once = true
	opts.Sleep = time.Hour

	start := time.Now()
	summary, err := newTestWorker(t, newFakeQueue(0), opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopEmpty, summary.StopReason)
	assert.Equal(t, 0, summary.Processed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWorker_MaxJobs(t *testing.T) {
	q := newFakeQueue(5)
	opts := testOptions()
	opts.MaxJobs = 2

	summary, err := newTestWorker(t, q, opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, StopMaxJobs, summary.StopReason)
	assert.Equal(t, 3, q.remaining())
}

func TestWorker_Timeout(t *testing.T) {
	opts := testOptions()
	opts.Timeout = 50 * time.Millisecond

	summary, err := newTestWorker(t, newFakeQueue(0), opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopTimeout, summary.StopReason)
	assert.GreaterOrEqual(t, summary.Duration, 50*time.Millisecond)
}

func TestWorker_MemoryLimit(t *testing.T) {
	q := newFakeQueue(2)
	opts := testOptions()
	opts.MaxMemoryMB = 128

	w := newTestWorker(t, q, opts)
	w.memUsage = func() uint64 { return 200 * 1024 * 1024 }

	summary, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopMemory, summary.StopReason)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 2, q.remaining())
}

func TestWorker_Stop(t *testing.T) {
	opts := testOptions()
	opts.Sleep = time.Hour
	w := newTestWorker(t, newFakeQueue(0), opts)

	done := make(chan Summary, 1)
	go func() {
		summary, _ := w.Run(context.Background())
		done <- summary
	}()

	time.Sleep(20 * time.Millisecond)
	w.Stop()
	w.Stop()

	select {
	case summary := <-done:
		assert.Equal(t, StopSignal, summary.StopReason)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_ContextCancelLetsRunningJobFinish(t *testing.T) {
	q := newFakeQueue(1)
	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr error
	q.handle = func(ctx context.Context, job *types.Job) state.JobStatus {
		close(started)
		<-release
		handlerCtxErr = ctx.Err()
		return state.StatusCompleted
	}

	opts := testOptions()
	opts.Sleep = time.Hour
	w := newTestWorker(t, q, opts)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Summary, 1)
	go func() {
		summary, _ := w.Run(ctx)
		done <- summary
	}()

	<-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case summary := <-done:
		assert.Equal(t, StopSignal, summary.StopReason)
		assert.Equal(t, 1, summary.Processed)
		assert.Equal(t, 1, summary.Succeeded)
		assert.NoError(t, handlerCtxErr)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_CountsOutcomes(t *testing.T) {
	q := newFakeQueue(3)
	q.handle = func(ctx context.Context, job *types.Job) state.JobStatus {
		switch job.ID {
		case 1:
			return state.StatusCompleted
		case 2:
			return state.StatusRetrying
		default:
			return state.StatusFailed
		}
	}
	opts := testOptions()
	opts.MaxJobs = 3

	summary, err := newTestWorker(t, q, opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
}

func TestWorker_FatalOnFetchError(t *testing.T) {
	q := newFakeQueue(0)
	q.nextErr = custom_errors.NewPersistenceError("fetch due jobs", errors.New("connection reset"))

	summary, err := newTestWorker(t, q, testOptions()).Run(context.Background())
	require.Error(t, err)

	var fatal *custom_errors.WorkerFatalError
	require.True(t, errors.As(err, &fatal))
	var perr *custom_errors.PersistenceError
	assert.True(t, errors.As(err, &perr))
	assert.Equal(t, StopFatal, summary.StopReason)
}

func TestWorker_FatalOnProcessError(t *testing.T) {
	q := newFakeQueue(2)
	q.processErr = custom_errors.NewPersistenceError("claim job", errors.New("connection reset"))

	summary, err := newTestWorker(t, q, testOptions()).Run(context.Background())

	var fatal *custom_errors.WorkerFatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, StopFatal, summary.StopReason)
	assert.Equal(t, 0, summary.Processed)
}

func TestWorker_ConcurrencyBound(t *testing.T) {
	q := newFakeQueue(5)
	release := make(chan struct{})
	var active, peak int32
	q.handle = func(ctx context.Context, job *types.Job) state.JobStatus {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
		return state.StatusCompleted
	}

	opts := testOptions()
	opts.Concurrency = 3
	opts.MaxJobs = 5
	w := newTestWorker(t, q, opts)

	done := make(chan Summary, 1)
	go func() {
		summary, _ := w.Run(context.Background())
		done <- summary
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&active) == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&peak))
	close(release)

	select {
	case summary := <-done:
		assert.Equal(t, 5, summary.Processed)
		assert.Equal(t, StopMaxJobs, summary.StopReason)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&peak))
}

func TestWorker_WithJobQueue(t *testing.T) {
	cfg, err := config.NewConfig("worker-test", config.WithMemoryStorage())
	require.NoError(t, err)
	handlers := config.NewJobHandler()
	require.NoError(t, handlers.RegisterFunc("ok", func(ctx context.Context, payload types.Payload) error { return nil }))
	require.NoError(t, handlers.RegisterFunc("bad", func(ctx context.Context, payload types.Payload) error {
		return errors.New("nope")
	}))

	jobStore := memory.NewMemoryJobStore()
	queue := client.NewJobQueue(jobStore, handlers, cfg)
	ctx := context.Background()

	_, err = queue.Dispatch(ctx, "ok", nil, types.PriorityNormal)
	require.NoError(t, err)
	_, err = queue.DispatchWithOptions(ctx, "bad", nil, client.WithMaxAttempts(2))
	require.NoError(t, err)
	_, err = queue.Dispatch(ctx, "unknown", nil, types.PriorityLow)
	require.NoError(t, err)

	opts := testOptions()
	opts.Timeout = 500 * time.Millisecond
	summary, err := newTestWorker(t, queue, opts).Run(ctx)
	require.NoError(t, err)

	// ok once, bad twice, unknown three times
	assert.Equal(t, 6, summary.Processed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 5, summary.Failed)

	stats, err := queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[state.StatusCompleted])
	assert.Equal(t, 2, stats[state.StatusFailed])
	assert.Equal(t, 0, stats[state.StatusPending])
	assert.Equal(t, 0, stats[state.StatusRetrying])
}
