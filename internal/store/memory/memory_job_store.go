package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RezaEskandarii/jobqueue/custom_errors"
	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/internal/store"
	"github.com/RezaEskandarii/jobqueue/types"
)

var _ store.JobStore = (*MemoryJobStore)(nil)

// MemoryJobStore keeps jobs in process memory. Safe for concurrent access;
// intended for tests, demos and single-process runs.
type MemoryJobStore struct {
	mu     sync.RWMutex
	jobs   map[int64]*types.Job
	nextID int64
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[int64]*types.Job),
	}
}

func (s *MemoryJobStore) Insert(_ context.Context, job types.NewJob, now time.Time) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.insertLocked(job, now)
	if err != nil {
		return nil, err
	}
	return clone(j), nil
}

func (s *MemoryJobStore) BulkInsert(_ context.Context, jobs []types.NewJob, now time.Time) ([]int64, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// validate everything first so a bad payload leaves no partial batch behind
	for _, job := range jobs {
		if _, err := job.Payload.Encode(); err != nil {
			return nil, fmt.Errorf("encode payload of %s: %w", job.Type, err)
		}
	}

	ids := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		j, err := s.insertLocked(job, now)
		if err != nil {
			return nil, err
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (s *MemoryJobStore) insertLocked(job types.NewJob, now time.Time) (*types.Job, error) {
	// round-trip through JSON so the stored payload matches what the SQL and
	// Redis stores hand back
	encoded, err := job.Payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	payload, err := types.DecodePayload(encoded)
	if err != nil {
		return nil, err
	}

	s.nextID++
	j := &types.Job{
		ID:          s.nextID,
		Type:        job.Type,
		Payload:     payload,
		Status:      state.StatusPending,
		Priority:    job.Priority,
		MaxAttempts: job.MaxAttempts,
		ScheduledAt: copyTime(job.ScheduledAt),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j, nil
}

func (s *MemoryJobStore) FindByID(_ context.Context, id int64) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, custom_errors.ErrJobNotFound)
	}
	return clone(j), nil
}

func (s *MemoryJobStore) FetchDueJobs(_ context.Context, limit int, now time.Time) ([]types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(limit, func(j *types.Job) bool { return j.IsEligible(now) }), nil
}

func (s *MemoryJobStore) FetchRetryable(_ context.Context, limit int) ([]types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(limit, func(j *types.Job) bool {
		return j.Status == state.StatusRetrying && j.CanAttempt()
	}), nil
}

// collect returns copies of matching jobs in pickup order.
func (s *MemoryJobStore) collect(limit int, match func(*types.Job) bool) []types.Job {
	candidates := make([]*types.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if match(j) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		return types.Less(candidates[i], candidates[k])
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]types.Job, len(candidates))
	for i, j := range candidates {
		result[i] = *clone(j)
	}
	return result
}

func (s *MemoryJobStore) List(_ context.Context, status state.JobStatus, page, pageSize int) (*types.PaginationResult[types.Job], error) {
	page, pageSize = types.NormalizePage(page, pageSize, 15)

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*types.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(i, k int) bool {
		if !matched[i].CreatedAt.Equal(matched[k].CreatedAt) {
			return matched[i].CreatedAt.After(matched[k].CreatedAt)
		}
		return matched[i].ID > matched[k].ID
	})

	start := (page - 1) * pageSize
	items := []types.Job{}
	for i := start; i < len(matched) && i < start+pageSize; i++ {
		items = append(items, *clone(matched[i]))
	}
	return types.NewPaginationResult(items, len(matched), page, pageSize), nil
}

func (s *MemoryJobStore) Claim(_ context.Context, id int64, lockedBy string, now time.Time) (*types.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || !j.IsEligible(now) {
		return nil, false, nil
	}

	started := now
	owner := lockedBy
	j.Status = state.StatusProcessing
	j.Attempts++
	j.StartedAt = &started
	j.CompletedAt = nil
	j.LockedBy = &owner
	j.UpdatedAt = now
	return clone(j), true, nil
}

func (s *MemoryJobStore) MarkCompleted(_ context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.processingLocked(id)
	if err != nil {
		return err
	}
	completed := now
	j.Status = state.StatusCompleted
	j.CompletedAt = &completed
	j.LockedBy = nil
	j.UpdatedAt = now
	return nil
}

func (s *MemoryJobStore) MarkFailure(_ context.Context, id int64, status state.JobStatus, errMsg string, retryAt *time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.processingLocked(id)
	if err != nil {
		return err
	}
	msg := errMsg
	j.Status = status
	j.ErrorMessage = &msg
	if retryAt != nil {
		j.ScheduledAt = copyTime(retryAt)
	}
	j.LockedBy = nil
	j.UpdatedAt = now
	return nil
}

func (s *MemoryJobStore) processingLocked(id int64) (*types.Job, error) {
	j, ok := s.jobs[id]
	if !ok || j.Status != state.StatusProcessing {
		return nil, fmt.Errorf("job %d is not processing: %w", id, custom_errors.ErrInvalidTransition)
	}
	return j, nil
}

func (s *MemoryJobStore) Reset(_ context.Context, id int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != state.StatusFailed {
		return false, nil
	}
	j.Status = state.StatusPending
	j.Attempts = 0
	j.ErrorMessage = nil
	j.ScheduledAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.LockedBy = nil
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryJobStore) RecoverStale(_ context.Context, lockedBefore, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released int64
	for _, j := range s.jobs {
		if j.Status != state.StatusProcessing || j.StartedAt == nil || !j.StartedAt.Before(lockedBefore) {
			continue
		}
		msg := store.StaleJobError
		if j.CanAttempt() {
			j.Status = state.StatusRetrying
		} else {
			j.Status = state.StatusFailed
		}
		j.ErrorMessage = &msg
		j.LockedBy = nil
		j.UpdatedAt = now
		released++
	}
	return released, nil
}

func (s *MemoryJobStore) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, j := range s.jobs {
		if j.Status == state.StatusCompleted && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryJobStore) CountAllJobsGroupedByStatus(_ context.Context) (map[state.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := store.ZeroFilledCounts()
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// Ping always succeeds for the memory store.
func (s *MemoryJobStore) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *MemoryJobStore) Close() error { return nil }

// clone returns a copy that shares no mutable state with the stored job.
func clone(j *types.Job) *types.Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = make(types.Payload, len(j.Payload))
		for k, v := range j.Payload {
			cp.Payload[k] = v
		}
	}
	cp.ErrorMessage = copyString(j.ErrorMessage)
	cp.LockedBy = copyString(j.LockedBy)
	cp.ScheduledAt = copyTime(j.ScheduledAt)
	cp.StartedAt = copyTime(j.StartedAt)
	cp.CompletedAt = copyTime(j.CompletedAt)
	return &cp
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
