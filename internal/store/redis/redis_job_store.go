package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/RezaEskandarii/jobqueue/custom_errors"
	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/internal/store"
	"github.com/RezaEskandarii/jobqueue/types"
)

var _ store.JobStore = (*RedisJobStore)(nil)

const scanBatch = 64

// RedisJobStore keeps each job in a hash and orders claimable jobs in a sorted
// set. State changes run under WATCH on the job hash, so a claim that races
// another worker fails its transaction instead of processing twice.
type RedisJobStore struct {
	client *goredis.Client
	keys   keys
}

func NewRedisJobStore(client *goredis.Client, prefix string) *RedisJobStore {
	return &RedisJobStore{
		client: client,
		keys:   keys{prefix: prefix},
	}
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

func (s *RedisJobStore) load(ctx context.Context, r hashReader, id int64) (*types.Job, error) {
	m, err := r.HGetAll(ctx, s.keys.job(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("job %d: %w", id, custom_errors.ErrJobNotFound)
	}
	return jobFromMap(m)
}

// loadMany fetches jobs in one round trip, skipping ids whose hash is gone.
func (s *RedisJobStore) loadMany(ctx context.Context, ids []int64) ([]*types.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.keys.job(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]*types.Job, 0, len(ids))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		j, err := jobFromMap(m)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// enqueue puts a pending or retrying job on the ready or delayed set.
func (s *RedisJobStore) enqueue(ctx context.Context, pipe goredis.Pipeliner, j *types.Job, now time.Time) {
	if j.ScheduledAt != nil && j.ScheduledAt.After(now) {
		pipe.ZAdd(ctx, s.keys.delayed(), goredis.Z{Score: msScore(*j.ScheduledAt), Member: j.ID})
		return
	}
	pipe.ZAdd(ctx, s.keys.ready(), goredis.Z{Score: readyScore(j.Priority), Member: readyMember(j)})
}

func (s *RedisJobStore) moveStatus(ctx context.Context, pipe goredis.Pipeliner, id int64, from, to state.JobStatus) {
	pipe.ZRem(ctx, s.keys.status(from), id)
	pipe.ZAdd(ctx, s.keys.status(to), goredis.Z{Score: float64(id), Member: id})
}

func (s *RedisJobStore) add(ctx context.Context, pipe goredis.Pipeliner, j *types.Job, fields map[string]any, now time.Time) {
	pipe.HSet(ctx, s.keys.job(j.ID), fields)
	pipe.ZAdd(ctx, s.keys.all(), goredis.Z{Score: float64(j.ID), Member: j.ID})
	pipe.ZAdd(ctx, s.keys.status(j.Status), goredis.Z{Score: float64(j.ID), Member: j.ID})
	s.enqueue(ctx, pipe, j, now)
}

func newPendingJob(id int64, job types.NewJob, payload types.Payload, now time.Time) *types.Job {
	return &types.Job{
		ID:          id,
		Type:        job.Type,
		Payload:     payload,
		Status:      state.StatusPending,
		Priority:    job.Priority,
		MaxAttempts: job.MaxAttempts,
		ScheduledAt: job.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *RedisJobStore) Insert(ctx context.Context, job types.NewJob, now time.Time) (*types.Job, error) {
	encoded, err := job.Payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	payload, err := types.DecodePayload(encoded)
	if err != nil {
		return nil, err
	}

	id, err := s.client.Incr(ctx, s.keys.seq()).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate job id: %w", err)
	}

	j := newPendingJob(id, job, payload, now)
	fields, err := jobToMap(j)
	if err != nil {
		return nil, err
	}
	if _, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		s.add(ctx, pipe, j, fields, now)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("insert job %d: %w", id, err)
	}
	return j, nil
}

func (s *RedisJobStore) BulkInsert(ctx context.Context, jobs []types.NewJob, now time.Time) ([]int64, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	payloads := make([]types.Payload, len(jobs))
	for i, job := range jobs {
		encoded, err := job.Payload.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode payload of %s: %w", job.Type, err)
		}
		if payloads[i], err = types.DecodePayload(encoded); err != nil {
			return nil, err
		}
	}

	last, err := s.client.IncrBy(ctx, s.keys.seq(), int64(len(jobs))).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate job ids: %w", err)
	}
	first := last - int64(len(jobs)) + 1

	ids := make([]int64, len(jobs))
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, job := range jobs {
			j := newPendingJob(first+int64(i), job, payloads[i], now)
			fields, err := jobToMap(j)
			if err != nil {
				return err
			}
			s.add(ctx, pipe, j, fields, now)
			ids[i] = j.ID
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bulk insert: %w", err)
	}
	return ids, nil
}

func (s *RedisJobStore) FindByID(ctx context.Context, id int64) (*types.Job, error) {
	return s.load(ctx, s.client, id)
}

// promote moves delayed jobs that are due by now onto the ready set.
func (s *RedisJobStore) promote(ctx context.Context, now time.Time) error {
	members, err := s.client.ZRangeByScore(ctx, s.keys.delayed(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	ids, err := parseIDs(members)
	if err != nil {
		return err
	}
	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range ids {
			pipe.ZRem(ctx, s.keys.delayed(), id)
		}
		for _, j := range jobs {
			if j.Status == state.StatusPending || j.Status == state.StatusRetrying {
				pipe.ZAdd(ctx, s.keys.ready(), goredis.Z{Score: readyScore(j.Priority), Member: readyMember(j)})
			}
		}
		return nil
	})
	return err
}

func (s *RedisJobStore) FetchDueJobs(ctx context.Context, limit int, now time.Time) ([]types.Job, error) {
	if err := s.promote(ctx, now); err != nil {
		return nil, fmt.Errorf("promote delayed jobs: %w", err)
	}

	result := []types.Job{}
	for start := int64(0); len(result) < limit; start += scanBatch {
		members, err := s.client.ZRange(ctx, s.keys.ready(), start, start+scanBatch-1).Result()
		if err != nil {
			return nil, err
		}
		ids := make([]int64, 0, len(members))
		for _, m := range members {
			id, err := readyMemberID(m)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		jobs, err := s.loadMany(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if j.IsEligible(now) && len(result) < limit {
				result = append(result, *j)
			}
		}
		if len(members) < scanBatch {
			break
		}
	}
	return result, nil
}

func (s *RedisJobStore) FetchRetryable(ctx context.Context, limit int) ([]types.Job, error) {
	members, err := s.client.ZRange(ctx, s.keys.status(state.StatusRetrying), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ids, err := parseIDs(members)
	if err != nil {
		return nil, err
	}
	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	candidates := make([]*types.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Status == state.StatusRetrying && j.CanAttempt() {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, k int) bool { return types.Less(candidates[i], candidates[k]) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]types.Job, len(candidates))
	for i, j := range candidates {
		result[i] = *j
	}
	return result, nil
}

// List pages by id, which follows insertion order.
func (s *RedisJobStore) List(ctx context.Context, status state.JobStatus, page, pageSize int) (*types.PaginationResult[types.Job], error) {
	page, pageSize = types.NormalizePage(page, pageSize, 15)

	key := s.keys.all()
	if status != "" {
		key = s.keys.status(status)
	}

	total, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	start := int64((page - 1) * pageSize)
	members, err := s.client.ZRevRange(ctx, key, start, start+int64(pageSize)-1).Result()
	if err != nil {
		return nil, err
	}
	ids, err := parseIDs(members)
	if err != nil {
		return nil, err
	}
	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]types.Job, len(jobs))
	for i, j := range jobs {
		items[i] = *j
	}
	return types.NewPaginationResult(items, int(total), page, pageSize), nil
}

func (s *RedisJobStore) Claim(ctx context.Context, id int64, lockedBy string, now time.Time) (*types.Job, bool, error) {
	key := s.keys.job(id)
	var claimed *types.Job

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		j, err := s.load(ctx, tx, id)
		if errors.Is(err, custom_errors.ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !j.IsEligible(now) {
			return nil
		}

		from := j.Status
		member := readyMember(j)
		started, owner := now, lockedBy
		j.Status = state.StatusProcessing
		j.Attempts++
		j.StartedAt = &started
		j.CompletedAt = nil
		j.LockedBy = &owner
		j.UpdatedAt = now

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"status", string(j.Status),
				"attempts", j.Attempts,
				"started_at", formatTime(now),
				"locked_by", lockedBy,
				"updated_at", formatTime(now),
			)
			pipe.HDel(ctx, key, "completed_at")
			pipe.ZRem(ctx, s.keys.ready(), member)
			pipe.ZRem(ctx, s.keys.delayed(), id)
			s.moveStatus(ctx, pipe, id, from, j.Status)
			pipe.ZAdd(ctx, s.keys.started(), goredis.Z{Score: msScore(now), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		claimed = j
		return nil
	}, key)

	if errors.Is(err, goredis.TxFailedErr) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job %d: %w", id, err)
	}
	return claimed, claimed != nil, nil
}

// finish runs a processing → next transition under WATCH.
func (s *RedisJobStore) finish(ctx context.Context, id int64, apply func(pipe goredis.Pipeliner, j *types.Job)) error {
	key := s.keys.job(id)
	return s.client.Watch(ctx, func(tx *goredis.Tx) error {
		j, err := s.load(ctx, tx, id)
		if errors.Is(err, custom_errors.ErrJobNotFound) || (err == nil && j.Status != state.StatusProcessing) {
			return fmt.Errorf("job %d is not processing: %w", id, custom_errors.ErrInvalidTransition)
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HDel(ctx, key, "locked_by")
			pipe.ZRem(ctx, s.keys.started(), id)
			apply(pipe, j)
			return nil
		})
		return err
	}, key)
}

func (s *RedisJobStore) MarkCompleted(ctx context.Context, id int64, now time.Time) error {
	return s.finish(ctx, id, func(pipe goredis.Pipeliner, j *types.Job) {
		pipe.HSet(ctx, s.keys.job(id),
			"status", string(state.StatusCompleted),
			"completed_at", formatTime(now),
			"updated_at", formatTime(now),
		)
		s.moveStatus(ctx, pipe, id, j.Status, state.StatusCompleted)
		pipe.ZAdd(ctx, s.keys.completed(), goredis.Z{Score: msScore(now), Member: id})
	})
}

func (s *RedisJobStore) MarkFailure(ctx context.Context, id int64, status state.JobStatus, errMsg string, retryAt *time.Time, now time.Time) error {
	return s.finish(ctx, id, func(pipe goredis.Pipeliner, j *types.Job) {
		key := s.keys.job(id)
		pipe.HSet(ctx, key,
			"status", string(status),
			"error_message", errMsg,
			"updated_at", formatTime(now),
		)
		if retryAt != nil {
			pipe.HSet(ctx, key, "scheduled_at", formatTime(*retryAt))
			j.ScheduledAt = retryAt
		}
		s.moveStatus(ctx, pipe, id, j.Status, status)
		if status == state.StatusRetrying && j.CanAttempt() {
			s.enqueue(ctx, pipe, j, now)
		}
	})
}

func (s *RedisJobStore) Reset(ctx context.Context, id int64, now time.Time) (bool, error) {
	key := s.keys.job(id)
	reset := false

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		j, err := s.load(ctx, tx, id)
		if errors.Is(err, custom_errors.ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if j.Status != state.StatusFailed {
			return nil
		}

		j.Status = state.StatusPending
		j.Attempts = 0
		j.ScheduledAt = nil
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"status", string(state.StatusPending),
				"attempts", 0,
				"updated_at", formatTime(now),
			)
			pipe.HDel(ctx, key, "error_message", "scheduled_at", "started_at", "completed_at", "locked_by")
			s.moveStatus(ctx, pipe, id, state.StatusFailed, state.StatusPending)
			s.enqueue(ctx, pipe, j, now)
			return nil
		})
		if err != nil {
			return err
		}
		reset = true
		return nil
	}, key)
	if err != nil {
		return false, fmt.Errorf("reset job %d: %w", id, err)
	}
	return reset, nil
}

// RecoverStale uses an exclusive millisecond bound, so a job started in the
// cutoff's own millisecond waits for the next run.
func (s *RedisJobStore) RecoverStale(ctx context.Context, lockedBefore, now time.Time) (int64, error) {
	members, err := s.client.ZRangeByScore(ctx, s.keys.started(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(lockedBefore.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	ids, err := parseIDs(members)
	if err != nil {
		return 0, err
	}

	var released int64
	for _, id := range ids {
		err := s.finish(ctx, id, func(pipe goredis.Pipeliner, j *types.Job) {
			to := state.StatusFailed
			if j.CanAttempt() {
				to = state.StatusRetrying
			}
			pipe.HSet(ctx, s.keys.job(id),
				"status", string(to),
				"error_message", store.StaleJobError,
				"updated_at", formatTime(now),
			)
			s.moveStatus(ctx, pipe, id, j.Status, to)
			if to == state.StatusRetrying {
				s.enqueue(ctx, pipe, j, now)
			}
		})
		if errors.Is(err, custom_errors.ErrInvalidTransition) || errors.Is(err, goredis.TxFailedErr) {
			// finished or reclaimed concurrently
			continue
		}
		if err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

func (s *RedisJobStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	members, err := s.client.ZRangeByScore(ctx, s.keys.completed(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	ids, err := parseIDs(members)
	if err != nil {
		return 0, err
	}
	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return 0, err
	}

	var deleted int64
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, j := range jobs {
			if j.Status != state.StatusCompleted || j.CompletedAt == nil || !j.CompletedAt.Before(cutoff) {
				continue
			}
			pipe.Del(ctx, s.keys.job(j.ID))
			pipe.ZRem(ctx, s.keys.all(), j.ID)
			pipe.ZRem(ctx, s.keys.status(state.StatusCompleted), j.ID)
			pipe.ZRem(ctx, s.keys.completed(), j.ID)
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *RedisJobStore) CountAllJobsGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	cmds := make(map[state.JobStatus]*goredis.IntCmd, len(state.AllStatuses))
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, status := range state.AllStatuses {
			cmds[status] = pipe.ZCard(ctx, s.keys.status(status))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	counts := store.ZeroFilledCounts()
	for status, cmd := range cmds {
		counts[status] = int(cmd.Val())
	}
	return counts, nil
}

func (s *RedisJobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisJobStore) Close() error {
	return s.client.Close()
}

func parseIDs(members []string) ([]int64, error) {
	ids := make([]int64, len(members))
	for i, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed job id %q: %w", m, err)
		}
		ids[i] = id
	}
	return ids, nil
}
