package redis

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/internal/store"
	"github.com/RezaEskandarii/jobqueue/internal/store/storetest"
	"github.com/RezaEskandarii/jobqueue/types"
)

func newRedisStore(t *testing.T) (*RedisJobStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisJobStore(client, "test"), mr
}

func TestRedisJobStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.JobStore {
		s, _ := newRedisStore(t)
		return s
	})
}

func TestRedisJobStore_KeyLayout(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	job, err := s.Insert(ctx, types.NewJob{Type: "A", Priority: types.PriorityHigh, MaxAttempts: 3}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), job.ID)

	assert.True(t, mr.Exists("test:job:1"))
	assert.Equal(t, "pending", mr.HGet("test:job:1", "status"))
	assert.Equal(t, "{}", mr.HGet("test:job:1", "payload"))

	ready, err := mr.ZMembers("test:queue:ready")
	require.NoError(t, err)
	assert.Len(t, ready, 1)

	runAt := now.Add(time.Hour)
	_, err = s.Insert(ctx, types.NewJob{Type: "B", MaxAttempts: 3, ScheduledAt: &runAt}, now)
	require.NoError(t, err)
	delayed, err := mr.ZMembers("test:queue:delayed")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, delayed)
}

func TestRedisJobStore_ConcurrentClaims(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()
	job, err := s.Insert(ctx, types.NewJob{Type: "race", MaxAttempts: 3}, now)
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Claim(ctx, job.ID, "worker", now)
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	found, err := s.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, found.Attempts)
	assert.Equal(t, state.StatusProcessing, found.Status)
}

func TestRedisJobStore_ClaimRemovesFromReadySet(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()
	job, err := s.Insert(ctx, types.NewJob{Type: "A", MaxAttempts: 3}, now)
	require.NoError(t, err)

	_, ok, err := s.Claim(ctx, job.ID, "worker", now)
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, mr.Exists("test:queue:ready"))
	assert.Equal(t, "worker", mr.HGet("test:job:1", "locked_by"))
	started, err := mr.ZMembers("test:processing:started")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, started)
}

func TestRedisJobStore_FetchDueJobs_KeepsUndecodablePayload(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()
	bad, err := s.Insert(ctx, types.NewJob{Type: "A", Priority: types.PriorityHigh, MaxAttempts: 3}, now)
	require.NoError(t, err)
	_, err = s.Insert(ctx, types.NewJob{Type: "B", MaxAttempts: 3}, now)
	require.NoError(t, err)
	mr.HSet("test:job:1", "payload", "[1,2]")

	jobs, err := s.FetchDueJobs(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, bad.ID, jobs[0].ID)
	assert.NotEmpty(t, jobs[0].PayloadError)
	assert.Empty(t, jobs[1].PayloadError)

	found, err := s.FindByID(ctx, bad.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, found.PayloadError)
}

func TestRedisJobStore_Ping(t *testing.T) {
	s, _ := newRedisStore(t)
	require.NoError(t, s.Ping(context.Background()))
}

func TestReadyMemberOrdering(t *testing.T) {
	base := time.Unix(1700000000, 0)
	a := readyMember(&types.Job{ID: 9, CreatedAt: base})
	b := readyMember(&types.Job{ID: 10, CreatedAt: base})
	c := readyMember(&types.Job{ID: 2, CreatedAt: base.Add(time.Millisecond)})

	assert.Less(t, a, b)
	assert.Less(t, b, c)

	id, err := readyMemberID(b)
	require.NoError(t, err)
	assert.Equal(t, int64(10), id)

	_, err = readyMemberID("garbage")
	assert.Error(t, err)
}

func TestJobCodec(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)
	msg := "boom"
	in := &types.Job{
		ID: 3, Type: "A", Payload: types.Payload{"n": float64(1)}, Status: state.StatusRetrying,
		Priority: 10, Attempts: 2, MaxAttempts: 3, ErrorMessage: &msg, ScheduledAt: &now,
		CreatedAt: now, UpdatedAt: now,
	}
	fields, err := jobToMap(in)
	require.NoError(t, err)
	assert.NotContains(t, fields, "locked_by")

	strs := make(map[string]string, len(fields))
	for k, v := range fields {
		switch x := v.(type) {
		case string:
			strs[k] = x
		case int:
			strs[k] = strconv.Itoa(x)
		case int64:
			strs[k] = strconv.FormatInt(x, 10)
		}
	}

	out, err := jobFromMap(strs)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.Payload, out.Payload)
	assert.Equal(t, "boom", *out.ErrorMessage)
	assert.True(t, out.ScheduledAt.Equal(now))
	assert.Nil(t, out.StartedAt)
	assert.Nil(t, out.LockedBy)
}
