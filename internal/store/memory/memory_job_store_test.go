package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RezaEskandarii/jobqueue/internal/store"
	"github.com/RezaEskandarii/jobqueue/internal/store/storetest"
	"github.com/RezaEskandarii/jobqueue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryJobStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.JobStore {
		return NewMemoryJobStore()
	})
}

func TestMemoryJobStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryJobStore()
	ctx := context.Background()
	job, err := s.Insert(ctx, types.NewJob{Type: "A", Payload: types.Payload{"k": "v"}, MaxAttempts: 3}, time.Now())
	require.NoError(t, err)

	job.Payload["k"] = "changed"
	job.Attempts = 99

	found, err := s.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", found.Payload["k"])
	assert.Equal(t, 0, found.Attempts)
}

func TestMemoryJobStore_BulkInsert_BadPayloadInsertsNothing(t *testing.T) {
	s := NewMemoryJobStore()
	ctx := context.Background()

	_, err := s.BulkInsert(ctx, []types.NewJob{
		{Type: "ok", MaxAttempts: 3},
		{Type: "bad", Payload: types.Payload{"c": make(chan int)}, MaxAttempts: 3},
	}, time.Now())
	require.Error(t, err)

	page, err := s.List(ctx, "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, page.TotalItems)
}

func TestMemoryJobStore_ConcurrentClaims(t *testing.T) {
	s := NewMemoryJobStore()
	ctx := context.Background()
	now := time.Now()
	job, err := s.Insert(ctx, types.NewJob{Type: "race", MaxAttempts: 3}, now)
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
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
}

func TestMemoryJobStore_Lifecycle(t *testing.T) {
	s := NewMemoryJobStore()
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
}
