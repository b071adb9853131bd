package types

import (
	"testing"
	"time"

	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_EncodeDecode(t *testing.T) {
	data, err := Payload{"to": "a@b.c", "count": 2}.Encode()
	require.NoError(t, err)

	p, err := DecodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", p["to"])
	assert.Equal(t, float64(2), p["count"])
}

func TestPayload_NilAndEmpty(t *testing.T) {
	data, err := Payload(nil).Encode()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	p, err := DecodePayload(nil)
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Empty(t, p)

	_, err = DecodePayload([]byte("not json"))
	assert.Error(t, err)
}

func TestJob_SetPayload(t *testing.T) {
	var j Job
	j.SetPayload([]byte("[1,2]"))
	assert.NotEmpty(t, j.PayloadError)
	assert.Empty(t, j.Payload)

	j.SetPayload([]byte(`{"to":"a@b.c"}`))
	assert.Empty(t, j.PayloadError)
	assert.Equal(t, "a@b.c", j.Payload["to"])
}

func TestJob_IsEligible(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"pending unscheduled", Job{Status: state.StatusPending, MaxAttempts: 3}, true},
		{"pending scheduled in past", Job{Status: state.StatusPending, MaxAttempts: 3, ScheduledAt: &past}, true},
		{"pending scheduled at now", Job{Status: state.StatusPending, MaxAttempts: 3, ScheduledAt: &now}, true},
		{"pending scheduled in future", Job{Status: state.StatusPending, MaxAttempts: 3, ScheduledAt: &future}, false},
		{"retrying with attempts left", Job{Status: state.StatusRetrying, Attempts: 1, MaxAttempts: 3}, true},
		{"retrying exhausted", Job{Status: state.StatusRetrying, Attempts: 3, MaxAttempts: 3}, false},
		{"processing", Job{Status: state.StatusProcessing, MaxAttempts: 3}, false},
		{"completed", Job{Status: state.StatusCompleted, MaxAttempts: 3}, false},
		{"failed", Job{Status: state.StatusFailed, MaxAttempts: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.IsEligible(now))
		})
	}
}

func TestLess(t *testing.T) {
	base := time.Now()
	high := &Job{ID: 3, Priority: PriorityHigh, CreatedAt: base.Add(time.Minute)}
	normalOld := &Job{ID: 2, Priority: PriorityNormal, CreatedAt: base}
	normalNew := &Job{ID: 1, Priority: PriorityNormal, CreatedAt: base.Add(time.Second)}
	normalSameTime := &Job{ID: 4, Priority: PriorityNormal, CreatedAt: base}

	assert.True(t, Less(high, normalOld))
	assert.True(t, Less(normalOld, normalNew))
	assert.False(t, Less(normalNew, normalOld))
	assert.True(t, Less(normalOld, normalSameTime))
}

func TestNewPaginationResult(t *testing.T) {
	res := NewPaginationResult([]int{1, 2}, 5, 2, 2)
	assert.Equal(t, 3, res.TotalPages)
	assert.True(t, res.HasNextPage)
	assert.True(t, res.HasPreviousPage)

	empty := NewPaginationResult[int](nil, 0, 1, 10)
	assert.NotNil(t, empty.Items)
	assert.Equal(t, 0, empty.TotalPages)
	assert.False(t, empty.HasNextPage)
}
