package handlers

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/RezaEskandarii/jobqueue/internal/logger"
	"github.com/RezaEskandarii/jobqueue/types"
	"github.com/RezaEskandarii/jobqueue/types/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	registry := config.NewJobHandler()
	require.NoError(t, Register(registry, nil))
	assert.Equal(t, []string{FailType, LogType, NoopType, SleepType}, registry.List())

	// second registration collides on every name
	assert.Error(t, Register(registry, nil))
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop(context.Background(), nil))
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	h := &Log{Logger: logger.New(&buf, slog.LevelDebug)}

	require.NoError(t, h.Handle(context.Background(), types.Payload{"message": "hello", "user": "ada"}))
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "user=ada")

	assert.Error(t, h.Handle(context.Background(), types.Payload{"user": "ada"}))
}

func TestSleep(t *testing.T) {
	start := time.Now()
	require.NoError(t, Sleep(context.Background(), types.Payload{"ms": float64(20)}))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	tests := []struct {
		name    string
		payload types.Payload
	}{
		{"missing", types.Payload{}},
		{"negative", types.Payload{"ms": float64(-1)}},
		{"not a number", types.Payload{"ms": "10"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Sleep(context.Background(), tt.payload))
		})
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, types.Payload{"ms": float64(10000)}), context.Canceled)
}

func TestFail(t *testing.T) {
	assert.EqualError(t, Fail(context.Background(), types.Payload{"error": "smtp unreachable"}), "smtp unreachable")
	assert.EqualError(t, Fail(context.Background(), nil), "job failed on purpose")
}
