// Package handlers holds the job handlers every jobqueue binary registers.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RezaEskandarii/jobqueue/internal/logger"
	"github.com/RezaEskandarii/jobqueue/types"
	"github.com/RezaEskandarii/jobqueue/types/config"
)

const (
	NoopType  = "noop"
	LogType   = "log"
	SleepType = "sleep"
	FailType  = "fail"
)

// Register adds the built-in handlers to registry.
func Register(registry *config.JobHandler, l *slog.Logger) error {
	if l == nil {
		l = logger.Discard()
	}
	return errors.Join(
		registry.RegisterFunc(NoopType, Noop),
		registry.Register(LogType, &Log{Logger: l}),
		registry.RegisterFunc(SleepType, Sleep),
		registry.RegisterFunc(FailType, Fail),
	)
}

func Noop(ctx context.Context, payload types.Payload) error {
	return nil
}

// Log writes the payload's "message" field, plus any other fields, to Logger.
type Log struct {
	Logger *slog.Logger
}

func (h *Log) Handle(ctx context.Context, payload types.Payload) error {
	msg, _ := payload["message"].(string)
	if msg == "" {
		return errors.New("payload field 'message' is required")
	}
	attrs := make([]any, 0, 2*len(payload))
	for k, v := range payload {
		if k != "message" {
			attrs = append(attrs, k, v)
		}
	}
	h.Logger.InfoContext(ctx, msg, attrs...)
	return nil
}

// Sleep waits for payload["ms"] milliseconds or until ctx is done.
func Sleep(ctx context.Context, payload types.Payload) error {
	ms, err := intField(payload, "ms")
	if err != nil {
		return err
	}
	if ms < 0 {
		return fmt.Errorf("payload field 'ms' must not be negative, got %d", ms)
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fail always fails with payload["error"], or a fixed message.
func Fail(ctx context.Context, payload types.Payload) error {
	if msg, ok := payload["error"].(string); ok && msg != "" {
		return errors.New(msg)
	}
	return errors.New("job failed on purpose")
}

// intField reads a JSON number; payloads decode numbers as float64.
func intField(payload types.Payload, key string) (int64, error) {
	switch v := payload[key].(type) {
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case nil:
		return 0, fmt.Errorf("payload field '%s' is required", key)
	default:
		return 0, fmt.Errorf("payload field '%s' must be a number, got %T", key, v)
	}
}
