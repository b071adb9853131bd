package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/RezaEskandarii/jobqueue/internal/constants"
	"github.com/RezaEskandarii/jobqueue/internal/lock"
	"github.com/RezaEskandarii/jobqueue/types/config"
)

// cronParser accepts standard 5-field expressions and descriptors like "@every 1m".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Maintenance runs the periodic housekeeping of a queue: deleting old
// completed jobs and releasing jobs whose worker died mid-run. Each task runs
// under a distributed lock, so only one instance performs it per tick.
type Maintenance struct {
	queue  *JobQueue
	lock   lock.DistributedLockManager
	cron   *cron.Cron
	logger *slog.Logger

	retentionDays int
	ctx           context.Context
}

func NewMaintenance(queue *JobQueue, lockManager lock.DistributedLockManager, cfg *config.Config, logger *slog.Logger) (*Maintenance, error) {
	m := &Maintenance{
		queue:         queue,
		lock:          lockManager,
		cron:          cron.New(cron.WithParser(cronParser)),
		logger:        logger,
		retentionDays: cfg.RetentionDays,
		ctx:           context.Background(),
	}

	tasks := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"cleanup", cfg.CleanupSchedule, m.RunCleanup},
		{"recover-stale", cfg.RecoverSchedule, m.RunRecoverStale},
	}
	for _, task := range tasks {
		if task.spec == "" {
			continue
		}
		task := task
		if _, err := m.cron.AddFunc(task.spec, func() {
			if err := task.run(m.ctx); err != nil {
				m.logger.Error("maintenance task failed", "task", task.name, "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule %s '%s': %w", task.name, task.spec, err)
		}
		m.logger.Debug("maintenance task scheduled", "task", task.name, "schedule", task.spec)
	}
	return m, nil
}

// Start runs the scheduled tasks in the background until Stop or ctx is done.
func (m *Maintenance) Start(ctx context.Context) {
	m.ctx = ctx
	m.cron.Start()
	go func() {
		<-ctx.Done()
		m.cron.Stop()
	}()
}

// Stop halts the schedule and waits for a running task to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// Tasks returns the number of scheduled tasks.
func (m *Maintenance) Tasks() int {
	return len(m.cron.Entries())
}

func (m *Maintenance) RunCleanup(ctx context.Context) error {
	return m.exclusive(ctx, constants.CleanupLock, "cleanup", func(ctx context.Context) error {
		_, err := m.queue.Cleanup(ctx, m.retentionDays)
		return err
	})
}

func (m *Maintenance) RunRecoverStale(ctx context.Context) error {
	return m.exclusive(ctx, constants.RecoverLock, "recover-stale", func(ctx context.Context) error {
		_, err := m.queue.RecoverStaleJobs(ctx, 0)
		return err
	})
}

// exclusive runs fn only when lockID is free; another instance holding it
// means the task already runs elsewhere.
func (m *Maintenance) exclusive(ctx context.Context, lockID int, name string, fn func(context.Context) error) error {
	ok, err := m.lock.TryAcquire(ctx, lockID)
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Debug("maintenance task skipped, lock held elsewhere", "task", name)
		return nil
	}
	defer func() {
		if err := m.lock.Release(ctx, lockID); err != nil {
			m.logger.Warn("maintenance lock not released", "task", name, "error", err)
		}
	}()
	return fn(ctx)
}
