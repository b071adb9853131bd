package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/RezaEskandarii/jobqueue/internal/worker"
)

func (c *cli) workerCmd() *cobra.Command {
	var (
		jobs        int
		timeout     int
		sleep       int
		maxMemory   uint64
		once        bool
		concurrency int
		jobDelay    time.Duration
		maintenance bool
	)

	cmd := &cobra.Command{
		Use:   "worker:run",
		Short: "Process jobs until a budget runs out or a stop signal arrives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if timeout < 0 || sleep < 0 {
				return fmt.Errorf("--timeout and --sleep must not be negative")
			}
			opts := worker.Options{
				MaxJobs:     jobs,
				Timeout:     time.Duration(timeout) * time.Second,
				Sleep:       time.Duration(sleep) * time.Second,
				MaxMemoryMB: maxMemory,
				Once:        once,
				JobDelay:    jobDelay,
				Concurrency: concurrency,
			}
			if err := opts.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			container, err := c.container(ctx)
			if err != nil {
				return err
			}
			defer container.Close()

			if maintenance {
				m, err := container.Maintenance()
				if err != nil {
					return err
				}
				m.Start(ctx)
				defer m.Stop()
			}

			w, err := worker.New(container.Queue, opts, container.Logger.With("instance", container.Config.Instance))
			if err != nil {
				return err
			}
			summary, err := w.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d jobs (%d succeeded, %d failed) in %s, stop reason: %s\n",
				summary.Processed, summary.Succeeded, summary.Failed,
				summary.Duration.Round(time.Millisecond), summary.StopReason)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&jobs, "jobs", 0, "stop after processing this many jobs, 0 means unlimited")
	f.IntVar(&timeout, "timeout", int(worker.DefaultTimeout/time.Second), "stop after running this many seconds, 0 means unlimited")
	f.IntVar(&sleep, "sleep", int(worker.DefaultSleep/time.Second), "seconds to wait when no job is eligible")
	f.Uint64Var(&maxMemory, "max-memory", worker.DefaultMaxMemoryMB, "stop when heap memory exceeds this many MB, 0 means unlimited")
	f.BoolVar(&once, "once", false, "process at most one job, then exit")
	f.IntVar(&concurrency, "concurrency", 1, "jobs processed at the same time")
	f.DurationVar(&jobDelay, "job-delay", worker.DefaultJobDelay, "pause between two jobs")
	f.BoolVar(&maintenance, "maintenance", false, "also run the cleanup and stale recovery schedule")
	return cmd
}
