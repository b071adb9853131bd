package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/RezaEskandarii/jobqueue/client"
	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/types"
)

func (c *cli) dispatchCmd() *cobra.Command {
	var (
		payload     string
		priority    int
		maxAttempts int
		runAt       string
		delay       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "job:dispatch <type>",
		Short: "Enqueue a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := types.DecodePayload([]byte(payload))
			if err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
			opts := []client.DispatchOption{client.WithPriority(priority)}
			if maxAttempts > 0 {
				opts = append(opts, client.WithMaxAttempts(maxAttempts))
			}
			switch {
			case runAt != "" && delay > 0:
				return fmt.Errorf("--run-at and --delay are mutually exclusive")
			case runAt != "":
				at, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return fmt.Errorf("invalid --run-at: %w", err)
				}
				opts = append(opts, client.WithRunAt(at))
			case delay > 0:
				opts = append(opts, client.WithRunAt(time.Now().Add(delay)))
			}

			ctx := cmd.Context()
			container, err := c.container(ctx)
			if err != nil {
				return err
			}
			defer container.Close()

			job, err := container.Queue.DispatchWithOptions(ctx, args[0], data, opts...)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}

	f := cmd.Flags()
	f.StringVar(&payload, "payload", "{}", "job payload as a JSON object")
	f.IntVar(&priority, "priority", types.PriorityNormal, "higher runs first")
	f.IntVar(&maxAttempts, "max-attempts", 0, "attempts for this job (default the global --max-attempts)")
	f.StringVar(&runAt, "run-at", "", "RFC3339 time before which the job is not picked up")
	f.DurationVar(&delay, "delay", 0, "delay before the job is picked up")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var (
		status   string
		page     int
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "job:list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			container, err := c.container(ctx)
			if err != nil {
				return err
			}
			defer container.Close()

			result, err := container.Queue.ListJobs(ctx, state.JobStatus(status), page, pageSize)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPRIORITY\tATTEMPTS\tCREATED\tERROR")
			for _, j := range result.Items {
				errMsg := ""
				if j.ErrorMessage != nil {
					errMsg = *j.ErrorMessage
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
					j.ID, j.Type, j.Status, j.Priority, j.Attempts, j.MaxAttempts,
					j.CreatedAt.Format(time.RFC3339), errMsg)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "page %d of %d, %d jobs\n", result.Page, max(result.TotalPages, 1), result.TotalItems)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&status, "status", "", "only jobs in this status")
	f.IntVar(&page, "page", 1, "page number")
	f.IntVar(&pageSize, "page-size", 0, "jobs per page (default 15)")
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job:show <id>",
		Short: "Print one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			container, err := c.container(ctx)
			if err != nil {
				return err
			}
			defer container.Close()

			job, err := container.Queue.FindByID(ctx, id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job:stats",
		Short: "Count jobs per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			container, err := c.container(ctx)
			if err != nil {
				return err
			}
			defer container.Close()

			counts, err := container.Queue.GetStats(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, status := range state.AllStatuses {
				fmt.Fprintf(tw, "%s\t%d\n", status, counts[status])
			}
			return tw.Flush()
		},
	}
}

func (c *cli) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job:retry <id>",
		Short: "Move a failed job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			container, err := c.container(ctx)
			if err != nil {
				return err
			}
			defer container.Close()

			job, err := container.Queue.Retry(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d is %s again\n", job.ID, job.Status)
			return nil
		},
	}
}

func (c *cli) cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "job:cleanup",
		Short: "Delete completed jobs older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			container, err := c.container(ctx)
			if err != nil {
				return err
			}
			defer container.Close()

			deleted, err := container.Queue.Cleanup(ctx, days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d completed jobs\n", deleted)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default the global --retention-days)")
	return cmd
}

func (c *cli) recoverCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "job:recover",
		Short: "Release processing jobs whose worker stopped answering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			container, err := c.container(ctx)
			if err != nil {
				return err
			}
			defer container.Close()

			released, err := container.Queue.RecoverStaleJobs(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d stale jobs\n", released)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "started before this long ago (default the global --stale-lock-ttl)")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid job id '%s'", s)
	}
	return id, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
