package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/RezaEskandarii/jobqueue/internal/message_broaker"
	"github.com/RezaEskandarii/jobqueue/types/config"
	"github.com/RezaEskandarii/jobqueue/web"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the jobs table and its indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			container, err := c.container(ctx)
			if err != nil {
				return err
			}
			defer container.Close()
			return container.Migrate(ctx)
		},
	}
}

func (c *cli) serveCmd() *cobra.Command {
	var (
		port        uint
		maintenance bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the maintenance schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			container, err := c.container(ctx, config.WithHTTPPort(port))
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

			handler := web.NewRouteHandler(container.Queue, container.Config.HTTPPort, container.Logger)
			return handler.Serve(ctx)
		},
	}
	cmd.Flags().UintVar(&port, "port", config.DefaultHTTPPort, "HTTP port")
	cmd.Flags().BoolVar(&maintenance, "maintenance", true, "run the cleanup and stale recovery schedule")
	return cmd
}

func (c *cli) eventsCmd() *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "events:watch",
		Short: "Print job lifecycle events as they are published",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.opts.amqpURL == "" {
				return errors.New("--amqp-url is required")
			}
			broker, err := message_broaker.NewRabbitMQ(c.opts.amqpURL, c.opts.amqpExchange, queue, message_broaker.AllEventsBindingKey)
			if err != nil {
				return fmt.Errorf("connect rabbitmq: %w", err)
			}
			defer broker.Close()
			return watchEvents(cmd.Context(), broker, queue, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "jobqueue.events.watch", "queue to bind to every job event")
	return cmd
}

// watchEvents prints one line per consumed event until ctx is done or the
// broker closes the delivery channel.
func watchEvents(ctx context.Context, broker message_broaker.MessageBroker, queue string, out io.Writer) error {
	deliveries, err := broker.Consume(ctx, queue)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	for body := range deliveries {
		ev, err := message_broaker.DecodeJobEvent(body)
		if err != nil {
			fmt.Fprintf(out, "undecodable event: %s\n", body)
			continue
		}
		line := fmt.Sprintf("%s %-15s job=%d type=%s status=%s attempts=%d/%d instance=%s",
			ev.OccurredAt.Format("2006-01-02 15:04:05"), ev.Event, ev.JobID, ev.Type,
			ev.Status, ev.Attempts, ev.MaxAttempts, ev.Instance)
		if ev.Error != "" {
			line += fmt.Sprintf(" error=%q", ev.Error)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
