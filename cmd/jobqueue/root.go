package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/RezaEskandarii/jobqueue/app"
	"github.com/RezaEskandarii/jobqueue/internal/backoff"
	"github.com/RezaEskandarii/jobqueue/internal/logger"
	"github.com/RezaEskandarii/jobqueue/types/config"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	driver        string
	postgresURL   string
	redisAddr     string
	redisPassword string
	redisDB       int
	redisPrefix   string
	instance      string
	maxAttempts   int
	retentionDays int
	staleLockTTL  time.Duration
	backoff       string
	backoffBase   time.Duration
	backoffMax    time.Duration
	amqpURL       string
	amqpExchange  string
	amqpQueue     string
	logLevel      string
}

type cli struct {
	opts   globalOptions
	stdout io.Writer
	stderr io.Writer

	// newContainer is replaced in tests to share one in-memory store across commands.
	newContainer func(ctx context.Context, cfg *config.Config, opts ...app.ContainerOption) (*app.Container, error)
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr, newContainer: app.NewContainer}
	return c.execute(ctx, args)
}

func (c *cli) execute(ctx context.Context, args []string) int {
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return 1
	}
	return 0
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobqueue",
		Short:         "Persistent priority job queue with a polling worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&c.opts.driver, "driver", envOr("JOBQUEUE_DRIVER", config.DefaultStorageDriver.String()), "storage driver: postgres, redis or memory")
	f.StringVar(&c.opts.postgresURL, "postgres-url", os.Getenv("JOBQUEUE_POSTGRES_URL"), "postgres connection URL")
	f.StringVar(&c.opts.redisAddr, "redis-addr", envOr("JOBQUEUE_REDIS_ADDR", "localhost:6379"), "redis address")
	f.StringVar(&c.opts.redisPassword, "redis-password", os.Getenv("JOBQUEUE_REDIS_PASSWORD"), "redis password")
	f.IntVar(&c.opts.redisDB, "redis-db", envInt("JOBQUEUE_REDIS_DB", 0), "redis database number")
	f.StringVar(&c.opts.redisPrefix, "redis-prefix", "jobqueue", "prefix of every redis key")
	f.StringVar(&c.opts.instance, "instance", os.Getenv("JOBQUEUE_INSTANCE"), "instance name recorded on claimed jobs (default host name plus random suffix)")
	f.IntVar(&c.opts.maxAttempts, "max-attempts", config.DefaultMaxAttempts, "attempts per job unless set at dispatch")
	f.IntVar(&c.opts.retentionDays, "retention-days", config.DefaultRetentionDays, "days completed jobs are kept")
	f.DurationVar(&c.opts.staleLockTTL, "stale-lock-ttl", config.DefaultStaleLockTTL, "processing jobs older than this are released")
	f.StringVar(&c.opts.backoff, "backoff", "none", "retry backoff: none, constant, linear or exponential")
	f.DurationVar(&c.opts.backoffBase, "backoff-base", 5*time.Second, "first retry delay")
	f.DurationVar(&c.opts.backoffMax, "backoff-max", 10*time.Minute, "largest retry delay")
	f.StringVar(&c.opts.amqpURL, "amqp-url", os.Getenv("JOBQUEUE_AMQP_URL"), "RabbitMQ URL, enables job events")
	f.StringVar(&c.opts.amqpExchange, "amqp-exchange", config.DefaultEventsExchange, "topic exchange job events are published to")
	f.StringVar(&c.opts.amqpQueue, "amqp-queue", "", "durable queue bound to every job event")
	f.StringVar(&c.opts.logLevel, "log-level", envOr("JOBQUEUE_LOG_LEVEL", "info"), "debug, info, success, warn or error")

	root.AddCommand(
		c.workerCmd(),
		c.dispatchCmd(),
		c.listCmd(),
		c.showCmd(),
		c.statsCmd(),
		c.retryCmd(),
		c.cleanupCmd(),
		c.recoverCmd(),
		c.migrateCmd(),
		c.serveCmd(),
		c.eventsCmd(),
	)
	return root
}

func (c *cli) logger() (*slog.Logger, error) {
	level, err := logger.ParseLevel(c.opts.logLevel)
	if err != nil {
		return nil, err
	}
	return logger.New(c.stderr, level), nil
}

// config maps the global flags onto config options.
func (c *cli) config() (*config.Config, error) {
	driver, err := config.ParseStorageDriver(c.opts.driver)
	if err != nil {
		return nil, err
	}
	strategy, err := backoff.Parse(c.opts.backoff, c.opts.backoffBase, c.opts.backoffMax)
	if err != nil {
		return nil, err
	}

	opts := []config.Option{
		config.WithMaxAttempts(c.opts.maxAttempts),
		config.WithRetentionDays(c.opts.retentionDays),
		config.WithStaleLockTTL(c.opts.staleLockTTL),
		config.WithRetryBackoff(strategy),
	}
	switch driver {
	case config.Postgres:
		opts = append(opts, config.WithPostgresConfig(config.PostgresConfig{ConnectionUrl: c.opts.postgresURL}))
	case config.Redis:
		opts = append(opts, config.WithRedisConfig(config.RedisConfig{
			Address:   c.opts.redisAddr,
			Password:  c.opts.redisPassword,
			DB:        c.opts.redisDB,
			KeyPrefix: c.opts.redisPrefix,
		}))
	case config.Memory:
		opts = append(opts, config.WithMemoryStorage())
	}
	if c.opts.amqpURL != "" {
		opts = append(opts, config.WithRabbitMQConfig(config.RabbitMQConfig{
			URL:      c.opts.amqpURL,
			Exchange: c.opts.amqpExchange,
			Queue:    c.opts.amqpQueue,
		}))
	}

	instance := c.opts.instance
	if instance == "" {
		instance = app.NewInstanceID()
	}
	return config.NewConfig(instance, opts...)
}

// container builds the dependencies of one command from the global flags plus extra.
func (c *cli) container(ctx context.Context, extra ...config.Option) (*app.Container, error) {
	l, err := c.logger()
	if err != nil {
		return nil, err
	}
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	for _, opt := range extra {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return c.newContainer(ctx, cfg, app.WithLogger(l))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return n
}
