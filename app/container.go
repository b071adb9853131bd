package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/RezaEskandarii/jobqueue/client"
	"github.com/RezaEskandarii/jobqueue/internal/db"
	"github.com/RezaEskandarii/jobqueue/internal/handlers"
	"github.com/RezaEskandarii/jobqueue/internal/lock"
	"github.com/RezaEskandarii/jobqueue/internal/logger"
	"github.com/RezaEskandarii/jobqueue/internal/message_broaker"
	"github.com/RezaEskandarii/jobqueue/internal/store"
	"github.com/RezaEskandarii/jobqueue/internal/store/memory"
	"github.com/RezaEskandarii/jobqueue/internal/store/postgres"
	redisstore "github.com/RezaEskandarii/jobqueue/internal/store/redis"
	"github.com/RezaEskandarii/jobqueue/types/config"
)

// redisLockTTL bounds how long a crashed process keeps a maintenance lock.
const redisLockTTL = 5 * time.Minute

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Storage connections, nil when the driver does not use them
	DB    *sql.DB
	Redis *redis.Client

	JobStore      store.JobStore
	LockManager   lock.DistributedLockManager
	MessageBroker message_broaker.MessageBroker

	JobHandler *config.JobHandler
	Queue      *client.JobQueue
}

// NewContainer creates and wires all dependencies. Call this once per
// application lifecycle. Built-in handlers are registered next to the ones
// supplied with WithJobHandler.
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*Container, error) {
	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}

	c := &Container{
		Config:        cfg,
		Logger:        opt.logger,
		DB:            opt.db,
		Redis:         opt.redis,
		MessageBroker: opt.broker,
		JobHandler:    opt.jobHandler,
	}
	if c.Logger == nil {
		c.Logger = logger.Discard()
	}
	if c.JobHandler == nil {
		c.JobHandler = config.NewJobHandler()
	}
	if err := handlers.Register(c.JobHandler, c.Logger); err != nil && opt.jobHandler == nil {
		return nil, fmt.Errorf("register built-in handlers: %w", err)
	}

	if err := c.initStorage(ctx); err != nil {
		c.Close()
		return nil, err
	}

	queueOpts := []client.QueueOption{client.WithLogger(c.Logger)}
	if c.MessageBroker == nil && cfg.PublishEvents {
		broker, err := message_broaker.NewRabbitMQ(
			cfg.RabbitMQConfig.URL,
			cfg.RabbitMQConfig.Exchange,
			cfg.RabbitMQConfig.Queue,
			message_broaker.AllEventsBindingKey,
		)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("init rabbitmq: %w", err)
		}
		c.MessageBroker = broker
	}
	if c.MessageBroker != nil {
		queueOpts = append(queueOpts, client.WithEventPublisher(message_broaker.NewEventPublisher(c.MessageBroker)))
	}

	c.Queue = client.NewJobQueue(c.JobStore, c.JobHandler, cfg, queueOpts...)
	c.Logger.Debug("container ready",
		"instance", cfg.Instance,
		"driver", cfg.StorageDriver.String(),
		"handlers", c.JobHandler.List(),
		"events", c.MessageBroker != nil,
	)
	return c, nil
}

// initStorage opens the connections of the configured driver and builds the
// job store and lock manager on top of them.
func (c *Container) initStorage(ctx context.Context) error {
	cfg := c.Config
	switch cfg.StorageDriver {
	case config.Postgres:
		if c.DB == nil {
			conn, err := db.Open(ctx, cfg.PostgresConfig.ConnectionUrl)
			if err != nil {
				return fmt.Errorf("init storage: %w", err)
			}
			c.DB = conn
		}
		c.JobStore = postgres.NewPostgresJobStore(c.DB)
		c.LockManager = lock.NewPostgresDistributedLockManager(c.DB)
	case config.Redis:
		if c.Redis == nil {
			c.Redis = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisConfig.Address,
				Password: cfg.RedisConfig.Password,
				DB:       cfg.RedisConfig.DB,
			})
			if err := c.Redis.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("init storage: ping redis: %w", err)
			}
		}
		prefix := cfg.RedisConfig.KeyPrefix
		if prefix == "" {
			prefix = "jobqueue"
		}
		c.JobStore = redisstore.NewRedisJobStore(c.Redis, prefix)
		c.LockManager = lock.NewRedisDistributedLockManager(c.Redis, prefix+":lock", redisLockTTL)
	case config.Memory:
		c.JobStore = memory.NewMemoryJobStore()
		c.LockManager = lock.NewLocalLockManager()
	default:
		return fmt.Errorf("unsupported storage driver: %v", cfg.StorageDriver)
	}
	return nil
}

// Migrate creates the database schema. Only the Postgres driver has one.
func (c *Container) Migrate(ctx context.Context) error {
	if c.Config.StorageDriver != config.Postgres {
		c.Logger.Debug("no migrations for driver", "driver", c.Config.StorageDriver.String())
		return nil
	}
	return db.Init(ctx, c.DB, c.LockManager, c.Logger)
}

// Maintenance builds the cleanup and stale-recovery scheduler for this queue.
func (c *Container) Maintenance() (*client.Maintenance, error) {
	return client.NewMaintenance(c.Queue, c.LockManager, c.Config, c.Logger)
}

// Close releases every connection the container holds.
func (c *Container) Close() error {
	var errs []error
	if c.MessageBroker != nil {
		errs = append(errs, c.MessageBroker.Close())
	}
	if c.JobStore != nil {
		errs = append(errs, c.JobStore.Close())
	} else {
		if c.DB != nil {
			errs = append(errs, c.DB.Close())
		}
		if c.Redis != nil {
			errs = append(errs, c.Redis.Close())
		}
	}
	return errors.Join(errs...)
}
