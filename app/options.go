package app

import (
	"database/sql"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/RezaEskandarii/jobqueue/internal/message_broaker"
	"github.com/RezaEskandarii/jobqueue/types/config"
)

// ContainerOption configures Container creation. Used for testing and customization.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	// Optional: inject connections instead of creating them from config
	db     *sql.DB
	redis  *redis.Client
	broker message_broaker.MessageBroker

	logger     *slog.Logger
	jobHandler *config.JobHandler
}

// WithDB injects a custom database connection. Useful for testing.
func WithDB(db *sql.DB) ContainerOption {
	return func(c *containerConfig) {
		c.db = db
	}
}

// WithRedis injects a custom Redis client. Useful for testing.
func WithRedis(redis *redis.Client) ContainerOption {
	return func(c *containerConfig) {
		c.redis = redis
	}
}

// WithMessageBroker publishes job events to broker instead of dialing RabbitMQ.
func WithMessageBroker(broker message_broaker.MessageBroker) ContainerOption {
	return func(c *containerConfig) {
		c.broker = broker
	}
}

func WithLogger(l *slog.Logger) ContainerOption {
	return func(c *containerConfig) {
		c.logger = l
	}
}

// WithJobHandler uses a registry that already holds the application's handlers.
func WithJobHandler(h *config.JobHandler) ContainerOption {
	return func(c *containerConfig) {
		c.jobHandler = h
	}
}
