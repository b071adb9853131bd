package config

import "fmt"

type StorageDriver int

const (
	Postgres StorageDriver = iota + 1
	Redis
	Memory
)

type MessageQueueDriver int

const (
	RabbitMQ MessageQueueDriver = iota + 1
)

func (d MessageQueueDriver) String() string {
	switch d {
	case RabbitMQ:
		return "rabbitmq"
	default:
		return "unknown"
	}
}

// String converts the StorageDriver enum to a human-readable string.
func (d StorageDriver) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case Redis:
		return "redis"
	case Memory:
		return "memory"
	}
	return "unknown"
}

// ParseStorageDriver is the inverse of StorageDriver.String.
func ParseStorageDriver(s string) (StorageDriver, error) {
	switch s {
	case "postgres":
		return Postgres, nil
	case "redis":
		return Redis, nil
	case "memory":
		return Memory, nil
	}
	return 0, fmt.Errorf("unsupported storage driver '%s'", s)
}
