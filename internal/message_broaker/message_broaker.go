package message_broaker

import "context"

// MessageBroker publishes messages under a routing key and consumes them
// from a named queue.
type MessageBroker interface {
	Publish(ctx context.Context, routingKey string, message []byte) error
	Consume(ctx context.Context, queue string) (<-chan []byte, error)
	Close() error
}
