package mocks

import (
	"context"
	"sync"
)

// MockMessageBroker is a mock implementation of message_broaker.MessageBroker for testing.
// Published messages are recorded when PublishFunc is nil.
type MockMessageBroker struct {
	PublishFunc func(ctx context.Context, routingKey string, message []byte) error
	ConsumeFunc func(ctx context.Context, queue string) (<-chan []byte, error)
	CloseFunc   func() error

	mu        sync.Mutex
	Published []PublishedMessage
}

type PublishedMessage struct {
	RoutingKey string
	Body       []byte
}

func (m *MockMessageBroker) Publish(ctx context.Context, routingKey string, message []byte) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, routingKey, message)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published = append(m.Published, PublishedMessage{RoutingKey: routingKey, Body: message})
	return nil
}

func (m *MockMessageBroker) Consume(ctx context.Context, queue string) (<-chan []byte, error) {
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(ctx, queue)
	}
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (m *MockMessageBroker) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// RoutingKeys returns the keys of all recorded messages in order.
func (m *MockMessageBroker) RoutingKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, len(m.Published))
	for i, p := range m.Published {
		keys[i] = p.RoutingKey
	}
	return keys
}
