package message_broaker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBroker records published messages.
type mockBroker struct {
	publishErr error
	keys       []string
	bodies     [][]byte
}

func (m *mockBroker) Publish(_ context.Context, routingKey string, message []byte) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.keys = append(m.keys, routingKey)
	m.bodies = append(m.bodies, message)
	return nil
}

func (m *mockBroker) Consume(ctx context.Context, queue string) (<-chan []byte, error) {
	ch := make(chan []byte, len(m.bodies))
	for _, b := range m.bodies {
		ch <- b
	}
	close(ch)
	return ch, nil
}

func (m *mockBroker) Close() error { return nil }

func TestMessageBrokerInterface(t *testing.T) {
	var _ MessageBroker = (*mockBroker)(nil)
	var _ MessageBroker = (*RabbitMQ)(nil)
}

func TestNewJobEvent(t *testing.T) {
	msg := "boom"
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	job := &types.Job{
		ID: 7, Type: "SendEmailJob", Status: state.StatusRetrying,
		Priority: 10, Attempts: 1, MaxAttempts: 3, ErrorMessage: &msg,
	}

	ev := NewJobEvent(EventRetrying, job, "worker-a", at)

	assert.Equal(t, EventRetrying, ev.Event)
	assert.Equal(t, int64(7), ev.JobID)
	assert.Equal(t, "boom", ev.Error)
	assert.Equal(t, "worker-a", ev.Instance)
	assert.Equal(t, at, ev.OccurredAt)
}

func TestEventPublisher_Publish(t *testing.T) {
	broker := &mockBroker{}
	pub := NewEventPublisher(broker)
	job := &types.Job{ID: 1, Type: "A", Status: state.StatusCompleted, Attempts: 1, MaxAttempts: 3}

	err := pub.Publish(context.Background(), NewJobEvent(EventCompleted, job, "i", time.Now()))
	require.NoError(t, err)

	require.Len(t, broker.keys, 1)
	assert.Equal(t, "job.completed", broker.keys[0])

	var body map[string]any
	require.NoError(t, json.Unmarshal(broker.bodies[0], &body))
	assert.Equal(t, "job.completed", body["event"])
	assert.Equal(t, "completed", body["status"])
	assert.NotContains(t, body, "error")
}

func TestEventPublisher_PublishError(t *testing.T) {
	pub := NewEventPublisher(&mockBroker{publishErr: assert.AnError})
	job := &types.Job{ID: 9, Type: "A"}

	err := pub.Publish(context.Background(), NewJobEvent(EventFailed, job, "i", time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "job.failed")
}

func TestDecodeJobEvent(t *testing.T) {
	broker := &mockBroker{}
	pub := NewEventPublisher(broker)
	job := &types.Job{ID: 3, Type: "A", Status: state.StatusPending, MaxAttempts: 3}
	require.NoError(t, pub.Publish(context.Background(), NewJobEvent(EventDispatched, job, "i", time.Now())))

	ch, err := broker.Consume(context.Background(), "q")
	require.NoError(t, err)
	ev, err := DecodeJobEvent(<-ch)
	require.NoError(t, err)
	assert.Equal(t, EventDispatched, ev.Event)
	assert.Equal(t, int64(3), ev.JobID)
	assert.Equal(t, state.StatusPending, ev.Status)

	_, err = DecodeJobEvent([]byte("not json"))
	assert.Error(t, err)
}
