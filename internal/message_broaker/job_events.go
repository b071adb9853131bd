package message_broaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/types"
)

// EventType doubles as the routing key of the published message.
type EventType string

const (
	EventDispatched EventType = "job.dispatched"
	EventStarted    EventType = "job.started"
	EventCompleted  EventType = "job.completed"
	EventRetrying   EventType = "job.retrying"
	EventFailed     EventType = "job.failed"
	EventRetried    EventType = "job.retried"
)

// AllEventsBindingKey matches every job event on a topic exchange.
const AllEventsBindingKey = "job.#"

// JobEvent is the message body published for a job state change.
type JobEvent struct {
	Event       EventType       `json:"event"`
	JobID       int64           `json:"job_id"`
	Type        string          `json:"type"`
	Status      state.JobStatus `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Error       string          `json:"error,omitempty"`
	Instance    string          `json:"instance"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

func NewJobEvent(event EventType, job *types.Job, instance string, at time.Time) JobEvent {
	ev := JobEvent{
		Event:       event,
		JobID:       job.ID,
		Type:        job.Type,
		Status:      job.Status,
		Priority:    job.Priority,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Instance:    instance,
		OccurredAt:  at,
	}
	if job.ErrorMessage != nil {
		ev.Error = *job.ErrorMessage
	}
	return ev
}

// EventPublisher serializes job events onto a MessageBroker.
type EventPublisher struct {
	broker MessageBroker
}

func NewEventPublisher(broker MessageBroker) *EventPublisher {
	return &EventPublisher{broker: broker}
}

func (p *EventPublisher) Publish(ctx context.Context, ev JobEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Event, err)
	}
	if err := p.broker.Publish(ctx, string(ev.Event), body); err != nil {
		return fmt.Errorf("publish %s event of job %d: %w", ev.Event, ev.JobID, err)
	}
	return nil
}

// DecodeJobEvent parses a consumed message body.
func DecodeJobEvent(body []byte) (JobEvent, error) {
	var ev JobEvent
	err := json.Unmarshal(body, &ev)
	return ev, err
}
