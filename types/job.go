package types

import (
	"encoding/json"
	"time"

	"github.com/RezaEskandarii/jobqueue/internal/state"
)

// Priority tiers. Any integer is a valid priority; higher values are served first.
const (
	PriorityLow      = 1
	PriorityNormal   = 5
	PriorityHigh     = 10
	PriorityCritical = 15
)

// Payload is the opaque key/value data handed to a job handler.
type Payload map[string]any

// Encode serializes the payload to its stored JSON text. A nil payload encodes as "{}".
func (p Payload) Encode() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// DecodePayload parses stored JSON text. Empty input yields an empty payload.
func DecodePayload(data []byte) (Payload, error) {
	p := Payload{}
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Job is the persisted unit of work.
type Job struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	Payload      Payload         `json:"payload"`
	Status       state.JobStatus `json:"status"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	LockedBy     *string         `json:"locked_by,omitempty"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	// PayloadError holds the decode error of a stored payload that is not a
	// JSON object. Such a job fails without its handler being run.
	PayloadError string `json:"payload_error,omitempty"`
}

// SetPayload decodes stored payload text into the job. A decode failure is
// kept in PayloadError so one bad row does not fail a whole fetch.
func (j *Job) SetPayload(data []byte) {
	p, err := DecodePayload(data)
	if err != nil {
		j.Payload = Payload{}
		j.PayloadError = err.Error()
		return
	}
	j.Payload = p
	j.PayloadError = ""
}

// NewJob is the unsaved form of a Job, as handed to a store for insertion.
type NewJob struct {
	Type        string
	Payload     Payload
	Priority    int
	MaxAttempts int
	ScheduledAt *time.Time
}

// IsDue reports whether the job may be picked up at now.
func (j *Job) IsDue(now time.Time) bool {
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// CanAttempt reports whether another processing attempt is allowed.
func (j *Job) CanAttempt() bool {
	return j.Attempts < j.MaxAttempts
}

// IsEligible reports whether a worker may claim the job at now.
func (j *Job) IsEligible(now time.Time) bool {
	return (j.Status == state.StatusPending || j.Status == state.StatusRetrying) && j.CanAttempt() && j.IsDue(now)
}

// Less orders jobs for pickup: priority DESC, created_at ASC, id ASC.
func Less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
