package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/types"
)

// jobToMap flattens a job into hash fields. Nil optional fields are left out.
func jobToMap(j *types.Job) (map[string]any, error) {
	payload, err := j.Payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	m := map[string]any{
		"id":           j.ID,
		"type":         j.Type,
		"payload":      string(payload),
		"status":       string(j.Status),
		"priority":     j.Priority,
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"created_at":   formatTime(j.CreatedAt),
		"updated_at":   formatTime(j.UpdatedAt),
	}
	if j.ErrorMessage != nil {
		m["error_message"] = *j.ErrorMessage
	}
	if j.LockedBy != nil {
		m["locked_by"] = *j.LockedBy
	}
	if j.ScheduledAt != nil {
		m["scheduled_at"] = formatTime(*j.ScheduledAt)
	}
	if j.StartedAt != nil {
		m["started_at"] = formatTime(*j.StartedAt)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = formatTime(*j.CompletedAt)
	}
	return m, nil
}

func jobFromMap(m map[string]string) (*types.Job, error) {
	var j types.Job
	var err error

	if j.ID, err = strconv.ParseInt(m["id"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	j.Type = m["type"]
	j.Status = state.JobStatus(m["status"])
	if j.Priority, err = strconv.Atoi(m["priority"]); err != nil {
		return nil, fmt.Errorf("parse priority of job %d: %w", j.ID, err)
	}
	if j.Attempts, err = strconv.Atoi(m["attempts"]); err != nil {
		return nil, fmt.Errorf("parse attempts of job %d: %w", j.ID, err)
	}
	if j.MaxAttempts, err = strconv.Atoi(m["max_attempts"]); err != nil {
		return nil, fmt.Errorf("parse max_attempts of job %d: %w", j.ID, err)
	}
	j.SetPayload([]byte(m["payload"]))

	if v, ok := m["error_message"]; ok {
		j.ErrorMessage = &v
	}
	if v, ok := m["locked_by"]; ok {
		j.LockedBy = &v
	}
	for field, dst := range map[string]**time.Time{
		"scheduled_at": &j.ScheduledAt,
		"started_at":   &j.StartedAt,
		"completed_at": &j.CompletedAt,
	} {
		v, ok := m[field]
		if !ok {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s of job %d: %w", field, j.ID, err)
		}
		*dst = &t
	}
	if j.CreatedAt, err = parseTime(m["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at of job %d: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(m["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse updated_at of job %d: %w", j.ID, err)
	}
	return &j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
