package types

import (
	"time"

	"github.com/RezaEskandarii/jobqueue/internal/state"
)

// JobResult describes the outcome of one processing attempt. Claimed is false
// when another worker took the job first; nothing ran in that case.
type JobResult struct {
	JobID       int64           `json:"job_id"`
	Claimed     bool            `json:"claimed"`
	Type        string          `json:"type"`
	Err         error           `json:"-"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      state.JobStatus `json:"status"`
	RanAt       time.Time       `json:"ran_at"`
	Duration    time.Duration   `json:"duration"`
	NextRun     *time.Time      `json:"next_run,omitempty"`
}

// Succeeded reports whether the attempt completed the job.
func (r JobResult) Succeeded() bool {
	return r.Status == state.StatusCompleted
}
