package state

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusRetrying   JobStatus = "retrying"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsValid reports whether s is one of the known statuses.
func (s JobStatus) IsValid() bool {
	for _, status := range AllStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition happens without an explicit retry.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var AllStatuses = []JobStatus{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusRetrying,
}

// PickupStatuses are the statuses a worker may claim a job from.
var PickupStatuses = []JobStatus{
	StatusPending,
	StatusRetrying,
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

var ValidTransitions = []Transition{
	{From: StatusPending, To: StatusProcessing},
	{From: StatusRetrying, To: StatusProcessing},
	{From: StatusProcessing, To: StatusCompleted},
	{From: StatusProcessing, To: StatusRetrying},
	{From: StatusProcessing, To: StatusFailed},
	// manual retry of an exhausted job
	{From: StatusFailed, To: StatusPending},
}

func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
