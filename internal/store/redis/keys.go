package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/types"
)

// keys builds every Redis key used by the store under a common prefix.
type keys struct {
	prefix string
}

// job returns the hash holding one job: {prefix}:job:{id}
func (k keys) job(id int64) string { return fmt.Sprintf("%s:job:%d", k.prefix, id) }

// seq is the counter handing out job ids.
func (k keys) seq() string { return k.prefix + ":jobs:seq" }

// all indexes every job id, scored by id.
func (k keys) all() string { return k.prefix + ":jobs" }

// status indexes the ids of one status, scored by id.
func (k keys) status(s state.JobStatus) string { return k.prefix + ":status:" + string(s) }

// ready holds claimable jobs in pickup order; see readyMember.
func (k keys) ready() string { return k.prefix + ":queue:ready" }

// delayed holds pending or retrying ids scored by scheduled_at in unix ms.
func (k keys) delayed() string { return k.prefix + ":queue:delayed" }

// started holds processing ids scored by started_at in unix ms.
func (k keys) started() string { return k.prefix + ":processing:started" }

// completed holds completed ids scored by completed_at in unix ms.
func (k keys) completed() string { return k.prefix + ":completed:at" }

// readyMember encodes created_at and id so that, within one priority score,
// lexical member order is created_at ASC, id ASC.
func readyMember(j *types.Job) string {
	return fmt.Sprintf("%020d:%020d", j.CreatedAt.UnixNano(), j.ID)
}

func readyMemberID(member string) (int64, error) {
	i := strings.LastIndexByte(member, ':')
	if i < 0 {
		return 0, fmt.Errorf("malformed ready member %q", member)
	}
	return strconv.ParseInt(member[i+1:], 10, 64)
}

// readyScore sorts higher priorities first.
func readyScore(priority int) float64 {
	return -float64(priority)
}

func msScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}
