package models

import (
	"time"
)

// Status enumerates the lifecycle states persisted for a remix job.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"

	// StatusNotFound is synthetic: it appears only in poll results for
	// ids the store no longer knows (swept or never existed). It is
	// never written to a row.
	StatusNotFound Status = "not_found"
)

// Job is one admission-controlled remix request: copy the tree of
// SourceRepo onto TargetRepo. The queue never interprets the repo refs.
type Job struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	SourceRepo string     `json:"source_repo"`
	TargetRepo string     `json:"target_repo"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// validTransitions encodes the legal status moves. waiting -> done/error
// is storage-legal (best-effort terminal marks are accepted) but the
// controller logs it as an anomaly.
var validTransitions = map[Status][]Status{
	StatusWaiting: {StatusRunning, StatusDone, StatusError},
	StatusRunning: {StatusDone, StatusError},
	StatusDone:    {},
	StatusError:   {},
}

// IsValidTransition reports whether from -> to is a legal status move.
func IsValidTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status can never change again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// PollResult is the answer to a single poll: the job's current status,
// its 1-based FIFO position while waiting, and whether the caller now
// holds the running slot and should start executing.
type PollResult struct {
	Status   Status `json:"status"`
	Position int    `json:"position"`
	CanStart bool   `json:"can_start"`
}
