// Package queue implements the persistent retry queue for ledger
// transactions. Jobs survive restarts, are retried with exponential backoff
// when they fail transiently, and are requeued if the worker holding them
// stops heartbeating.
package queue

import (
	"time"
)

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStalled   = "stalled"
)

// Job is one ledger transaction awaiting execution. Attempts counts started
// executions, so a job picked up for the first time has Attempts == 1.
type Job struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Function    string            `json:"function"`
	Args        []string          `json:"args"`
	Identity    string            `json:"identity"`
	Transient   map[string][]byte `json:"transient,omitempty"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	BackoffBase time.Duration     `json:"backoff_base_ns"`
	Status      string            `json:"status"`
	Progress    int               `json:"progress"`
	Result      []byte            `json:"result,omitempty"`
	FailedReason string           `json:"failed_reason,omitempty"`
	RunAt       time.Time         `json:"run_at"`
	HeartbeatAt time.Time         `json:"heartbeat_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Backoff returns the delay before the next attempt after attempt failures:
// base, 2*base, 4*base and so on.
func (j *Job) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return j.BackoffBase << (attempt - 1)
}

// Terminal reports whether the job will never run again.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Stats is a point-in-time census of the queue. When the store cannot be
// reached the counters are zero and Error carries the reason, so the stats
// endpoint degrades instead of failing.
type Stats struct {
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Delayed   int64  `json:"delayed"`
	Total     int64  `json:"total"`
	Error     string `json:"error,omitempty"`
}
