package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for unknown job IDs.
var ErrNotFound = errors.New("job not found")

// Store is the persistence interface for queued jobs. All transitions are
// atomic with respect to concurrent workers: Acquire hands each due job to
// exactly one caller.
type Store interface {
	// Create persists a new job in the queued state.
	Create(ctx context.Context, job *Job) error

	// Get returns the job by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Acquire claims the oldest queued job whose RunAt is not after now,
	// marks it active, bumps Attempts, and returns it. It returns
	// (nil, nil) when nothing is due.
	Acquire(ctx context.Context, now time.Time) (*Job, error)

	// MarkCompleted finishes the job successfully with its result payload.
	MarkCompleted(ctx context.Context, id string, attempts int, result []byte) error

	// MarkFailed finishes the job permanently with a reason.
	MarkFailed(ctx context.Context, id string, attempts int, reason string) error

	// Reschedule puts a transiently failed job back in the queued state
	// with a future RunAt.
	Reschedule(ctx context.Context, id string, attempts int, runAt time.Time, reason string) error

	// Heartbeat records liveness for an active job.
	Heartbeat(ctx context.Context, id string, at time.Time) error

	// RequeueStalled returns active jobs whose heartbeat is older than
	// cutoff to the queued state and reports how many were requeued.
	RequeueStalled(ctx context.Context, cutoff time.Time) (int, error)

	// PruneCompleted deletes completed jobs finished before cutoff.
	// Failed jobs are never pruned.
	PruneCompleted(ctx context.Context, cutoff time.Time) (int, error)

	// ClearFailed deletes all failed jobs and reports how many.
	ClearFailed(ctx context.Context) (int, error)

	// Stats counts jobs per state.
	Stats(ctx context.Context) (Stats, error)
}
