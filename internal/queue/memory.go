package queue

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a thread-safe, in-memory Store. It backs tests and
// single-node deployments that can tolerate losing the queue on restart.
type InMemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	// ordered IDs for FIFO acquisition
	order []string
}

// NewInMemoryStore creates a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{jobs: make(map[string]*Job)}
}

func (s *InMemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	s.order = append(s.order, job.ID)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *InMemoryStore) Acquire(_ context.Context, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		job := s.jobs[id]
		if job == nil || job.Status != StatusQueued || job.RunAt.After(now) {
			continue
		}
		job.Status = StatusActive
		job.Attempts++
		job.HeartbeatAt = now
		job.UpdatedAt = now
		cp := *job
		return &cp, nil
	}
	return nil, nil
}

func (s *InMemoryStore) MarkCompleted(_ context.Context, id string, attempts int, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusActive {
		// A stalled worker coming back after the janitor requeued its job
		// must not clobber the outcome the replacement worker recorded.
		return nil
	}
	now := time.Now()
	job.Status = StatusCompleted
	job.Attempts = attempts
	job.Progress = 100
	job.Result = result
	job.UpdatedAt = now
	job.CompletedAt = &now
	return nil
}

func (s *InMemoryStore) MarkFailed(_ context.Context, id string, attempts int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusActive {
		return nil
	}
	now := time.Now()
	job.Status = StatusFailed
	job.Attempts = attempts
	job.FailedReason = reason
	job.UpdatedAt = now
	job.CompletedAt = &now
	return nil
}

func (s *InMemoryStore) Reschedule(_ context.Context, id string, attempts int, runAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusActive {
		return nil
	}
	job.Status = StatusQueued
	job.Attempts = attempts
	job.FailedReason = reason
	job.RunAt = runAt
	job.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) Heartbeat(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.HeartbeatAt = at
	return nil
}

func (s *InMemoryStore) RequeueStalled(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.Status == StatusActive && job.HeartbeatAt.Before(cutoff) {
			job.Status = StatusQueued
			job.RunAt = time.Now()
			job.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) PruneCompleted(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if job.Status == StatusCompleted && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			s.dropOrderLocked(id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ClearFailed(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if job.Status == StatusFailed {
			delete(s.jobs, id)
			s.dropOrderLocked(id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	now := time.Now()
	for _, job := range s.jobs {
		switch job.Status {
		case StatusQueued:
			if job.RunAt.After(now) {
				st.Delayed++
			} else {
				st.Waiting++
			}
		case StatusActive:
			st.Active++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
		st.Total++
	}
	return st, nil
}

func (s *InMemoryStore) dropOrderLocked(id string) {
	for i, jid := range s.order {
		if jid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
