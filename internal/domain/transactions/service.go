// Package transactions exposes ledger transaction submission over HTTP: the
// synchronous path, the queued asynchronous path, and conflict-retried record
// updates.
package transactions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/ledger"
	"github.com/medledger/medledger/internal/queue"
)

// Executor runs a transaction synchronously. Satisfied by ledger.Executor.
type Executor interface {
	Execute(ctx context.Context, req ledger.Request) ([]byte, error)
}

// JobQueue is the asynchronous path. Satisfied by queue.Queue.
type JobQueue interface {
	Enqueue(ctx context.Context, req ledger.Request) (*queue.Job, error)
	Status(ctx context.Context, id string) (*queue.Job, error)
	Stats(ctx context.Context) queue.Stats
	ClearFailed(ctx context.Context) (int, error)
}

// RecordUpdater retries read-modify-write cycles on versioned records.
// Satisfied by ledger.Resolver.
type RecordUpdater interface {
	UpdateWithRetry(ctx context.Context, identity, key string, update ledger.UpdateFunc) (*ledger.VersionedRecord, error)
}

// Service ties the three execution paths together behind one API surface.
type Service struct {
	exec     Executor
	queue    JobQueue
	resolver RecordUpdater
	logger   zerolog.Logger
}

// NewService creates the transaction service.
func NewService(exec Executor, q JobQueue, resolver RecordUpdater, logger zerolog.Logger) *Service {
	return &Service{
		exec:     exec,
		queue:    q,
		resolver: resolver,
		logger:   logger.With().Str("component", "transactions").Logger(),
	}
}

// Execute runs the transaction synchronously and returns the chaincode
// payload.
func (s *Service) Execute(ctx context.Context, req ledger.Request) ([]byte, error) {
	return s.exec.Execute(ctx, req)
}

// ExecuteAsync queues the transaction and returns the job immediately.
func (s *Service) ExecuteAsync(ctx context.Context, req ledger.Request) (*queue.Job, error) {
	return s.queue.Enqueue(ctx, req)
}

// JobStatus returns the queued job by ID.
func (s *Service) JobStatus(ctx context.Context, id string) (*queue.Job, error) {
	return s.queue.Status(ctx, id)
}

// QueueStats returns queue counters; on store failure the counters are zero
// and the Error field explains why.
func (s *Service) QueueStats(ctx context.Context) queue.Stats {
	return s.queue.Stats(ctx)
}

// ClearFailed deletes all permanently failed jobs and reports the count.
func (s *Service) ClearFailed(ctx context.Context) (int, error) {
	return s.queue.ClearFailed(ctx)
}

// UpdateRecord shallow-merges patch into the record's current document under
// optimistic concurrency control. Top-level fields in patch overwrite the
// stored ones; a null removes the field.
func (s *Service) UpdateRecord(ctx context.Context, identity, key string, patch json.RawMessage) (*ledger.VersionedRecord, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, fmt.Errorf("%w: patch must be a JSON object", ledger.ErrInvalidRequest)
	}

	return s.resolver.UpdateWithRetry(ctx, identity, key, func(current json.RawMessage) (json.RawMessage, error) {
		doc := map[string]json.RawMessage{}
		if len(current) > 0 {
			if err := json.Unmarshal(current, &doc); err != nil {
				return nil, fmt.Errorf("stored record is not a JSON object: %w", err)
			}
			if doc == nil {
				// A literal null document counts as absent.
				doc = map[string]json.RawMessage{}
			}
		}
		for k, v := range fields {
			if string(v) == "null" {
				delete(doc, k)
				continue
			}
			doc[k] = v
		}
		return json.Marshal(doc)
	})
}
