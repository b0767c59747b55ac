package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// VersionedRecord is the envelope the versioned-record chaincode returns for
// reads: the stored document plus the version tag used for conflict checks.
// Version 0 means the key does not exist yet.
type VersionedRecord struct {
	Key     string          `json:"key"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// UpdateFunc produces the new document from the current one. current is nil
// for absent records. Returning an error aborts the update without retrying.
type UpdateFunc func(current json.RawMessage) (json.RawMessage, error)

// transactor is the slice of Executor the resolver needs; tests substitute
// scripted implementations.
type transactor interface {
	Execute(ctx context.Context, req Request) ([]byte, error)
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithMaxRetries bounds how many read-apply-write cycles are attempted.
func WithMaxRetries(n int) ResolverOption {
	return func(r *Resolver) { r.maxRetries = n }
}

// WithRetryDelay sets the linear backoff unit between conflicting attempts.
func WithRetryDelay(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.retryDelay = d }
}

// WithSleepFunc overrides the sleep used between attempts (tests only).
func WithSleepFunc(fn func(time.Duration)) ResolverOption {
	return func(r *Resolver) { r.sleep = fn }
}

// Resolver wraps a read-modify-write sequence against a versioned record and
// retries the whole cycle from a fresh read whenever the ledger reports a
// write conflict. It serializes nothing: concurrent writers still race, the
// ledger's commit order decides, and the loser simply re-reads and reapplies.
type Resolver struct {
	exec       transactor
	readFn     string
	writeFn    string
	maxRetries int
	retryDelay time.Duration
	sleep      func(time.Duration)
	logger     zerolog.Logger
}

// NewResolver creates a resolver that reads via readFn(key) and writes via
// writeFn(key, data, expectedVersion) on the records chaincode.
func NewResolver(exec transactor, readFn, writeFn string, logger zerolog.Logger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		exec:       exec,
		readFn:     readFn,
		writeFn:    writeFn,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
		sleep:      time.Sleep,
		logger:     logger.With().Str("component", "concurrency_resolver").Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// UpdateWithRetry reads key's current record, applies update, and submits the
// result conditioned on the version being unchanged. On CONCURRENCY_CONFLICT
// the full cycle restarts from a fresh read, sleeping retryDelay × attempt in
// between, up to maxRetries attempts; the final conflict is surfaced to the
// caller. Any other failure aborts immediately.
func (r *Resolver) UpdateWithRetry(ctx context.Context, identity, key string, update UpdateFunc) (*VersionedRecord, error) {
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		raw, err := r.exec.Execute(ctx, Request{
			Kind:     KindQuery,
			Function: r.readFn,
			Args:     []string{key},
			Identity: identity,
		})
		if err != nil {
			return nil, err
		}

		var current VersionedRecord
		if err := json.Unmarshal(raw, &current); err != nil {
			return nil, fmt.Errorf("decode record %q: %w", key, err)
		}
		if string(current.Data) == "null" {
			// A JSON null document means the record is absent; the update
			// func contract wants nil for that case.
			current.Data = nil
		}

		next, err := update(current.Data)
		if err != nil {
			return nil, fmt.Errorf("apply update to %q: %w", key, err)
		}

		_, err = r.exec.Execute(ctx, Request{
			Kind:     KindSubmit,
			Function: r.writeFn,
			Args:     []string{key, string(next), strconv.FormatInt(current.Version, 10)},
			Identity: identity,
		})
		if err == nil {
			return &VersionedRecord{Key: key, Version: current.Version + 1, Data: next}, nil
		}
		if ClassOf(err) != ClassConcurrencyConflict {
			return nil, err
		}

		lastErr = err
		r.logger.Debug().
			Str("key", key).
			Int("attempt", attempt).
			Msg("write conflict, retrying from fresh read")

		if attempt < r.maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			r.sleep(r.retryDelay * time.Duration(attempt))
		}
	}

	return nil, fmt.Errorf("update %q exhausted %d attempts: %w", key, r.maxRetries, lastErr)
}
