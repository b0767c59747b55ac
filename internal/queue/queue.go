package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/ledger"
)

// Executor runs one ledger transaction. Satisfied by ledger.Executor.
type Executor interface {
	Execute(ctx context.Context, req ledger.Request) ([]byte, error)
}

// Options tunes the worker pool. Zero values fall back to the defaults.
type Options struct {
	Workers           int
	MaxAttempts       int
	BackoffBase       time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StallAfter        time.Duration
	Retention         time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.StallAfter <= 0 {
		o.StallAfter = 30 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	return o
}

// Queue owns the worker pool draining the job store. Transiently failed jobs
// go back to the store with an exponential delay; everything else fails
// permanently on the first attempt.
type Queue struct {
	store  Store
	exec   Executor
	opts   Options
	logger zerolog.Logger

	wg sync.WaitGroup
}

// New creates a queue over the given store and executor.
func New(store Store, exec Executor, logger zerolog.Logger, opts Options) *Queue {
	return &Queue{
		store:  store,
		exec:   exec,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "tx_queue").Logger(),
	}
}

// Start launches the workers and the janitor. They run until ctx is
// cancelled; Wait blocks until all of them have drained.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.wg.Add(1)
	go q.janitor(ctx)
	q.logger.Info().Int("workers", q.opts.Workers).Msg("queue started")
}

// Wait blocks until every worker has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Enqueue persists req as a queued job and returns it. The job runs as soon
// as a worker picks it up.
func (q *Queue) Enqueue(ctx context.Context, req ledger.Request) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:          uuid.New().String(),
		Kind:        string(req.Kind),
		Function:    req.Function,
		Args:        req.Args,
		Identity:    req.Identity,
		Transient:   req.Transient,
		MaxAttempts: q.opts.MaxAttempts,
		BackoffBase: q.opts.BackoffBase,
		Status:      StatusQueued,
		RunAt:       now,
		HeartbeatAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.Create(ctx, job); err != nil {
		return nil, err
	}
	q.logger.Info().
		Str("job_id", job.ID).
		Str("function", job.Function).
		Str("identity", job.Identity).
		Msg("job enqueued")
	return job, nil
}

// Status returns the job by ID, or ErrNotFound.
func (q *Queue) Status(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// Stats reports queue counters. A store failure yields zeroed counters with
// the error attached instead of propagating, so monitoring endpoints stay up.
func (q *Queue) Stats(ctx context.Context) Stats {
	st, err := q.store.Stats(ctx)
	if err != nil {
		q.logger.Warn().Err(err).Msg("queue stats unavailable")
		return Stats{Error: err.Error()}
	}
	return st
}

// ClearFailed deletes all permanently failed jobs.
func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	return q.store.ClearFailed(ctx)
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	logger := q.logger.With().Int("worker", id).Logger()

	for {
		job, err := q.store.Acquire(ctx, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("acquire failed")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.opts.PollInterval):
			}
			continue
		}
		q.run(ctx, logger, job)
	}
}

func (q *Queue) run(ctx context.Context, logger zerolog.Logger, job *Job) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go q.heartbeat(hbCtx, job.ID)

	payload, err := q.exec.Execute(ctx, ledger.Request{
		Kind:      ledger.Kind(job.Kind),
		Function:  job.Function,
		Args:      job.Args,
		Identity:  job.Identity,
		Transient: job.Transient,
	})
	stopHeartbeat()

	if err == nil {
		if serr := q.store.MarkCompleted(ctx, job.ID, job.Attempts, payload); serr != nil {
			logger.Error().Err(serr).Str("job_id", job.ID).Msg("mark completed failed")
			return
		}
		logger.Info().
			Str("job_id", job.ID).
			Int("attempts", job.Attempts).
			Msg("job completed")
		return
	}

	class := ledger.ClassOf(err)
	if class.Transient() && job.Attempts < job.MaxAttempts {
		delay := job.Backoff(job.Attempts)
		runAt := time.Now().Add(delay)
		if serr := q.store.Reschedule(ctx, job.ID, job.Attempts, runAt, err.Error()); serr != nil {
			logger.Error().Err(serr).Str("job_id", job.ID).Msg("reschedule failed")
			return
		}
		logger.Warn().
			Str("job_id", job.ID).
			Str("class", string(class)).
			Int("attempt", job.Attempts).
			Dur("delay", delay).
			Msg("job failed transiently, rescheduled")
		return
	}

	if serr := q.store.MarkFailed(ctx, job.ID, job.Attempts, err.Error()); serr != nil {
		logger.Error().Err(serr).Str("job_id", job.ID).Msg("mark failed failed")
		return
	}
	logger.Error().
		Str("job_id", job.ID).
		Str("class", string(class)).
		Int("attempts", job.Attempts).
		Err(err).
		Msg("job failed permanently")
}

func (q *Queue) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(q.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := q.store.Heartbeat(ctx, jobID, now); err != nil && ctx.Err() == nil {
				q.logger.Warn().Err(err).Str("job_id", jobID).Msg("heartbeat failed")
			}
		}
	}
}

// janitor requeues stalled jobs and prunes old completed ones. Failed jobs
// are retained until an operator clears them.
func (q *Queue) janitor(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := q.store.RequeueStalled(ctx, now.Add(-q.opts.StallAfter)); err != nil {
				if ctx.Err() == nil {
					q.logger.Error().Err(err).Msg("requeue stalled failed")
				}
			} else if n > 0 {
				q.logger.Warn().Int("count", n).Msg("requeued stalled jobs")
			}
			if n, err := q.store.PruneCompleted(ctx, now.Add(-q.opts.Retention)); err != nil {
				if ctx.Err() == nil {
					q.logger.Error().Err(err).Msg("prune completed failed")
				}
			} else if n > 0 {
				q.logger.Debug().Int("count", n).Msg("pruned completed jobs")
			}
		}
	}
}
