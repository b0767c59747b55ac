package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists jobs in the ledger_jobs table so the queue survives
// restarts. Acquisition uses FOR UPDATE SKIP LOCKED, so multiple gateway
// instances can share one table without double-executing a job.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const jobCols = `id, kind, function, args, identity, transient, attempts, max_attempts,
	backoff_base_ms, status, progress, result, failed_reason,
	run_at, heartbeat_at, created_at, updated_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	transient, err := marshalTransient(job.Transient)
	if err != nil {
		return fmt.Errorf("job create: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ledger_jobs (
			id, kind, function, args, identity, transient, attempts, max_attempts,
			backoff_base_ms, status, progress, result, failed_reason,
			run_at, heartbeat_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		job.ID, job.Kind, job.Function, job.Args, job.Identity, transient,
		job.Attempts, job.MaxAttempts, job.BackoffBase.Milliseconds(),
		job.Status, job.Progress, job.Result, job.FailedReason,
		job.RunAt, job.HeartbeatAt, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM ledger_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) Acquire(ctx context.Context, now time.Time) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM ledger_jobs
			WHERE status = 'queued' AND run_at <= $1
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE ledger_jobs j
		SET status = 'active', attempts = j.attempts + 1, heartbeat_at = $1, updated_at = $1
		FROM next
		WHERE j.id = next.id
		RETURNING `+qualifiedJobCols, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, attempts int, result []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ledger_jobs
		SET status = 'completed', attempts = $2, progress = 100, result = $3,
			updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status = 'active'`, id, attempts, result)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, attempts int, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ledger_jobs
		SET status = 'failed', attempts = $2, failed_reason = $3,
			updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status = 'active'`, id, attempts, reason)
	return err
}

func (s *PostgresStore) Reschedule(ctx context.Context, id string, attempts int, runAt time.Time, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ledger_jobs
		SET status = 'queued', attempts = $2, run_at = $3, failed_reason = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'active'`, id, attempts, runAt, reason)
	return err
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE ledger_jobs SET heartbeat_at = $2 WHERE id = $1`, id, at)
	return err
}

func (s *PostgresStore) RequeueStalled(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_jobs
		SET status = 'queued', run_at = NOW(), updated_at = NOW()
		WHERE status = 'active' AND heartbeat_at < $1`, cutoff)
	return int(tag.RowsAffected()), err
}

func (s *PostgresStore) PruneCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM ledger_jobs WHERE status = 'completed' AND completed_at < $1`, cutoff)
	return int(tag.RowsAffected()), err
}

func (s *PostgresStore) ClearFailed(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ledger_jobs WHERE status = 'failed'`)
	return int(tag.RowsAffected()), err
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued' AND run_at <= NOW()),
			COUNT(*) FILTER (WHERE status = 'queued' AND run_at > NOW()),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*)
		FROM ledger_jobs`).Scan(
		&st.Waiting, &st.Delayed, &st.Active, &st.Completed, &st.Failed, &st.Total)
	return st, err
}

// qualifiedJobCols prefixes every column with the updated table's alias for
// the RETURNING clause in Acquire.
const qualifiedJobCols = `j.id, j.kind, j.function, j.args, j.identity, j.transient,
	j.attempts, j.max_attempts, j.backoff_base_ms, j.status, j.progress, j.result,
	j.failed_reason, j.run_at, j.heartbeat_at, j.created_at, j.updated_at, j.completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j           Job
		transient   []byte
		backoffMS   int64
		completedAt *time.Time
	)
	err := row.Scan(
		&j.ID, &j.Kind, &j.Function, &j.Args, &j.Identity, &transient,
		&j.Attempts, &j.MaxAttempts, &backoffMS, &j.Status, &j.Progress, &j.Result,
		&j.FailedReason, &j.RunAt, &j.HeartbeatAt, &j.CreatedAt, &j.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	j.BackoffBase = time.Duration(backoffMS) * time.Millisecond
	j.CompletedAt = completedAt
	if len(transient) > 0 {
		if err := json.Unmarshal(transient, &j.Transient); err != nil {
			return nil, fmt.Errorf("job %s: decode transient: %w", j.ID, err)
		}
	}
	return &j, nil
}

func marshalTransient(m map[string][]byte) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
