package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatdock/chatdock/internal/event"
)

// ErrJobNotFound is returned when a job id does not exist in the expected
// state.
var ErrJobNotFound = errors.New("ingest: job not found")

// PgQueue is the Postgres-backed Queue. Claims are committed immediately, so
// the FIFO predicate in Dequeue only ever sees committed job states.
type PgQueue struct {
	pool        *pgxpool.Pool
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *slog.Logger
}

func NewPgQueue(log *slog.Logger, pool *pgxpool.Pool, maxAttempts int, backoffBase, backoffCap time.Duration) *PgQueue {
	if log == nil {
		log = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &PgQueue{
		pool:        pool,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		logger:      log.With(slog.String("service", "ingest-queue")),
	}
}

func (q *PgQueue) Enqueue(ctx context.Context, ev event.Event) (int64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	var id int64
	err = q.pool.QueryRow(ctx, `
		INSERT INTO ingest_jobs (job_key, payload, max_attempts)
		VALUES ($1, $2, $3)
		RETURNING id`,
		ev.JobKey(), payload, q.maxAttempts).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

const jobColumns = `id, job_key, payload, status, attempt, max_attempts, next_attempt_at, COALESCE(last_error, ''), created_at`

// Dequeue claims the oldest ready job whose key has no older live job. The
// anti-join runs in the same statement as the claim, and SKIP LOCKED keeps two
// workers from fighting over one row.
func (q *PgQueue) Dequeue(ctx context.Context) (*Job, error) {
	row := q.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT j.id
			FROM ingest_jobs j
			WHERE j.status = 'pending'
			  AND j.next_attempt_at <= NOW()
			  AND NOT EXISTS (
				SELECT 1 FROM ingest_jobs p
				WHERE p.job_key = j.job_key
				  AND p.id < j.id
				  AND p.status IN ('pending', 'processing')
			  )
			ORDER BY j.id
			LIMIT 1
			FOR UPDATE OF j SKIP LOCKED
		)
		UPDATE ingest_jobs
		SET status = 'processing', attempt = attempt + 1, locked_at = NOW(), updated_at = NOW()
		FROM next
		WHERE ingest_jobs.id = next.id
		RETURNING `+jobColumns)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return job, nil
}

func (q *PgQueue) Ack(ctx context.Context, id int64) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE ingest_jobs
		SET status = 'done', locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *PgQueue) Fail(ctx context.Context, job *Job, cause string, terminal bool) error {
	if terminal || job.Attempt >= job.MaxAttempts {
		tag, err := q.pool.Exec(ctx, `
			UPDATE ingest_jobs
			SET status = 'dead', locked_at = NULL, last_error = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'processing'`, job.ID, cause)
		if err != nil {
			return fmt.Errorf("dead-letter job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrJobNotFound
		}
		q.logger.Warn("job dead-lettered",
			slog.Int64("job_id", job.ID),
			slog.String("job_key", job.Key),
			slog.Int("attempt", job.Attempt),
			slog.Bool("terminal", terminal),
			slog.String("cause", cause))
		return nil
	}

	delay := Backoff(q.backoffBase, q.backoffCap, job.Attempt)
	tag, err := q.pool.Exec(ctx, `
		UPDATE ingest_jobs
		SET status = 'pending', locked_at = NULL, last_error = $2,
		    next_attempt_at = NOW() + $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, job.ID, cause, delay)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *PgQueue) Postpone(ctx context.Context, id int64, delay time.Duration) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE ingest_jobs
		SET status = 'pending', locked_at = NULL, attempt = GREATEST(attempt - 1, 0),
		    next_attempt_at = NOW() + $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id, delay)
	if err != nil {
		return fmt.Errorf("postpone job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *PgQueue) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE ingest_jobs
		SET status = 'pending', locked_at = NULL, next_attempt_at = NOW(), updated_at = NOW()
		WHERE status = 'processing' AND locked_at < $1`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("requeue stuck jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *PgQueue) ListDead(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM ingest_jobs
		WHERE status = 'dead'
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (q *PgQueue) RequeueDead(ctx context.Context, id int64) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE ingest_jobs
		SET status = 'pending', attempt = 0, last_error = NULL,
		    next_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'dead'`, id)
	if err != nil {
		return fmt.Errorf("requeue dead job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		job     Job
		payload []byte
		status  string
	)
	err := row.Scan(
		&job.ID,
		&job.Key,
		&payload,
		&status,
		&job.Attempt,
		&job.MaxAttempts,
		&job.NextAttemptAt,
		&job.LastError,
		&job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &job.Event); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	job.Status = JobStatus(status)
	return &job, nil
}
