package ingest

import (
	"context"
	"time"

	"github.com/chatdock/chatdock/internal/event"
)

// Queue is the durable job store behind the ingest workers.
//
// Dequeue must uphold per-key FIFO: it may only hand out a job when no older
// job for the same key is still pending or processing, including jobs claimed
// by other workers in uncommitted transactions.
type Queue interface {
	// Enqueue appends an event under its ordering key and returns the job id.
	Enqueue(ctx context.Context, ev event.Event) (int64, error)
	// Dequeue claims the next eligible job, or returns (nil, nil) when none is
	// ready.
	Dequeue(ctx context.Context) (*Job, error)
	// Ack marks a claimed job done.
	Ack(ctx context.Context, id int64) error
	// Fail records a failed attempt: the job returns to pending with a backoff
	// delay, or moves to dead when terminal or out of attempts.
	Fail(ctx context.Context, job *Job, cause string, terminal bool) error
	// Postpone returns a claimed job to pending after delay without charging
	// an attempt. Used when the key's lock is busy.
	Postpone(ctx context.Context, id int64, delay time.Duration) error

	// RequeueStuck returns jobs stuck in processing longer than olderThan to
	// pending. It covers workers that died mid-job.
	RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error)
	// ListDead returns dead-lettered jobs, newest first.
	ListDead(ctx context.Context, limit int) ([]Job, error)
	// RequeueDead moves one dead job back to pending with a fresh attempt
	// budget.
	RequeueDead(ctx context.Context, id int64) error
}
