// Package ingest implements the durable per-key FIFO pipeline between webhook
// acceptance and conversation resolution. Jobs for one (customer, channel)
// key are processed strictly in enqueue order; jobs for different keys run
// concurrently.
package ingest

import (
	"time"

	"github.com/chatdock/chatdock/internal/event"
)

// JobStatus is the queue state of one ingest job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	// StatusDead marks a job that exhausted its attempts or hit a terminal
	// error. Dead jobs stay queryable and can be requeued by an operator.
	StatusDead JobStatus = "dead"
)

// Job is one enqueued inbound event plus its delivery bookkeeping.
type Job struct {
	ID            int64       `json:"id"`
	Key           string      `json:"key"`
	Event         event.Event `json:"event"`
	Status        JobStatus   `json:"status"`
	Attempt       int         `json:"attempt"`
	MaxAttempts   int         `json:"max_attempts"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	LastError     string      `json:"last_error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}
