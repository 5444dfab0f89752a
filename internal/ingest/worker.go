package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chatdock/chatdock/internal/conversation"
	"github.com/chatdock/chatdock/internal/event"
	"github.com/chatdock/chatdock/internal/lock"
	"github.com/chatdock/chatdock/internal/notify"
	"github.com/chatdock/chatdock/internal/vault"
)

// ConnectionResolver maps an event's (provider, external channel id) to its
// channel connection. Looked up fresh on every job so rotated or deactivated
// credentials take effect immediately.
type ConnectionResolver interface {
	Resolve(ctx context.Context, provider event.Provider, externalChannelID string) (vault.Connection, error)
}

// EventProcessor routes one inbound event while the caller holds its key lock.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, conn vault.Connection, ev event.Event) (conversation.Result, error)
}

// busyPostpone is the requeue delay when another holder owns the key's lock.
const busyPostpone = 250 * time.Millisecond

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	JobTimeout   time.Duration
	LockTTL      time.Duration
}

// Pool runs ingest workers: each dequeues a job, takes the per-key lock,
// resolves the conversation and acks. Failures are classified as terminal or
// transient before going back to the queue.
type Pool struct {
	queue       Queue
	connections ConnectionResolver
	processor   EventProcessor
	locks       lock.Coordinator
	notifier    notify.Notifier
	cfg         PoolConfig
	logger      *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPool(log *slog.Logger, queue Queue, connections ConnectionResolver, processor EventProcessor, locks lock.Coordinator, notifier notify.Notifier, cfg PoolConfig) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.JobTimeout
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Pool{
		queue:       queue,
		connections: connections,
		processor:   processor,
		locks:       locks,
		notifier:    notifier,
		cfg:         cfg,
		logger:      log.With(slog.String("service", "ingest")),
	}
}

// Start launches the workers. They run until Stop or ctx cancellation.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	p.logger.Info("ingest workers started", slog.Int("workers", p.cfg.Workers))
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("ingest workers stopped")
}

func (p *Pool) run(ctx context.Context) {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue", slog.Any("error", err))
		}
		if job != nil {
			p.process(ctx, job)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pool) process(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	res, err := p.handle(jobCtx, job)
	if err != nil {
		p.settleFailure(ctx, job, err)
		return
	}

	if err := p.queue.Ack(ctx, job.ID); err != nil {
		p.logger.Error("ack job", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return
	}

	if res.Conversation != nil {
		kind := notify.KindMessageReceived
		if res.Created {
			kind = notify.KindConversationOpened
		}
		conv := res.Conversation
		go p.notifier.Notify(context.WithoutCancel(ctx), conv.TenantID, conv.ID, kind)
	}
}

func (p *Pool) handle(ctx context.Context, job *Job) (conversation.Result, error) {
	conn, err := p.connections.Resolve(ctx, job.Event.Provider, job.Event.ExternalChannelID)
	if err != nil {
		return conversation.Result{}, err
	}

	token, err := p.locks.Acquire(ctx, job.Key, p.cfg.LockTTL)
	if err != nil {
		return conversation.Result{}, err
	}
	defer func() {
		if rerr := p.locks.Release(ctx, job.Key, token); rerr != nil && !errors.Is(rerr, lock.ErrNotHeld) {
			p.logger.Warn("release job lock", slog.String("key", job.Key), slog.Any("error", rerr))
		}
	}()

	return p.processor.ProcessEvent(ctx, conn, job.Event)
}

// settleFailure maps an error to its queue outcome: lock contention postpones
// without charging an attempt, terminal errors dead-letter immediately,
// everything else retries with backoff.
func (p *Pool) settleFailure(ctx context.Context, job *Job, cause error) {
	if errors.Is(cause, lock.ErrBusy) {
		if err := p.queue.Postpone(ctx, job.ID, busyPostpone); err != nil {
			p.logger.Error("postpone job", slog.Int64("job_id", job.ID), slog.Any("error", err))
		}
		return
	}

	terminal := errors.Is(cause, event.ErrMalformedPayload) || errors.Is(cause, vault.ErrNotFound)
	p.logger.Warn("job attempt failed",
		slog.Int64("job_id", job.ID),
		slog.String("job_key", job.Key),
		slog.Int("attempt", job.Attempt),
		slog.Bool("terminal", terminal),
		slog.Any("error", cause))
	if err := p.queue.Fail(ctx, job, cause.Error(), terminal); err != nil {
		p.logger.Error("settle failed job", slog.Int64("job_id", job.ID), slog.Any("error", err))
	}
}
