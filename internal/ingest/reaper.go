package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper periodically returns jobs abandoned mid-processing to the queue.
// Without it a crashed worker would wedge its keys forever: the FIFO predicate
// treats a processing job as live and blocks everything behind it.
type Reaper struct {
	queue    Queue
	cron     *cron.Cron
	schedule string
	stuckAge time.Duration
	logger   *slog.Logger
}

func NewReaper(log *slog.Logger, queue Queue, schedule string, stuckAge time.Duration) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	if stuckAge <= 0 {
		stuckAge = 2 * time.Minute
	}
	return &Reaper{
		queue:    queue,
		cron:     cron.New(),
		schedule: schedule,
		stuckAge: stuckAge,
		logger:   log.With(slog.String("service", "ingest-reaper")),
	}
}

func (r *Reaper) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		n, err := r.queue.RequeueStuck(ctx, r.stuckAge)
		if err != nil {
			r.logger.Error("requeue stuck jobs", slog.Any("error", err))
			return
		}
		if n > 0 {
			r.logger.Warn("requeued stuck jobs", slog.Int("count", n))
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("reaper started", slog.String("schedule", r.schedule))
	return nil
}

func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}
