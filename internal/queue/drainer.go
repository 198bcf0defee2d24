package queue

import (
	"context"
	"log/slog"
	"time"
)

// maxReplayAttempts caps how often one job is retried before it is dropped.
const maxReplayAttempts = 3

// Replayer executes one parked job against the live provider stack.
type Replayer func(ctx context.Context, job *Job) error

// Drainer replays parked jobs in the background once capacity frees up.
type Drainer struct {
	queue    *Queue
	replay   Replayer
	interval time.Duration
	log      *slog.Logger
}

// NewDrainer builds a drainer. interval is the pause between empty polls;
// it defaults to 5s.
func NewDrainer(q *Queue, replay Replayer, interval time.Duration, log *slog.Logger) *Drainer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Drainer{queue: q, replay: replay, interval: interval, log: log}
}

// Run drains the queue until ctx is cancelled. Jobs that keep failing after
// maxReplayAttempts are dropped with a warning rather than cycling forever.
func (d *Drainer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := d.queue.Pop(ctx, d.interval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Warn("drainer_pop_failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.interval):
			}
			continue
		}
		if job == nil {
			continue
		}
		d.runOne(ctx, job)
	}
}

func (d *Drainer) runOne(ctx context.Context, job *Job) {
	err := d.replay(ctx, job)
	if err == nil {
		d.log.Info("drainer_replayed",
			slog.String("job_id", job.ID),
			slog.String("model", job.Model),
			slog.Int("attempts", job.Attempts+1),
		)
		return
	}

	if job.Attempts+1 >= maxReplayAttempts {
		d.log.Warn("drainer_job_dropped",
			slog.String("job_id", job.ID),
			slog.String("model", job.Model),
			slog.String("error", err.Error()),
		)
		return
	}
	if rerr := d.queue.Requeue(ctx, job); rerr != nil {
		d.log.Warn("drainer_requeue_failed",
			slog.String("job_id", job.ID),
			slog.String("error", rerr.Error()),
		)
	}
}
