// Package push_worker runs the notification pipeline: a polling worker pool
// draining the job queue, plus a kafka controller feeding it.
package push_worker

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/iwent-com-tr/bilet-push/internal/domain/job"
	"github.com/iwent-com-tr/bilet-push/internal/metrics"
	"github.com/iwent-com-tr/bilet-push/internal/obs"
)

const defaultPoll = time.Second

var (
	mClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_jobs_claimed_total", Help: "Jobs claimed from the queue",
	})
	mCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_jobs_completed_total", Help: "Jobs finished successfully",
	})
	mRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_jobs_retried_total", Help: "Jobs rescheduled after a failure",
	})
	mDead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_jobs_dead_total", Help: "Jobs moved to the failed history",
	})
	mErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_worker_errors_total", Help: "Errors in the worker loop",
	})
	mDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "push_job_duration_seconds", Help: "Job processing duration",
		Buckets: prometheus.DefBuckets,
	})
)

type Runner struct {
	Log       *zap.Logger
	Queue     job.Queue
	Handler   *Handler
	Collector *metrics.Collector

	// Workers is how many jobs may be processed at once; delivery fan-out
	// inside one job has its own limit.
	Workers int
	Poll    time.Duration
}

func NewRunner(log *zap.Logger, queue job.Queue, h *Handler, collector *metrics.Collector, workers int, poll time.Duration) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Runner{
		Log:       log.With(zap.String("component", "push-worker")),
		Queue:     queue,
		Handler:   h,
		Collector: collector,
		Workers:   workers,
		Poll:      poll,
	}
}

// Run blocks until ctx is canceled and every in-flight job has finished.
func (r *Runner) Run(ctx context.Context) error {
	r.Log.Info("worker pool started",
		zap.Int("workers", r.Workers),
		zap.Duration("poll", r.Poll))

	var wg sync.WaitGroup
	for i := 0; i < r.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.loop(ctx, id)
		}(i)
	}
	wg.Wait()

	r.Log.Info("worker pool drained")
	return ctx.Err()
}

func (r *Runner) loop(ctx context.Context, id int) {
	log := r.Log.With(zap.Int("worker", id))
	ticker := time.NewTicker(r.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		j, err := r.Queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			mErrors.Inc()
			log.Warn("claim failed", zap.Error(err))
		}
		if j == nil {
			if r.Collector != nil {
				r.Collector.WorkerHeartbeat()
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		mClaimed.Inc()
		r.process(ctx, log, j)
	}
}

func (r *Runner) process(ctx context.Context, log *zap.Logger, j *job.Job) {
	ctx, span := otel.Tracer("push-worker").Start(ctx, "job.process")
	span.SetAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.kind", string(j.Kind)),
		attribute.String("event.id", j.EventID),
	)
	defer span.End()
	log = obs.WithTrace(ctx, log)

	start := time.Now()
	sent, failed, err := r.Handler.Process(ctx, j)
	mDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		mErrors.Inc()
		log.Warn("job failed",
			zap.String("job_id", j.ID),
			zap.String("event_id", j.EventID),
			zap.Int("attempt", j.Attempts),
			zap.Error(err))

		final, ferr := r.Queue.Fail(ctx, j, err.Error())
		if ferr != nil {
			mErrors.Inc()
			log.Error("recording failure failed", zap.String("job_id", j.ID), zap.Error(ferr))
			return
		}
		if final {
			mDead.Inc()
			log.Error("job exhausted retries",
				zap.String("job_id", j.ID),
				zap.String("event_id", j.EventID),
				zap.Int("attempts", j.Attempts))
		} else {
			mRetried.Inc()
		}
		return
	}

	if cerr := r.Queue.Complete(ctx, j, sent, failed); cerr != nil {
		mErrors.Inc()
		log.Error("recording completion failed", zap.String("job_id", j.ID), zap.Error(cerr))
		return
	}
	mCompleted.Inc()
	log.Info("job done",
		zap.String("job_id", j.ID),
		zap.String("event_id", j.EventID),
		zap.String("kind", string(j.Kind)),
		zap.Int("sent", sent),
		zap.Int("failed", failed),
		zap.Duration("took", time.Since(start)))
}
