// Package redisq implements the notification job queue on Redis.
//
// Layout under the configured prefix:
//
//	{p}:seq       INCR counter, FIFO tiebreak within a priority
//	{p}:data      HASH  job id -> job JSON
//	{p}:ready     ZSET  job id scored by priority (major) and seq (minor)
//	{p}:delayed   ZSET  job id scored by the unix time it becomes ready
//	{p}:active    ZSET  job id scored by the unix time its claim expires
//	{p}:completed LIST  most recent outcomes, trimmed to retention
//	{p}:failed    LIST  most recent terminal failures, trimmed to retention
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iwent-com-tr/bilet-push/internal/domain/job"
)

var _ job.Queue = (*Queue)(nil)

type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	// ClaimTimeout bounds how long a worker may hold a claim before the
	// job is considered stalled and handed to another worker.
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
}

const defaultClaimTimeout = 5 * time.Minute

type Queue struct {
	rdb      *redis.Client
	prefix   string
	claimTTL time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func New(cfg Config, l *zap.Logger) *Queue {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "push:jobs"
	}

	claimTTL := cfg.ClaimTimeout
	if claimTTL <= 0 {
		claimTTL = defaultClaimTimeout
	}

	q := &Queue{
		rdb:      rdb,
		prefix:   prefix,
		claimTTL: claimTTL,
		log:      l.With(zap.String("component", "redisq")),
		now:      time.Now,
	}

	// A dead Redis degrades queuing, it must not kill the process.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		q.log.Warn("redis unreachable, queue degraded", zap.String("addr", cfg.Addr), zap.Error(err))
	}

	return q
}

func (q *Queue) WithLogger(l *zap.Logger) *Queue {
	if l == nil {
		return q
	}
	cp := *q
	cp.log = l.With(zap.String("component", "redisq"))
	return &cp
}

func (q *Queue) key(suffix string) string { return q.prefix + ":" + suffix }

// readyScore orders the ready set priority-first, FIFO within a priority.
// The seq component stays well below float64's integer precision.
func readyScore(priority int, seq int64) float64 {
	return float64(priority)*1e12 + float64(seq)
}

func (q *Queue) EnqueueEventUpdate(ctx context.Context, ev job.EventUpdate) (*job.Job, error) {
	j := &job.Job{
		Kind:       job.KindEventUpdate,
		EventID:    ev.EventID,
		ChangeType: ev.ChangeType,
		Changes:    ev.Changes,
		Priority:   job.PriorityFor(job.KindEventUpdate, ev.ChangeType),
		Timestamp:  ev.Timestamp,
	}
	return j, q.enqueue(ctx, j)
}

func (q *Queue) EnqueueNewEvent(ctx context.Context, ev job.NewEvent) (*job.Job, error) {
	j := &job.Job{
		Kind:      job.KindNewEvent,
		EventID:   ev.EventID,
		Priority:  job.PriorityFor(job.KindNewEvent, ""),
		Timestamp: ev.Timestamp,
	}
	return j, q.enqueue(ctx, j)
}

func (q *Queue) enqueue(ctx context.Context, j *job.Job) error {
	if j.EventID == "" {
		return fmt.Errorf("enqueue: event id is required")
	}

	seq, err := q.rdb.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return fmt.Errorf("enqueue seq: %w", err)
	}

	j.ID = uuid.NewString()
	j.Seq = seq
	j.EnqueuedAt = q.now().UTC()
	if j.Timestamp.IsZero() {
		j.Timestamp = j.EnqueuedAt
	}

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("enqueue marshal: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("data"), j.ID, data)
	pipe.ZAdd(ctx, q.key("ready"), redis.Z{Score: readyScore(j.Priority, seq), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	q.log.Debug("job enqueued",
		zap.String("job_id", j.ID),
		zap.String("kind", string(j.Kind)),
		zap.String("event_id", j.EventID),
		zap.Int("priority", j.Priority))
	return nil
}

// claimScript moves the best ready job into the active set in one atomic
// step, so a crash can never leave a job in neither set.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

func (q *Queue) Claim(ctx context.Context) (*job.Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	deadline := q.now().Add(q.claimTTL).Unix()
	id, err := claimScript.Run(ctx, q.rdb,
		[]string{q.key("ready"), q.key("active")}, deadline).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pop: %w", err)
	}

	raw, err := q.rdb.HGet(ctx, q.key("data"), id).Result()
	if err == redis.Nil {
		// Cancelled between pop and load; nothing to run.
		q.rdb.ZRem(ctx, q.key("active"), id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim load %s: %w", id, err)
	}

	var j job.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		// Unparseable entries would wedge the queue head; drop them.
		q.dropJob(ctx, id)
		q.log.Error("dropping corrupt job", zap.String("job_id", id), zap.Error(err))
		return nil, nil
	}

	j.Attempts++
	if err := q.saveJob(ctx, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (q *Queue) dropJob(ctx context.Context, id string) {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), id)
	pipe.HDel(ctx, q.key("data"), id)
	_, _ = pipe.Exec(ctx)
}

// promoteDue moves retry-scheduled jobs whose backoff elapsed back into the
// ready set at their original priority, and re-readies claims held past
// their deadline so a crashed worker cannot strand a job.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(q.now().Unix(), 10)
	if err := q.requeueDue(ctx, q.key("delayed"), now, ""); err != nil {
		return err
	}
	return q.requeueDue(ctx, q.key("active"), now, "reclaimed stalled job")
}

func (q *Queue) requeueDue(ctx context.Context, from, now, note string) error {
	due, err := q.rdb.ZRangeByScore(ctx, from, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("promote scan %s: %w", from, err)
	}

	for _, id := range due {
		raw, err := q.rdb.HGet(ctx, q.key("data"), id).Result()
		if err != nil {
			q.rdb.ZRem(ctx, from, id)
			continue
		}
		var j job.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			q.rdb.ZRem(ctx, from, id)
			q.rdb.HDel(ctx, q.key("data"), id)
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, from, id)
		pipe.ZAdd(ctx, q.key("ready"), redis.Z{Score: readyScore(j.Priority, j.Seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote %s: %w", id, err)
		}
		if note != "" {
			q.log.Warn(note, zap.String("job_id", id), zap.Int("attempts", j.Attempts))
		}
	}
	return nil
}

func (q *Queue) Complete(ctx context.Context, j *job.Job, sent, failed int) error {
	out := job.Outcome{
		JobID:       j.ID,
		Kind:        j.Kind,
		EventID:     j.EventID,
		Attempts:    j.Attempts,
		Sent:        sent,
		Failed:      failed,
		CompletedAt: q.now().UTC(),
	}
	return q.finish(ctx, j.ID, "completed", job.CompletedRetention, out)
}

func (q *Queue) Fail(ctx context.Context, j *job.Job, cause string) (bool, error) {
	j.LastError = cause

	if j.Attempts >= job.MaxAttempts {
		out := job.Outcome{
			JobID:       j.ID,
			Kind:        j.Kind,
			EventID:     j.EventID,
			Attempts:    j.Attempts,
			LastError:   cause,
			CompletedAt: q.now().UTC(),
		}
		if err := q.finish(ctx, j.ID, "failed", job.FailedRetention, out); err != nil {
			return true, err
		}
		q.log.Warn("job failed permanently",
			zap.String("job_id", j.ID),
			zap.Int("attempts", j.Attempts),
			zap.String("cause", cause))
		return true, nil
	}

	delay := job.RetryDelay(j.Attempts)
	if err := q.saveJob(ctx, j); err != nil {
		return false, err
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), j.ID)
	pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
		Score:  float64(q.now().Add(delay).Unix()),
		Member: j.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("fail reschedule: %w", err)
	}

	q.log.Info("job scheduled for retry",
		zap.String("job_id", j.ID),
		zap.Int("attempt", j.Attempts),
		zap.Duration("delay", delay),
		zap.String("cause", cause))
	return false, nil
}

func (q *Queue) finish(ctx context.Context, id, list string, retention int64, out job.Outcome) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("finish marshal: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), id)
	pipe.HDel(ctx, q.key("data"), id)
	pipe.LPush(ctx, q.key(list), data)
	pipe.LTrim(ctx, q.key(list), 0, retention-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish %s: %w", list, err)
	}
	return nil
}

func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	removed, err := q.rdb.ZRem(ctx, q.key("ready"), id).Result()
	if err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}
	if removed == 0 {
		removed, err = q.rdb.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return false, fmt.Errorf("cancel delayed: %w", err)
		}
	}
	if removed == 0 {
		// Already claimed or unknown; cancellation is best-effort.
		return false, nil
	}
	q.rdb.HDel(ctx, q.key("data"), id)
	return true, nil
}

func (q *Queue) Counts(ctx context.Context) (job.Counts, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.ZCard(ctx, q.key("ready"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.LLen(ctx, q.key("completed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return job.Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	return job.Counts{
		Waiting:   ready.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *Queue) Close() error { return q.rdb.Close() }

func (q *Queue) saveJob(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("save job marshal: %w", err)
	}
	if err := q.rdb.HSet(ctx, q.key("data"), j.ID, data).Err(); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}
