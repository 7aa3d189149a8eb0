// Package metrics aggregates job outcomes and component health into the
// snapshots the dashboard and ops tooling read.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iwent-com-tr/bilet-push/internal/domain/job"
	"github.com/iwent-com-tr/bilet-push/internal/domain/subscription"
	"github.com/iwent-com-tr/bilet-push/internal/errtrack"
)

const (
	maxRecentJobs = 200

	workerDegradedAfter = 2 * time.Minute
	workerDownAfter     = 5 * time.Minute
)

type JobRecord struct {
	JobID          string        `json:"jobId"`
	EventID        string        `json:"eventId"`
	JobType        string        `json:"jobType"`
	ProcessingTime time.Duration `json:"processingTime"`
	TargetCount    int           `json:"targetCount"`
	SentCount      int           `json:"sentCount"`
	FailedCount    int           `json:"failedCount"`
	Timestamp      time.Time     `json:"timestamp"`
}

type Summary struct {
	RecentJobs             []JobRecord   `json:"recentJobs"`
	TotalJobs              int           `json:"totalJobs"`
	AverageProcessingTime  time.Duration `json:"averageProcessingTime"`
	AverageSuccessRate     float64       `json:"averageSuccessRate"`
	TotalNotificationsSent int           `json:"totalNotificationsSent"`
}

type ComponentStatus string

const (
	StatusHealthy  ComponentStatus = "healthy"
	StatusDegraded ComponentStatus = "degraded"
	StatusDown     ComponentStatus = "down"
)

type HealthMetrics struct {
	QueueBacklog          int64         `json:"queueBacklog"`
	ErrorRate             float64       `json:"errorRate"`
	AverageProcessingTime time.Duration `json:"averageProcessingTime"`
	SubscriptionCount     int64         `json:"subscriptionCount"`
}

type SystemHealth struct {
	Overall    ComponentStatus            `json:"overall"`
	Components map[string]ComponentStatus `json:"components"`
	Metrics    HealthMetrics              `json:"metrics"`
	Alerts     []errtrack.Alert           `json:"alerts"`
}

type Report struct {
	TotalNotificationsSent  int           `json:"totalNotificationsSent"`
	SuccessfulNotifications int           `json:"successfulNotifications"`
	FailedNotifications     int           `json:"failedNotifications"`
	SuccessRate             float64       `json:"successRate"`
	AverageProcessingTime   time.Duration `json:"averageProcessingTime"`
	TotalSubscriptions      int64         `json:"totalSubscriptions"`
	ActiveSubscriptions     int64         `json:"activeSubscriptions"`
	DisabledSubscriptions   int64         `json:"disabledSubscriptions"`
}

// Pinger reports backing-service reachability; satisfied by both the redis
// queue and the postgres pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Collector struct {
	mu            sync.Mutex
	recent        []JobRecord
	lastHeartbeat time.Time

	queue   job.Queue
	redis   Pinger
	db      Pinger
	store   subscription.Store
	tracker *errtrack.Tracker
	log     *zap.Logger
	now     func() time.Time
}

func NewCollector(queue job.Queue, redis, db Pinger, store subscription.Store, tracker *errtrack.Tracker, l *zap.Logger) *Collector {
	return &Collector{
		queue:   queue,
		redis:   redis,
		db:      db,
		store:   store,
		tracker: tracker,
		log:     l.With(zap.String("component", "metrics")),
		now:     time.Now,
	}
}

func (c *Collector) RecordJobPerformance(rec JobRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now()
	}

	c.mu.Lock()
	c.recent = append(c.recent, rec)
	if len(c.recent) > maxRecentJobs {
		c.recent = c.recent[len(c.recent)-maxRecentJobs:]
	}
	c.lastHeartbeat = c.now()
	c.mu.Unlock()
}

// WorkerHeartbeat marks the worker pool alive even when the queue is idle.
func (c *Collector) WorkerHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = c.now()
	c.mu.Unlock()
}

func (c *Collector) PerformanceSummary(windowHours int) Summary {
	if windowHours <= 0 {
		windowHours = 24
	}
	cutoff := c.now().Add(-time.Duration(windowHours) * time.Hour)

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		jobs      []JobRecord
		totalTime time.Duration
		totalSent int
		rateSum   float64
	)
	for _, r := range c.recent {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		jobs = append(jobs, r)
		totalTime += r.ProcessingTime
		totalSent += r.SentCount
		if r.TargetCount > 0 {
			rateSum += float64(r.SentCount) / float64(r.TargetCount) * 100
		}
	}

	s := Summary{RecentJobs: jobs, TotalJobs: len(jobs), TotalNotificationsSent: totalSent}
	if len(jobs) > 0 {
		s.AverageProcessingTime = totalTime / time.Duration(len(jobs))
		s.AverageSuccessRate = rateSum / float64(len(jobs))
	}
	return s
}

// SystemHealth pings every component independently; overall is the worst
// observed status.
func (c *Collector) SystemHealth(ctx context.Context) SystemHealth {
	components := map[string]ComponentStatus{
		"redis":    c.pingStatus(ctx, c.redis),
		"database": c.pingStatus(ctx, c.db),
		"queue":    StatusHealthy,
		"worker":   c.workerStatus(),
	}

	var backlog int64
	counts, err := c.queue.Counts(ctx)
	if err != nil {
		components["queue"] = StatusDown
	} else {
		backlog = counts.Waiting + counts.Delayed
	}

	var subCount int64
	if total, _, _, err := c.store.Counts(ctx); err == nil {
		subCount = total
	}

	var (
		errorRate float64
		alerts    []errtrack.Alert
	)
	if c.tracker != nil {
		errorRate = c.tracker.ErrorRate(ctx)
		alerts = c.tracker.RecentAlerts(10)
	}

	c.mu.Lock()
	var avg time.Duration
	if n := len(c.recent); n > 0 {
		var total time.Duration
		for _, r := range c.recent {
			total += r.ProcessingTime
		}
		avg = total / time.Duration(n)
	}
	c.mu.Unlock()

	return SystemHealth{
		Overall:    worst(components),
		Components: components,
		Metrics: HealthMetrics{
			QueueBacklog:          backlog,
			ErrorRate:             errorRate,
			AverageProcessingTime: avg,
			SubscriptionCount:     subCount,
		},
		Alerts: alerts,
	}
}

// CollectMetrics aggregates delivery outcomes over [start, end].
func (c *Collector) CollectMetrics(ctx context.Context, start, end time.Time) (Report, error) {
	c.mu.Lock()
	var (
		sent, failed int
		totalTime    time.Duration
		n            int
	)
	for _, r := range c.recent {
		if r.Timestamp.Before(start) || r.Timestamp.After(end) {
			continue
		}
		sent += r.SentCount
		failed += r.FailedCount
		totalTime += r.ProcessingTime
		n++
	}
	c.mu.Unlock()

	rep := Report{
		TotalNotificationsSent:  sent + failed,
		SuccessfulNotifications: sent,
		FailedNotifications:     failed,
	}
	if rep.TotalNotificationsSent > 0 {
		rep.SuccessRate = float64(sent) / float64(rep.TotalNotificationsSent) * 100
	}
	if n > 0 {
		rep.AverageProcessingTime = totalTime / time.Duration(n)
	}

	total, active, disabled, err := c.store.Counts(ctx)
	if err != nil {
		return rep, err
	}
	rep.TotalSubscriptions = total
	rep.ActiveSubscriptions = active
	rep.DisabledSubscriptions = disabled
	return rep, nil
}

func (c *Collector) pingStatus(ctx context.Context, p Pinger) ComponentStatus {
	if p == nil {
		return StatusDown
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Ping(pctx); err != nil {
		return StatusDown
	}
	return StatusHealthy
}

func (c *Collector) workerStatus() ComponentStatus {
	c.mu.Lock()
	last := c.lastHeartbeat
	c.mu.Unlock()

	if last.IsZero() {
		return StatusDegraded
	}
	switch age := c.now().Sub(last); {
	case age > workerDownAfter:
		return StatusDown
	case age > workerDegradedAfter:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func worst(components map[string]ComponentStatus) ComponentStatus {
	overall := StatusHealthy
	for _, s := range components {
		switch s {
		case StatusDown:
			return StatusDown
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}
