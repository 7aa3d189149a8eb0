package sender

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/iwent-com-tr/bilet-push/internal/domain/push"
	"github.com/iwent-com-tr/bilet-push/internal/domain/subscription"
	"github.com/iwent-com-tr/bilet-push/internal/obs"
)

const DefaultConcurrency = 10

// Tracker receives every delivery failure. Implemented by errtrack; kept
// as an interface so the sender never depends on tracking internals.
type Tracker interface {
	TrackError(ctx context.Context, perr *PushError, jobID, eventID string)
}

// BulkResult aggregates one fan-out. Sent+Failed always equals the number
// of subscriptions attempted; Errors holds one entry per failure.
type BulkResult struct {
	Sent             int
	Failed           int
	InvalidEndpoints []string
	Delivered        []string
	Errors           []*PushError
}

var (
	mSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_deliveries_total", Help: "Push messages accepted by the push service.",
	})
	mFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_delivery_failures_total", Help: "Push messages rejected or undeliverable.",
	})
)

type Sender struct {
	transport   Transport
	tracker     Tracker
	log         *zap.Logger
	concurrency int64
}

func New(transport Transport, tracker Tracker, concurrency int, l *zap.Logger) *Sender {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Sender{
		transport:   transport,
		tracker:     tracker,
		log:         l.With(zap.String("component", "sender")),
		concurrency: int64(concurrency),
	}
}

// Send delivers one message. Failures come back as *PushError, after being
// forwarded to the tracker.
func (s *Sender) Send(ctx context.Context, sub subscription.WireFormat, p push.Payload, opts Options, jobID, eventID string) error {
	if problems := p.Validate(); len(problems) > 0 {
		return fmt.Errorf("invalid payload: %v", problems)
	}
	body, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.sendRaw(ctx, sub, body, opts.withDefaults(), jobID, eventID)
}

func (s *Sender) sendRaw(ctx context.Context, sub subscription.WireFormat, body []byte, opts Options, jobID, eventID string) error {
	status, err := s.transport.Deliver(ctx, sub, body, opts)

	var perr *PushError
	switch {
	case err != nil:
		perr = newPushError(0, sub.Endpoint, err.Error())
	case status >= 200 && status < 300:
		mSent.Inc()
		return nil
	default:
		perr = newPushError(status, sub.Endpoint, "")
	}

	mFailed.Inc()
	s.log.Debug("delivery failed",
		zap.String("endpoint", obs.MaskEndpoint(sub.Endpoint)),
		zap.Int("status", perr.StatusCode),
		zap.String("job_id", jobID))
	if s.tracker != nil {
		s.tracker.TrackError(ctx, perr, jobID, eventID)
	}
	return perr
}

// SendBulk fans a payload out to every subscription with at most
// s.concurrency deliveries in flight. Each subscription is attempted
// independently; one failure never aborts the batch.
func (s *Sender) SendBulk(ctx context.Context, subs []*subscription.PushSubscription, p push.Payload, opts Options, jobID, eventID string) (*BulkResult, error) {
	p = push.Trim(p)
	if problems := p.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid payload: %v", problems)
	}
	body, err := p.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	opts = opts.withDefaults()
	res := &BulkResult{}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(s.concurrency)
	)

	for _, sub := range subs {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context gone: count the rest as failed so the invariant
			// sent+failed == len(subs) holds.
			mu.Lock()
			res.Failed++
			res.Errors = append(res.Errors, newPushError(0, sub.Endpoint, err.Error()))
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(sub *subscription.PushSubscription) {
			defer wg.Done()
			defer sem.Release(1)

			err := s.sendRaw(ctx, sub.Wire(), body, opts, jobID, eventID)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				res.Sent++
				res.Delivered = append(res.Delivered, sub.Endpoint)
				return
			}
			res.Failed++
			if perr, ok := err.(*PushError); ok {
				res.Errors = append(res.Errors, perr)
				if perr.StatusCode == 404 || perr.StatusCode == 410 {
					res.InvalidEndpoints = append(res.InvalidEndpoints, sub.Endpoint)
				}
			} else {
				res.Errors = append(res.Errors, newPushError(0, sub.Endpoint, err.Error()))
			}
		}(sub)
	}

	wg.Wait()

	s.log.Info("bulk send finished",
		zap.String("job_id", jobID),
		zap.String("event_id", eventID),
		zap.Int("targets", len(subs)),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("invalid", len(res.InvalidEndpoints)))
	return res, nil
}
