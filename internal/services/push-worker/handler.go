package push_worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iwent-com-tr/bilet-push/internal/domain/job"
	"github.com/iwent-com-tr/bilet-push/internal/domain/push"
	"github.com/iwent-com-tr/bilet-push/internal/domain/subscription"
	"github.com/iwent-com-tr/bilet-push/internal/metrics"
	"github.com/iwent-com-tr/bilet-push/internal/sender"
	"github.com/iwent-com-tr/bilet-push/internal/targeting"
)

// TitleSource resolves an event's display name for notification copy.
type TitleSource interface {
	EventTitle(ctx context.Context, eventID string) (string, error)
}

type Handler struct {
	Log       *zap.Logger
	Resolver  *targeting.Resolver
	Sender    *sender.Sender
	Store     subscription.Store
	Titles    TitleSource
	Collector *metrics.Collector
}

// Process fans one claimed job out to its audience. The returned counts feed
// the queue's completion record; an error means the job should be retried.
func (h *Handler) Process(ctx context.Context, j *job.Job) (sent, failed int, err error) {
	start := time.Now()

	subs, err := h.audience(ctx, j)
	if err != nil {
		return 0, 0, err
	}
	if len(subs) == 0 {
		h.Log.Info("no audience for job",
			zap.String("job_id", j.ID),
			zap.String("event_id", j.EventID),
			zap.String("kind", string(j.Kind)))
		h.record(j, start, 0, 0, 0)
		return 0, 0, nil
	}

	title, err := h.Titles.EventTitle(ctx, j.EventID)
	if err != nil {
		h.Log.Warn("event title lookup failed",
			zap.String("event_id", j.EventID), zap.Error(err))
		title = ""
	}

	payload := push.FromJob(j, title)
	opts := sender.Options{}
	if j.ChangeType == job.ChangeCancellation {
		opts.Urgency = "high"
	}

	res, err := h.Sender.SendBulk(ctx, subs, payload, opts, j.ID, j.EventID)
	if err != nil {
		return 0, 0, fmt.Errorf("bulk send: %w", err)
	}

	// Housekeeping after the fan-out never fails the job.
	if len(res.InvalidEndpoints) > 0 {
		if _, cerr := h.Store.CleanupInvalid(ctx, res.InvalidEndpoints); cerr != nil {
			h.Log.Warn("invalid endpoint cleanup failed",
				zap.String("job_id", j.ID),
				zap.Int("endpoints", len(res.InvalidEndpoints)),
				zap.Error(cerr))
		}
	}
	if len(res.Delivered) > 0 {
		if terr := h.Store.TouchLastSeen(ctx, res.Delivered); terr != nil {
			h.Log.Warn("last-seen update failed",
				zap.String("job_id", j.ID), zap.Error(terr))
		}
	}

	h.record(j, start, len(subs), res.Sent, res.Failed)
	return res.Sent, res.Failed, nil
}

func (h *Handler) audience(ctx context.Context, j *job.Job) ([]*subscription.PushSubscription, error) {
	switch j.Kind {
	case job.KindEventUpdate:
		subs, err := h.Resolver.SubscriptionsForEventTicketHolders(ctx, j.EventID)
		if err != nil {
			return nil, fmt.Errorf("resolve ticket holders: %w", err)
		}
		return subs, nil
	case job.KindNewEvent:
		res, err := h.Resolver.Resolve(ctx, targeting.Filters{
			NotificationCategory: "new_event",
			CategoryEnabled:      true,
		})
		if err != nil {
			return nil, fmt.Errorf("resolve new-event audience: %w", err)
		}
		return res.Subscriptions, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", j.Kind)
	}
}

func (h *Handler) record(j *job.Job, start time.Time, targets, sent, failed int) {
	if h.Collector == nil {
		return
	}
	h.Collector.RecordJobPerformance(metrics.JobRecord{
		JobID:          j.ID,
		EventID:        j.EventID,
		JobType:        string(j.Kind),
		ProcessingTime: time.Since(start),
		TargetCount:    targets,
		SentCount:      sent,
		FailedCount:    failed,
	})
}
