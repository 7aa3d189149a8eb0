package push_worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iwent-com-tr/bilet-push/internal/domain/job"
	"github.com/iwent-com-tr/bilet-push/internal/obs/retry"
	kafkax "github.com/iwent-com-tr/bilet-push/internal/repository/kafka"
	"github.com/iwent-com-tr/bilet-push/internal/targeting"
)

// EventMessage is the mutation record published by the events service.
type EventMessage struct {
	Type       string            `json:"type"`
	EventID    string            `json:"eventId"`
	ChangeType string            `json:"changeType,omitempty"`
	Changes    []job.FieldChange `json:"changes,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Controller turns event mutations from kafka into queued notification jobs.
type Controller struct {
	Log      *zap.Logger
	Sub      *kafkax.Consumer
	Queue    job.Queue
	Resolver *targeting.Resolver
	Retry    retry.Policy
}

func (c *Controller) Run(ctx context.Context) error {
	handler := kafkax.JSONHandler(
		func(ctx context.Context, _ []byte, msg *EventMessage) error {
			return c.handle(ctx, msg)
		},
	)
	return c.Sub.Consume(ctx, handler)
}

// handle enqueues one job per mutation. Malformed messages are logged and
// committed; re-delivering them cannot help.
func (c *Controller) handle(ctx context.Context, msg *EventMessage) error {
	if msg.EventID == "" {
		c.Log.Warn("event message without event id", zap.String("type", msg.Type))
		return nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	switch job.Kind(msg.Type) {
	case job.KindEventUpdate:
		var j *job.Job
		err := retry.Do(ctx, func() error {
			var err error
			j, err = c.Queue.EnqueueEventUpdate(ctx, job.EventUpdate{
				EventID:    msg.EventID,
				ChangeType: job.ChangeType(msg.ChangeType),
				Changes:    msg.Changes,
				Timestamp:  msg.Timestamp,
			})
			return err
		}, c.Retry)
		if err != nil {
			return err
		}
		// Ticket data may have shifted with the event; drop memoized audiences.
		c.Resolver.InvalidateEventCache(msg.EventID)
		c.Log.Info("event update queued",
			zap.String("job_id", j.ID),
			zap.String("event_id", msg.EventID),
			zap.String("change", msg.ChangeType),
			zap.Int("priority", j.Priority))
		return nil

	case job.KindNewEvent:
		var j *job.Job
		err := retry.Do(ctx, func() error {
			var err error
			j, err = c.Queue.EnqueueNewEvent(ctx, job.NewEvent{
				EventID:   msg.EventID,
				Timestamp: msg.Timestamp,
			})
			return err
		}, c.Retry)
		if err != nil {
			return err
		}
		c.Log.Info("new event queued",
			zap.String("job_id", j.ID),
			zap.String("event_id", msg.EventID))
		return nil

	default:
		c.Log.Warn("unknown event message type",
			zap.String("type", msg.Type),
			zap.String("event_id", msg.EventID))
		return nil
	}
}
