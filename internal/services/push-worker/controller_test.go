package push_worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iwent-com-tr/bilet-push/internal/domain/job"
	"github.com/iwent-com-tr/bilet-push/internal/targeting"
)

type fakeQueue struct {
	job.Queue

	updates []job.EventUpdate
	created []job.NewEvent
}

func (f *fakeQueue) EnqueueEventUpdate(_ context.Context, ev job.EventUpdate) (*job.Job, error) {
	f.updates = append(f.updates, ev)
	return &job.Job{
		ID:       "j-upd",
		Kind:     job.KindEventUpdate,
		EventID:  ev.EventID,
		Priority: job.PriorityFor(job.KindEventUpdate, ev.ChangeType),
	}, nil
}

func (f *fakeQueue) EnqueueNewEvent(_ context.Context, ev job.NewEvent) (*job.Job, error) {
	f.created = append(f.created, ev)
	return &job.Job{ID: "j-new", Kind: job.KindNewEvent, EventID: ev.EventID, Priority: job.PriorityDefault}, nil
}

func newTestController(q *fakeQueue) *Controller {
	log := zap.NewNop()
	return &Controller{
		Log:      log,
		Queue:    q,
		Resolver: targeting.NewResolver(&fakeDirectory{}, &fakeStore{}, log),
	}
}

func TestHandleEventUpdate(t *testing.T) {
	q := &fakeQueue{}
	c := newTestController(q)

	err := c.handle(context.Background(), &EventMessage{
		Type:       string(job.KindEventUpdate),
		EventID:    "ev-1",
		ChangeType: string(job.ChangeCancellation),
		Changes:    []job.FieldChange{{Field: "status", OldValue: "ACTIVE", NewValue: "CANCELLED"}},
		Timestamp:  time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, q.updates, 1)
	require.Equal(t, job.ChangeCancellation, q.updates[0].ChangeType)
}

func TestHandleNewEvent(t *testing.T) {
	q := &fakeQueue{}
	c := newTestController(q)

	err := c.handle(context.Background(), &EventMessage{Type: string(job.KindNewEvent), EventID: "ev-2"})
	require.NoError(t, err)
	require.Len(t, q.created, 1)
	require.False(t, q.created[0].Timestamp.IsZero())
}

func TestHandleDropsMalformedMessages(t *testing.T) {
	q := &fakeQueue{}
	c := newTestController(q)

	require.NoError(t, c.handle(context.Background(), &EventMessage{Type: "event_update"}))
	require.NoError(t, c.handle(context.Background(), &EventMessage{Type: "weird", EventID: "ev-1"}))
	require.Empty(t, q.updates)
	require.Empty(t, q.created)
}

func TestHandleInvalidatesEventCache(t *testing.T) {
	dir := &fakeDirectory{}
	store := &fakeStore{holders: holderSubs(1)}
	log := zap.NewNop()
	resolver := targeting.NewResolver(dir, store, log)
	q := &fakeQueue{}
	c := &Controller{Log: log, Queue: q, Resolver: resolver}
	ctx := context.Background()

	// Warm the audience cache, then mutate the event.
	_, err := resolver.SubscriptionsForEventTicketHolders(ctx, "ev-1")
	require.NoError(t, err)

	store.holders = holderSubs(2)
	require.NoError(t, c.handle(ctx, &EventMessage{
		Type:       string(job.KindEventUpdate),
		EventID:    "ev-1",
		ChangeType: string(job.ChangeTime),
	}))

	subs, err := resolver.SubscriptionsForEventTicketHolders(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, subs, 2)
}
