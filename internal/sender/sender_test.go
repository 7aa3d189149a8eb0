package sender

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iwent-com-tr/bilet-push/internal/domain/push"
	"github.com/iwent-com-tr/bilet-push/internal/domain/subscription"
)

// fakeTransport answers by endpoint: a configured status code, or 201 by
// default, or a transport error.
type fakeTransport struct {
	mu       sync.Mutex
	statuses map[string]int
	errs     map[string]error
	calls    int
}

func (f *fakeTransport) Deliver(_ context.Context, sub subscription.WireFormat, _ []byte, _ Options) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[sub.Endpoint]; ok {
		return 0, err
	}
	if st, ok := f.statuses[sub.Endpoint]; ok {
		return st, nil
	}
	return 201, nil
}

type recordingTracker struct {
	mu   sync.Mutex
	errs []*PushError
}

func (r *recordingTracker) TrackError(_ context.Context, perr *PushError, _, _ string) {
	r.mu.Lock()
	r.errs = append(r.errs, perr)
	r.mu.Unlock()
}

func testPayload() push.Payload {
	return push.Payload{
		Type:    "event_update",
		EventID: "ev-1",
		Title:   "Venue changed",
		Body:    "New venue announced.",
		URL:     "/events/ev-1",
	}
}

func testSubs(n int) []*subscription.PushSubscription {
	out := make([]*subscription.PushSubscription, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &subscription.PushSubscription{
			ID:       fmt.Sprintf("sub-%d", i),
			UserID:   fmt.Sprintf("u-%d", i),
			Endpoint: fmt.Sprintf("https://push.example/%d", i),
			P256DH:   "p256dh",
			Auth:     "auth",
			Enabled:  true,
		})
	}
	return out
}

func TestSendSuccess(t *testing.T) {
	tr := &fakeTransport{}
	s := New(tr, nil, 4, zap.NewNop())

	sub := testSubs(1)[0]
	err := s.Send(context.Background(), sub.Wire(), testPayload(), Options{}, "j1", "ev-1")
	require.NoError(t, err)
	require.Equal(t, 1, tr.calls)
}

func TestSendRejectsInvalidPayload(t *testing.T) {
	tr := &fakeTransport{}
	s := New(tr, nil, 4, zap.NewNop())

	p := testPayload()
	p.Title = ""
	err := s.Send(context.Background(), testSubs(1)[0].Wire(), p, Options{}, "j1", "ev-1")
	require.Error(t, err)
	require.Zero(t, tr.calls)
}

func TestSendReturnsPushErrorAndTracks(t *testing.T) {
	endpoint := "https://push.example/0"
	tr := &fakeTransport{statuses: map[string]int{endpoint: 429}}
	rec := &recordingTracker{}
	s := New(tr, rec, 4, zap.NewNop())

	err := s.Send(context.Background(), testSubs(1)[0].Wire(), testPayload(), Options{}, "j1", "ev-1")
	var perr *PushError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 429, perr.StatusCode)
	require.Equal(t, endpoint, perr.Endpoint)
	require.Len(t, rec.errs, 1)
}

func TestSendBulkAccountsForEverySubscription(t *testing.T) {
	subs := testSubs(25)
	tr := &fakeTransport{
		statuses: map[string]int{
			subs[3].Endpoint:  410,
			subs[7].Endpoint:  404,
			subs[11].Endpoint: 429,
		},
		errs: map[string]error{
			subs[19].Endpoint: fmt.Errorf("connection reset"),
		},
	}
	rec := &recordingTracker{}
	s := New(tr, rec, 5, zap.NewNop())

	res, err := s.SendBulk(context.Background(), subs, testPayload(), Options{}, "j1", "ev-1")
	require.NoError(t, err)

	require.Equal(t, len(subs), res.Sent+res.Failed)
	require.Equal(t, 21, res.Sent)
	require.Equal(t, 4, res.Failed)
	require.Len(t, res.Errors, res.Failed)
	require.Len(t, res.Delivered, res.Sent)
	require.ElementsMatch(t, []string{subs[3].Endpoint, subs[7].Endpoint}, res.InvalidEndpoints)
	require.Len(t, rec.errs, 4)
}

func TestSendBulkEmpty(t *testing.T) {
	s := New(&fakeTransport{}, nil, 4, zap.NewNop())
	res, err := s.SendBulk(context.Background(), nil, testPayload(), Options{}, "j1", "ev-1")
	require.NoError(t, err)
	require.Zero(t, res.Sent)
	require.Zero(t, res.Failed)
}

func TestSendBulkCanceledContextStillBalances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	subs := testSubs(10)
	s := New(&fakeTransport{}, nil, 2, zap.NewNop())

	res, err := s.SendBulk(ctx, subs, testPayload(), Options{}, "j1", "ev-1")
	require.NoError(t, err)
	require.Equal(t, len(subs), res.Sent+res.Failed)
}

func TestSendBulkTrimsOversizedPayload(t *testing.T) {
	p := testPayload()
	for len(p.Body) < 500 {
		p.Body += " more detail"
	}

	tr := &fakeTransport{}
	s := New(tr, nil, 4, zap.NewNop())

	res, err := s.SendBulk(context.Background(), testSubs(1), p, Options{}, "j1", "ev-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Sent)
}

func TestPushErrorMessages(t *testing.T) {
	require.Contains(t, newPushError(410, "e", "").Message, "no longer valid")
	require.Contains(t, newPushError(429, "e", "").Message, "rate")
	require.Contains(t, newPushError(503, "e", "").Message, "unavailable")
	require.Equal(t, "custom", newPushError(0, "e", "custom").Message)
}
