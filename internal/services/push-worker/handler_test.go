package push_worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iwent-com-tr/bilet-push/internal/domain/job"
	"github.com/iwent-com-tr/bilet-push/internal/domain/subscription"
	"github.com/iwent-com-tr/bilet-push/internal/metrics"
	"github.com/iwent-com-tr/bilet-push/internal/sender"
	"github.com/iwent-com-tr/bilet-push/internal/targeting"
)

type fakeDirectory struct {
	prefUsers []string
	subs      []*subscription.PushSubscription
}

func (f *fakeDirectory) UsersWithEventTickets(context.Context, string) ([]string, error) {
	return nil, nil
}

func (f *fakeDirectory) UsersWithNotificationPreference(context.Context, string, bool) ([]string, error) {
	return f.prefUsers, nil
}

func (f *fakeDirectory) UsersByCity(context.Context, string) ([]string, error) { return nil, nil }

func (f *fakeDirectory) SubscriptionsByUsers(context.Context, []string) ([]*subscription.PushSubscription, error) {
	return f.subs, nil
}

type fakeStore struct {
	subscription.Store

	mu         sync.Mutex
	holders    []*subscription.PushSubscription
	holdersErr error
	cleanedUp  [][]string
	touched    [][]string
	total      int64
}

func (f *fakeStore) ForEventTicketHolders(context.Context, string) ([]*subscription.PushSubscription, error) {
	return f.holders, f.holdersErr
}

func (f *fakeStore) CleanupInvalid(_ context.Context, endpoints []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanedUp = append(f.cleanedUp, endpoints)
	return int64(len(endpoints)), nil
}

func (f *fakeStore) TouchLastSeen(_ context.Context, endpoints []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, endpoints)
	return nil
}

func (f *fakeStore) Counts(context.Context) (int64, int64, int64, error) {
	return f.total, f.total, 0, nil
}

type fakeTitles struct {
	title string
	err   error
}

func (f *fakeTitles) EventTitle(context.Context, string) (string, error) { return f.title, f.err }

type fakeTransport struct {
	mu       sync.Mutex
	statuses map[string]int
	payloads [][]byte
}

func (f *fakeTransport) Deliver(_ context.Context, sub subscription.WireFormat, payload []byte, _ sender.Options) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	if st, ok := f.statuses[sub.Endpoint]; ok {
		return st, nil
	}
	return 201, nil
}

func holderSubs(n int) []*subscription.PushSubscription {
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

func newTestHandler(store *fakeStore, dir *fakeDirectory, tr *fakeTransport, titles *fakeTitles) (*Handler, *metrics.Collector) {
	log := zap.NewNop()
	collector := metrics.NewCollector(nil, nil, nil, store, nil, log)
	h := &Handler{
		Log:       log,
		Resolver:  targeting.NewResolver(dir, store, log),
		Sender:    sender.New(tr, nil, 4, log),
		Store:     store,
		Titles:    titles,
		Collector: collector,
	}
	return h, collector
}

func TestProcessEventUpdate(t *testing.T) {
	subs := holderSubs(5)
	store := &fakeStore{holders: subs, total: 5}
	tr := &fakeTransport{statuses: map[string]int{subs[2].Endpoint: 410}}
	h, collector := newTestHandler(store, &fakeDirectory{}, tr, &fakeTitles{title: "Rock Fest"})

	j := &job.Job{
		ID:         "j-1",
		Kind:       job.KindEventUpdate,
		EventID:    "ev-1",
		ChangeType: job.ChangeCancellation,
		Attempts:   1,
	}

	sent, failed, err := h.Process(context.Background(), j)
	require.NoError(t, err)
	require.Equal(t, 4, sent)
	require.Equal(t, 1, failed)

	// The 410 endpoint is purged, the delivered ones are touched.
	require.Len(t, store.cleanedUp, 1)
	require.Equal(t, []string{subs[2].Endpoint}, store.cleanedUp[0])
	require.Len(t, store.touched, 1)
	require.Len(t, store.touched[0], 4)

	s := collector.PerformanceSummary(1)
	require.Equal(t, 1, s.TotalJobs)
	require.Equal(t, 5, s.RecentJobs[0].TargetCount)
	require.Equal(t, 4, s.RecentJobs[0].SentCount)
	require.Equal(t, 1, s.RecentJobs[0].FailedCount)
}

func TestProcessNewEventTargetsOptedInUsers(t *testing.T) {
	subs := holderSubs(3)
	dir := &fakeDirectory{prefUsers: []string{"u-0", "u-1", "u-2"}, subs: subs}
	store := &fakeStore{total: 3}
	tr := &fakeTransport{}
	h, _ := newTestHandler(store, dir, tr, &fakeTitles{title: "Jazz Night"})

	j := &job.Job{ID: "j-2", Kind: job.KindNewEvent, EventID: "ev-9", Attempts: 1}

	sent, failed, err := h.Process(context.Background(), j)
	require.NoError(t, err)
	require.Equal(t, 3, sent)
	require.Zero(t, failed)
}

func TestProcessNoAudienceCompletesCleanly(t *testing.T) {
	store := &fakeStore{}
	tr := &fakeTransport{}
	h, collector := newTestHandler(store, &fakeDirectory{}, tr, &fakeTitles{})

	j := &job.Job{ID: "j-3", Kind: job.KindEventUpdate, EventID: "ev-1", Attempts: 1}

	sent, failed, err := h.Process(context.Background(), j)
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Zero(t, failed)
	require.Empty(t, tr.payloads)
	require.Equal(t, 1, collector.PerformanceSummary(1).TotalJobs)
}

func TestProcessResolutionErrorIsRetryable(t *testing.T) {
	store := &fakeStore{holdersErr: fmt.Errorf("db down")}
	h, _ := newTestHandler(store, &fakeDirectory{}, &fakeTransport{}, &fakeTitles{})

	j := &job.Job{ID: "j-4", Kind: job.KindEventUpdate, EventID: "ev-1", Attempts: 1}

	_, _, err := h.Process(context.Background(), j)
	require.Error(t, err)
}

func TestProcessTitleLookupFailureFallsBack(t *testing.T) {
	subs := holderSubs(1)
	store := &fakeStore{holders: subs, total: 1}
	tr := &fakeTransport{}
	h, _ := newTestHandler(store, &fakeDirectory{}, tr, &fakeTitles{err: fmt.Errorf("not found")})

	j := &job.Job{ID: "j-5", Kind: job.KindEventUpdate, EventID: "ev-1", ChangeType: job.ChangeVenue, Attempts: 1}

	sent, _, err := h.Process(context.Background(), j)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Contains(t, string(tr.payloads[0]), "Your event")
}

func TestProcessUnknownKind(t *testing.T) {
	h, _ := newTestHandler(&fakeStore{}, &fakeDirectory{}, &fakeTransport{}, &fakeTitles{})
	_, _, err := h.Process(context.Background(), &job.Job{ID: "j-6", Kind: "bogus"})
	require.Error(t, err)
}

func TestProcessRecordsDuration(t *testing.T) {
	subs := holderSubs(2)
	store := &fakeStore{holders: subs, total: 2}
	h, collector := newTestHandler(store, &fakeDirectory{}, &fakeTransport{}, &fakeTitles{title: "X"})

	start := time.Now()
	_, _, err := h.Process(context.Background(), &job.Job{ID: "j-7", Kind: job.KindEventUpdate, EventID: "ev-1", Attempts: 1})
	require.NoError(t, err)

	s := collector.PerformanceSummary(1)
	require.Equal(t, 1, s.TotalJobs)
	require.GreaterOrEqual(t, time.Since(start), s.RecentJobs[0].ProcessingTime)
}
