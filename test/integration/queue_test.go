//go:build integration

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/iwent-com-tr/bilet-push/internal/domain/job"
)

func TestQueue_PriorityOrderAndFIFO(t *testing.T) {
	q := NewTestQueue(t, 0)
	ctx := context.Background()

	venue, err := q.EnqueueEventUpdate(ctx, job.EventUpdate{EventID: "ev-1", ChangeType: job.ChangeVenue})
	if err != nil {
		t.Fatalf("enqueue venue: %v", err)
	}
	timeA, err := q.EnqueueEventUpdate(ctx, job.EventUpdate{EventID: "ev-2", ChangeType: job.ChangeTime})
	if err != nil {
		t.Fatalf("enqueue time A: %v", err)
	}
	cancelled, err := q.EnqueueEventUpdate(ctx, job.EventUpdate{EventID: "ev-3", ChangeType: job.ChangeCancellation})
	if err != nil {
		t.Fatalf("enqueue cancellation: %v", err)
	}
	timeB, err := q.EnqueueEventUpdate(ctx, job.EventUpdate{EventID: "ev-4", ChangeType: job.ChangeTime})
	if err != nil {
		t.Fatalf("enqueue time B: %v", err)
	}

	want := []string{cancelled.ID, timeA.ID, timeB.ID, venue.ID}
	for i, id := range want {
		j, err := q.Claim(ctx)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if j == nil || j.ID != id {
			t.Fatalf("claim %d: got %+v want id %s", i, j, id)
		}
		if err := q.Complete(ctx, j, 1, 0); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	if j, _ := q.Claim(ctx); j != nil {
		t.Fatalf("queue should be drained, claimed %s", j.ID)
	}
}

func TestQueue_FailSchedulesRetryWithBackoff(t *testing.T) {
	q := NewTestQueue(t, 0)
	ctx := context.Background()

	enq, err := q.EnqueueNewEvent(ctx, job.NewEvent{EventID: "ev-retry"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	j, err := q.Claim(ctx)
	if err != nil || j == nil {
		t.Fatalf("claim: %v %+v", err, j)
	}
	if j.Attempts != 1 {
		t.Fatalf("attempts: got %d want 1", j.Attempts)
	}

	final, err := q.Fail(ctx, j, "send blew up")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if final {
		t.Fatalf("first failure must not be terminal")
	}

	// Backoff has not elapsed; the job must stay delayed.
	if j2, _ := q.Claim(ctx); j2 != nil {
		t.Fatalf("claimed %s before backoff elapsed", j2.ID)
	}
	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Delayed != 1 {
		t.Fatalf("delayed: got %d want 1", counts.Delayed)
	}

	time.Sleep(job.RetryDelay(1) + 500*time.Millisecond)

	j3, err := q.Claim(ctx)
	if err != nil || j3 == nil {
		t.Fatalf("claim after backoff: %v %+v", err, j3)
	}
	if j3.ID != enq.ID || j3.Attempts != 2 {
		t.Fatalf("retry claim: got id=%s attempts=%d want id=%s attempts=2", j3.ID, j3.Attempts, enq.ID)
	}
	if j3.LastError != "send blew up" {
		t.Fatalf("last error not carried: %q", j3.LastError)
	}
	if err := q.Complete(ctx, j3, 1, 0); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestQueue_ExhaustedJobLandsInFailedList(t *testing.T) {
	q := NewTestQueue(t, 0)
	ctx := context.Background()

	if _, err := q.EnqueueNewEvent(ctx, job.NewEvent{EventID: "ev-dead"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j, err := q.Claim(ctx)
	if err != nil || j == nil {
		t.Fatalf("claim: %v %+v", err, j)
	}

	j.Attempts = job.MaxAttempts
	final, err := q.Fail(ctx, j, "never recovered")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !final {
		t.Fatalf("attempt %d must be terminal", job.MaxAttempts)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Failed != 1 || counts.Active != 0 || counts.Delayed != 0 {
		t.Fatalf("counts after exhaustion: %+v", counts)
	}
	if j2, _ := q.Claim(ctx); j2 != nil {
		t.Fatalf("dead job claimed again: %s", j2.ID)
	}
}

func TestQueue_StalledClaimIsReclaimed(t *testing.T) {
	q := NewTestQueue(t, time.Second)
	ctx := context.Background()

	enq, err := q.EnqueueNewEvent(ctx, job.NewEvent{EventID: "ev-stall"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	j, err := q.Claim(ctx)
	if err != nil || j == nil {
		t.Fatalf("claim: %v %+v", err, j)
	}
	// The worker dies here: no Complete, no Fail.

	if j2, _ := q.Claim(ctx); j2 != nil {
		t.Fatalf("claim deadline not reached, yet got %s", j2.ID)
	}

	time.Sleep(1500 * time.Millisecond)

	j3, err := q.Claim(ctx)
	if err != nil || j3 == nil {
		t.Fatalf("reclaim: %v %+v", err, j3)
	}
	if j3.ID != enq.ID {
		t.Fatalf("reclaimed wrong job: got %s want %s", j3.ID, enq.ID)
	}
	if j3.Attempts != 2 {
		t.Fatalf("reclaim attempts: got %d want 2", j3.Attempts)
	}
	if err := q.Complete(ctx, j3, 0, 0); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestQueue_CancelIsBestEffort(t *testing.T) {
	q := NewTestQueue(t, 0)
	ctx := context.Background()

	waiting, err := q.EnqueueNewEvent(ctx, job.NewEvent{EventID: "ev-c1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ok, err := q.Cancel(ctx, waiting.ID)
	if err != nil || !ok {
		t.Fatalf("cancel waiting: ok=%v err=%v", ok, err)
	}
	if j, _ := q.Claim(ctx); j != nil {
		t.Fatalf("cancelled job claimed: %s", j.ID)
	}

	claimedEnq, err := q.EnqueueNewEvent(ctx, job.NewEvent{EventID: "ev-c2"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j, err := q.Claim(ctx)
	if err != nil || j == nil {
		t.Fatalf("claim: %v %+v", err, j)
	}
	ok, err = q.Cancel(ctx, claimedEnq.ID)
	if err != nil {
		t.Fatalf("cancel claimed: %v", err)
	}
	if ok {
		t.Fatalf("cancel of a claimed job must report false")
	}
	if err := q.Complete(ctx, j, 0, 0); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestQueue_TerminalListsAreTrimmed(t *testing.T) {
	q := NewTestQueue(t, 0)
	ctx := context.Background()

	for i := 0; i < job.CompletedRetention+5; i++ {
		if _, err := q.EnqueueNewEvent(ctx, job.NewEvent{EventID: fmt.Sprintf("ev-r%d", i)}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		j, err := q.Claim(ctx)
		if err != nil || j == nil {
			t.Fatalf("claim %d: %v %+v", i, err, j)
		}
		if err := q.Complete(ctx, j, 1, 0); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}

	for i := 0; i < job.FailedRetention+5; i++ {
		if _, err := q.EnqueueNewEvent(ctx, job.NewEvent{EventID: fmt.Sprintf("ev-f%d", i)}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		j, err := q.Claim(ctx)
		if err != nil || j == nil {
			t.Fatalf("claim %d: %v %+v", i, err, j)
		}
		j.Attempts = job.MaxAttempts
		if _, err := q.Fail(ctx, j, "retention fill"); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Completed != job.CompletedRetention {
		t.Fatalf("completed retention: got %d want %d", counts.Completed, job.CompletedRetention)
	}
	if counts.Failed != job.FailedRetention {
		t.Fatalf("failed retention: got %d want %d", counts.Failed, job.FailedRetention)
	}
}
