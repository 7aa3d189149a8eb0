package job

import "context"

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type Queue interface {
	EnqueueEventUpdate(ctx context.Context, ev EventUpdate) (*Job, error)
	EnqueueNewEvent(ctx context.Context, ev NewEvent) (*Job, error)
	// Claim pops the highest-priority ready job, or (nil, nil) when idle.
	// A claimed job is owned by exactly one caller until Complete or Fail.
	Claim(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, j *Job, sent, failed int) error
	// Fail either reschedules the job with backoff or, once attempts are
	// exhausted, moves it to the failed history. final reports which.
	Fail(ctx context.Context, j *Job, cause string) (final bool, err error)
	// Cancel removes a not-yet-claimed job; best-effort by design.
	Cancel(ctx context.Context, id string) (bool, error)
	Counts(ctx context.Context) (Counts, error)
	Ping(ctx context.Context) error
}
