package job

import "time"

type Kind string

const (
	KindEventUpdate Kind = "event_update"
	KindNewEvent    Kind = "new_event"
)

type ChangeType string

const (
	ChangeCancellation ChangeType = "cancellation"
	ChangeTime         ChangeType = "time_change"
	ChangeVenue        ChangeType = "venue_change"
)

// Priorities; lower is served first.
const (
	PriorityCancellation = 1
	PriorityTimeChange   = 2
	PriorityVenueChange  = 3
	PriorityDefault      = 5
)

const (
	MaxAttempts        = 5
	RetryBase          = 2 * time.Second
	CompletedRetention = 100
	FailedRetention    = 50
)

type FieldChange struct {
	Field    string `json:"field"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

type EventUpdate struct {
	EventID    string        `json:"eventId"`
	ChangeType ChangeType    `json:"changeType"`
	Changes    []FieldChange `json:"changes"`
	Timestamp  time.Time     `json:"timestamp"`
}

type NewEvent struct {
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is one queued notification fan-out. Seq preserves FIFO order among
// jobs of equal priority.
type Job struct {
	ID         string        `json:"id"`
	Kind       Kind          `json:"kind"`
	EventID    string        `json:"eventId"`
	ChangeType ChangeType    `json:"changeType,omitempty"`
	Changes    []FieldChange `json:"changes,omitempty"`
	Priority   int           `json:"priority"`
	Seq        int64         `json:"seq"`
	Attempts   int           `json:"attempts"`
	LastError  string        `json:"lastError,omitempty"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Outcome summarizes a finished job for the terminal history lists.
type Outcome struct {
	JobID       string    `json:"jobId"`
	Kind        Kind      `json:"kind"`
	EventID     string    `json:"eventId"`
	Attempts    int       `json:"attempts"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	LastError   string    `json:"lastError,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

func PriorityFor(kind Kind, change ChangeType) int {
	if kind != KindEventUpdate {
		return PriorityDefault
	}
	switch change {
	case ChangeCancellation:
		return PriorityCancellation
	case ChangeTime:
		return PriorityTimeChange
	case ChangeVenue:
		return PriorityVenueChange
	default:
		return PriorityDefault
	}
}

// RetryDelay is the backoff before attempt n+1, doubling from RetryBase.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return RetryBase << (attempts - 1)
}
