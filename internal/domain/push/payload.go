package push

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/iwent-com-tr/bilet-push/internal/domain/job"
)

// Push services reject bodies above ~4 KiB; everything else is a UI cap.
const (
	MaxPayloadBytes = 4000
	MaxTitleLen     = 100
	MaxBodyLen      = 200
	MaxActions      = 2
)

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type Change struct {
	Field    string `json:"field"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

// Payload is the wire message handed to the service worker. Type, EventID,
// Title, Body and URL are mandatory; the rest is droppable decoration.
type Payload struct {
	Type    string   `json:"type"`
	EventID string   `json:"eventId"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	URL     string   `json:"url"`
	Icon    string   `json:"icon,omitempty"`
	Badge   string   `json:"badge,omitempty"`
	Actions []Action `json:"actions,omitempty"`
	Change  *Change  `json:"change,omitempty"`
}

func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Validate reports everything wrong with the payload; empty means sendable.
func (p Payload) Validate() []string {
	var problems []string
	if strings.TrimSpace(p.Title) == "" {
		problems = append(problems, "title is required")
	} else if utf8.RuneCountInString(p.Title) > MaxTitleLen {
		problems = append(problems, fmt.Sprintf("title exceeds %d characters", MaxTitleLen))
	}
	if strings.TrimSpace(p.Body) == "" {
		problems = append(problems, "body is required")
	} else if utf8.RuneCountInString(p.Body) > MaxBodyLen {
		problems = append(problems, fmt.Sprintf("body exceeds %d characters", MaxBodyLen))
	}
	if strings.TrimSpace(p.URL) == "" {
		problems = append(problems, "url is required")
	}
	if len(p.Actions) > MaxActions {
		problems = append(problems, fmt.Sprintf("at most %d actions allowed", MaxActions))
	}
	if b, err := json.Marshal(p); err == nil && len(b) > MaxPayloadBytes {
		problems = append(problems, fmt.Sprintf("payload exceeds %d bytes", MaxPayloadBytes))
	}
	return problems
}

// Trim forces the payload under the transport limit: first the title and
// body are cut to their caps, then, if the serialized form is still too
// large, all optional fields are dropped. A mandatory field can overflow
// the cap on its own (a runaway deep link in practice); those are cut
// last, URL first since the text fields are already bounded. The result
// always serializes to at most MaxPayloadBytes.
func Trim(p Payload) Payload {
	p.Title = truncate(p.Title, MaxTitleLen)
	p.Body = truncate(p.Body, MaxBodyLen)
	if len(p.Actions) > MaxActions {
		p.Actions = p.Actions[:MaxActions]
	}

	b, err := json.Marshal(p)
	if err != nil || len(b) <= MaxPayloadBytes {
		return p
	}

	p.Icon = ""
	p.Badge = ""
	p.Actions = nil
	p.Change = nil

	for _, f := range []*string{&p.URL, &p.Body, &p.Title} {
		b, err = json.Marshal(p)
		if err != nil || len(b) <= MaxPayloadBytes {
			return p
		}
		*f = truncateBytes(*f, len(*f)-(len(b)-MaxPayloadBytes))
	}
	return p
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

// truncateBytes cuts s to at most max bytes on a rune boundary.
func truncateBytes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// FromJob builds the notification shown to ticket holders for a queued job.
func FromJob(j *job.Job, eventTitle string) Payload {
	if eventTitle == "" {
		eventTitle = "Your event"
	}

	p := Payload{
		Type:    string(j.Kind),
		EventID: j.EventID,
		URL:     "/events/" + j.EventID,
	}

	switch j.Kind {
	case job.KindNewEvent:
		p.Title = "New event published"
		p.Body = fmt.Sprintf("%s is now open for tickets.", eventTitle)
		p.Actions = []Action{{Action: "view", Title: "View event"}}
		return p
	}

	switch j.ChangeType {
	case job.ChangeCancellation:
		p.Title = fmt.Sprintf("%s has been cancelled", eventTitle)
		p.Body = "The event was cancelled by the organizer. Tap for refund details."
	case job.ChangeTime:
		p.Title = fmt.Sprintf("%s: time changed", eventTitle)
		p.Body = changeBody(j.Changes, "The event time has been updated.")
	case job.ChangeVenue:
		p.Title = fmt.Sprintf("%s: venue changed", eventTitle)
		p.Body = changeBody(j.Changes, "The event venue has been updated.")
	default:
		p.Title = fmt.Sprintf("%s has been updated", eventTitle)
		p.Body = "Event details have changed. Tap to review."
	}

	if len(j.Changes) > 0 {
		c := j.Changes[0]
		p.Change = &Change{Field: c.Field, OldValue: c.OldValue, NewValue: c.NewValue}
	}
	p.Actions = []Action{{Action: "view", Title: "View details"}}

	return Trim(p)
}

func changeBody(changes []job.FieldChange, fallback string) string {
	if len(changes) == 0 {
		return fallback
	}
	c := changes[0]
	if c.OldValue == "" || c.NewValue == "" {
		return fallback
	}
	return fmt.Sprintf("%s: %s → %s", c.Field, c.OldValue, c.NewValue)
}
