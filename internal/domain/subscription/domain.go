package subscription

import (
	"net/url"
	"strings"
	"time"
)

// PushSubscription is one browser's push registration. The endpoint is the
// external identity: re-subscribing with a known endpoint refreshes key
// material instead of creating a second row.
type PushSubscription struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Endpoint   string    `json:"endpoint"`
	P256DH     string    `json:"p256dh"`
	Auth       string    `json:"auth"`
	Enabled    bool      `json:"enabled"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Keys mirror the browser PushSubscription.getKey() pair.
type Keys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Data is the subscribe request body sent by the service worker.
type Data struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// WireFormat is the shape the push transport expects.
type WireFormat struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// Validate checks the subscribe payload without touching storage. An empty
// result means the data is usable.
func (d Data) Validate() []string {
	var problems []string

	ep := strings.TrimSpace(d.Endpoint)
	if ep == "" {
		problems = append(problems, "endpoint is required")
	} else if u, err := url.Parse(ep); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "endpoint is not a valid URL")
	}
	if strings.TrimSpace(d.Keys.P256DH) == "" {
		problems = append(problems, "p256dh key is required")
	}
	if strings.TrimSpace(d.Keys.Auth) == "" {
		problems = append(problems, "auth key is required")
	}
	return problems
}

func (s *PushSubscription) Wire() WireFormat {
	return WireFormat{
		Endpoint: s.Endpoint,
		Keys:     Keys{P256DH: s.P256DH, Auth: s.Auth},
	}
}
