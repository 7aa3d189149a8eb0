package sender

import "fmt"

// PushError is a failed delivery to one endpoint. StatusCode is the push
// service's HTTP status, or 0 when the request never got a response.
type PushError struct {
	StatusCode int    `json:"statusCode"`
	Endpoint   string `json:"endpoint"`
	Message    string `json:"message"`
}

func (e *PushError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("push delivery failed: %s", e.Message)
	}
	return fmt.Sprintf("push delivery failed (%d): %s", e.StatusCode, e.Message)
}

// statusMessage maps push service status codes to operator-facing text.
var statusMessages = map[int]string{
	400: "invalid request",
	404: "subscription is no longer valid",
	410: "subscription is no longer valid",
	413: "payload too large for push service",
	429: "rate limited by push service",
}

func statusMessage(code int) string {
	if msg, ok := statusMessages[code]; ok {
		return msg
	}
	if code >= 500 && code < 600 {
		return "push service temporarily unavailable"
	}
	return fmt.Sprintf("unexpected push service response %d", code)
}

func newPushError(code int, endpoint, fallback string) *PushError {
	msg := fallback
	if code != 0 {
		msg = statusMessage(code)
	}
	return &PushError{StatusCode: code, Endpoint: endpoint, Message: msg}
}
