package sender

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/iwent-com-tr/bilet-push/internal/domain/subscription"
	"github.com/iwent-com-tr/bilet-push/internal/vapid"
)

// Options tune one delivery. Topic makes the notification replaceable:
// the push service keeps only the newest message per topic.
type Options struct {
	TTL     int
	Urgency string
	Topic   string
}

const (
	DefaultTTL     = 86400
	DefaultUrgency = "normal"
)

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Urgency == "" {
		o.Urgency = DefaultUrgency
	}
	return o
}

// Transport delivers one encrypted message and reports the push service's
// status code. A zero code means the request itself failed.
type Transport interface {
	Deliver(ctx context.Context, sub subscription.WireFormat, payload []byte, opts Options) (int, error)
}

// WebPushTransport signs and encrypts via the Web Push protocol with the
// server's VAPID identity.
type WebPushTransport struct {
	identity *vapid.Identity
	client   *http.Client
}

var _ Transport = (*WebPushTransport)(nil)

func NewWebPushTransport(identity *vapid.Identity) *WebPushTransport {
	return &WebPushTransport{
		identity: identity,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *WebPushTransport) Deliver(ctx context.Context, sub subscription.WireFormat, payload []byte, opts Options) (int, error) {
	cfg, err := t.identity.Load()
	if err != nil {
		return 0, err
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      t.client,
		Subscriber:      cfg.Subject,
		VAPIDPublicKey:  cfg.PublicKey,
		VAPIDPrivateKey: cfg.PrivateKey,
		TTL:             opts.TTL,
		Urgency:         webpush.Urgency(opts.Urgency),
		Topic:           opts.Topic,
	})
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	return resp.StatusCode, nil
}
