package subscription

import (
	"context"
	"time"
)

type Store interface {
	// Create inserts a subscription; an endpoint conflict becomes an update
	// of key material, owner and user agent, re-enabling the row.
	Create(ctx context.Context, userID string, data Data, userAgent string) (*PushSubscription, error)
	GetByUser(ctx context.Context, userID string, enabledOnly bool) ([]*PushSubscription, error)
	// GetByEndpoint returns (nil, nil) when the endpoint is unknown.
	GetByEndpoint(ctx context.Context, endpoint string) (*PushSubscription, error)
	// Disable and Delete report false when the endpoint is already absent.
	Disable(ctx context.Context, endpoint string) (bool, error)
	Delete(ctx context.Context, endpoint string) (bool, error)
	CleanupInvalid(ctx context.Context, endpoints []string) (int64, error)
	CleanupStaleDisabled(ctx context.Context, olderThan time.Duration) (int64, error)
	ForEventTicketHolders(ctx context.Context, eventID string) ([]*PushSubscription, error)
	TouchLastSeen(ctx context.Context, endpoints []string) error
	Counts(ctx context.Context) (total, active, disabled int64, err error)
}
