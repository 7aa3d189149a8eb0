package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iwent-com-tr/bilet-push/internal/domain/subscription"
)

var _ subscription.Store = (*SubscriptionRepo)(nil)

type SubscriptionRepo struct {
	db *DB
}

func NewSubscriptionRepo(db *DB) *SubscriptionRepo { return &SubscriptionRepo{db: db} }

const (
	qSubUpsert = `
INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, enabled, user_agent, created_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, TRUE, $6, NOW(), NOW())
ON CONFLICT (endpoint) DO UPDATE
SET user_id      = EXCLUDED.user_id,
    p256dh       = EXCLUDED.p256dh,
    auth         = EXCLUDED.auth,
    user_agent   = EXCLUDED.user_agent,
    enabled      = TRUE,
    last_seen_at = NOW()
RETURNING id, user_id, endpoint, p256dh, auth, enabled, COALESCE(user_agent, ''), created_at, last_seen_at;
`

	qSubByUser = `
SELECT id, user_id, endpoint, p256dh, auth, enabled, COALESCE(user_agent, ''), created_at, last_seen_at
FROM push_subscriptions
WHERE user_id = $1 AND (NOT $2 OR enabled)
ORDER BY created_at;
`

	qSubByEndpoint = `
SELECT id, user_id, endpoint, p256dh, auth, enabled, COALESCE(user_agent, ''), created_at, last_seen_at
FROM push_subscriptions
WHERE endpoint = $1;
`

	qSubDisable = `UPDATE push_subscriptions SET enabled = FALSE WHERE endpoint = $1;`

	qSubDelete = `DELETE FROM push_subscriptions WHERE endpoint = $1;`

	qSubDeleteMany = `DELETE FROM push_subscriptions WHERE endpoint = ANY($1);`

	qSubDeleteStale = `
DELETE FROM push_subscriptions
WHERE enabled = FALSE AND last_seen_at < NOW() - $1::interval;
`

	qSubTicketHolders = `
SELECT DISTINCT s.id, s.user_id, s.endpoint, s.p256dh, s.auth, s.enabled, COALESCE(s.user_agent, ''), s.created_at, s.last_seen_at
FROM push_subscriptions s
JOIN tickets t ON t.user_id = s.user_id
WHERE t.event_id = $1 AND t.status = 'ACTIVE' AND s.enabled
ORDER BY s.created_at;
`

	qSubTouch = `UPDATE push_subscriptions SET last_seen_at = NOW() WHERE endpoint = ANY($1);`

	qSubCounts = `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE enabled),
       COUNT(*) FILTER (WHERE NOT enabled)
FROM push_subscriptions;
`
)

func scanSub(row pgx.Row, s *subscription.PushSubscription) error {
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.Endpoint,
		&s.P256DH,
		&s.Auth,
		&s.Enabled,
		&s.UserAgent,
		&s.CreatedAt,
		&s.LastSeenAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("scan subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepo) Create(ctx context.Context, userID string, data subscription.Data, userAgent string) (*subscription.PushSubscription, error) {
	if problems := data.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid subscription data: %v", problems)
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var s subscription.PushSubscription
	row := r.db.Pool.QueryRow(ctx, qSubUpsert,
		uuid.NewString(), userID, data.Endpoint, data.Keys.P256DH, data.Keys.Auth, nullStr(userAgent))
	if err := scanSub(row, &s); err != nil {
		return nil, fmt.Errorf("upsert subscription: %w", err)
	}
	return &s, nil
}

func (r *SubscriptionRepo) GetByUser(ctx context.Context, userID string, enabledOnly bool) ([]*subscription.PushSubscription, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, qSubByUser, userID, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubs(rows)
}

func (r *SubscriptionRepo) GetByEndpoint(ctx context.Context, endpoint string) (*subscription.PushSubscription, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var s subscription.PushSubscription
	if err := scanSub(r.db.Pool.QueryRow(ctx, qSubByEndpoint, endpoint), &s); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *SubscriptionRepo) Disable(ctx context.Context, endpoint string) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	cmd, err := r.db.Pool.Exec(ctx, qSubDisable, endpoint)
	if err != nil {
		return false, fmt.Errorf("disable subscription: %w", err)
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *SubscriptionRepo) Delete(ctx context.Context, endpoint string) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	cmd, err := r.db.Pool.Exec(ctx, qSubDelete, endpoint)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *SubscriptionRepo) CleanupInvalid(ctx context.Context, endpoints []string) (int64, error) {
	if len(endpoints) == 0 {
		return 0, nil
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	cmd, err := r.db.Pool.Exec(ctx, qSubDeleteMany, endpoints)
	if err != nil {
		return 0, fmt.Errorf("cleanup invalid subscriptions: %w", err)
	}
	return cmd.RowsAffected(), nil
}

func (r *SubscriptionRepo) CleanupStaleDisabled(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	interval := fmt.Sprintf("%d seconds", int64(olderThan/time.Second))
	cmd, err := r.db.Pool.Exec(ctx, qSubDeleteStale, interval)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale subscriptions: %w", err)
	}
	return cmd.RowsAffected(), nil
}

func (r *SubscriptionRepo) ForEventTicketHolders(ctx context.Context, eventID string) ([]*subscription.PushSubscription, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, qSubTicketHolders, eventID)
	if err != nil {
		return nil, fmt.Errorf("query ticket holder subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubs(rows)
}

func (r *SubscriptionRepo) TouchLastSeen(ctx context.Context, endpoints []string) error {
	if len(endpoints) == 0 {
		return nil
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if _, err := r.db.Pool.Exec(ctx, qSubTouch, endpoints); err != nil {
		return fmt.Errorf("touch last_seen: %w", err)
	}
	return nil
}

func (r *SubscriptionRepo) Counts(ctx context.Context) (total, active, disabled int64, err error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if err = r.db.Pool.QueryRow(ctx, qSubCounts).Scan(&total, &active, &disabled); err != nil {
		return 0, 0, 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return total, active, disabled, nil
}

func collectSubs(rows pgx.Rows) ([]*subscription.PushSubscription, error) {
	var out []*subscription.PushSubscription
	for rows.Next() {
		var s subscription.PushSubscription
		if err := scanSub(rows, &s); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
