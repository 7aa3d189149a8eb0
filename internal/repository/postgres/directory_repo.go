package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/iwent-com-tr/bilet-push/internal/domain/subscription"
	"github.com/iwent-com-tr/bilet-push/internal/targeting"
)

var _ targeting.Directory = (*DirectoryRepo)(nil)

// DirectoryRepo answers audience questions over the platform's relational
// schema: who holds tickets, who opted into a notification category, who
// lives where. It only reads.
type DirectoryRepo struct {
	db *DB
}

func NewDirectoryRepo(db *DB) *DirectoryRepo { return &DirectoryRepo{db: db} }

const (
	qTicketHolders = `
SELECT DISTINCT user_id
FROM tickets
WHERE event_id = $1 AND status = 'ACTIVE';
`

	qUsersByPreference = `
SELECT user_id
FROM notification_preferences
WHERE category = $1 AND enabled = $2;
`

	qUsersByCity = `
SELECT id
FROM users
WHERE LOWER(city) = LOWER($1);
`

	qSubsByUsers = `
SELECT id, user_id, endpoint, p256dh, auth, enabled, COALESCE(user_agent, ''), created_at, last_seen_at
FROM push_subscriptions
WHERE user_id = ANY($1) AND enabled
ORDER BY created_at;
`

	qEventTitle = `SELECT name FROM events WHERE id = $1;`
)

func (r *DirectoryRepo) UsersWithEventTickets(ctx context.Context, eventID string) ([]string, error) {
	return r.queryIDs(ctx, qTicketHolders, eventID)
}

func (r *DirectoryRepo) UsersWithNotificationPreference(ctx context.Context, category string, enabled bool) ([]string, error) {
	return r.queryIDs(ctx, qUsersByPreference, category, enabled)
}

func (r *DirectoryRepo) UsersByCity(ctx context.Context, city string) ([]string, error) {
	return r.queryIDs(ctx, qUsersByCity, city)
}

func (r *DirectoryRepo) SubscriptionsByUsers(ctx context.Context, userIDs []string) ([]*subscription.PushSubscription, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, qSubsByUsers, userIDs)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions by users: %w", err)
	}
	defer rows.Close()
	return collectSubs(rows)
}

func (r *DirectoryRepo) EventTitle(ctx context.Context, eventID string) (string, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var name string
	if err := r.db.Pool.QueryRow(ctx, qEventTitle, eventID).Scan(&name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("query event title: %w", err)
	}
	return name, nil
}

func (r *DirectoryRepo) queryIDs(ctx context.Context, q string, args ...any) ([]string, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query user ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}
