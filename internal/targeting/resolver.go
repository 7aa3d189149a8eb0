// Package targeting computes the audience for a notification job: which
// subscriptions should receive it, given ticket ownership, notification
// preferences, city, or an explicit user list. Resolutions are memoized
// for a short window because a burst of event changes hits the same
// audience repeatedly.
package targeting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iwent-com-tr/bilet-push/internal/domain/subscription"
)

const cacheTTL = 5 * time.Minute

// Directory answers audience questions over the platform's user data.
type Directory interface {
	UsersWithEventTickets(ctx context.Context, eventID string) ([]string, error)
	UsersWithNotificationPreference(ctx context.Context, category string, enabled bool) ([]string, error)
	UsersByCity(ctx context.Context, city string) ([]string, error)
	SubscriptionsByUsers(ctx context.Context, userIDs []string) ([]*subscription.PushSubscription, error)
}

// Filters select an audience. Exactly one primary selector is honored, in
// this order: EventID, NotificationCategory, City, UserIDs. ExcludeUserIDs
// is subtracted after the primary selection.
type Filters struct {
	EventID              string
	NotificationCategory string
	CategoryEnabled      bool
	City                 string
	UserIDs              []string
	ExcludeUserIDs       []string
}

// Resolution is a resolved audience. CacheHit reports whether the backing
// store was consulted.
type Resolution struct {
	UserIDs       []string
	Subscriptions []*subscription.PushSubscription
	CacheHit      bool
}

type Resolver struct {
	dir   Directory
	store subscription.Store
	log   *zap.Logger
	cache *ttlCache
}

func NewResolver(dir Directory, store subscription.Store, l *zap.Logger) *Resolver {
	return &Resolver{
		dir:   dir,
		store: store,
		log:   l.With(zap.String("component", "targeting")),
		cache: newTTLCache(cacheTTL),
	}
}

func (r *Resolver) UsersWithEventTickets(ctx context.Context, eventID string) ([]string, error) {
	key := "event-users:" + eventID
	if v, ok := r.cache.get(key); ok {
		return v.([]string), nil
	}
	ids, err := r.dir.UsersWithEventTickets(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("users with tickets: %w", err)
	}
	r.cache.set(key, ids)
	return ids, nil
}

func (r *Resolver) SubscriptionsForEventTicketHolders(ctx context.Context, eventID string) ([]*subscription.PushSubscription, error) {
	key := "event-subs:" + eventID
	if v, ok := r.cache.get(key); ok {
		return v.([]*subscription.PushSubscription), nil
	}
	subs, err := r.store.ForEventTicketHolders(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("subscriptions for ticket holders: %w", err)
	}
	r.cache.set(key, subs)
	return subs, nil
}

func (r *Resolver) UsersWithNotificationPreference(ctx context.Context, category string, enabled bool) ([]string, error) {
	key := fmt.Sprintf("category-users:%s:%t", category, enabled)
	if v, ok := r.cache.get(key); ok {
		return v.([]string), nil
	}
	ids, err := r.dir.UsersWithNotificationPreference(ctx, category, enabled)
	if err != nil {
		return nil, fmt.Errorf("users by preference: %w", err)
	}
	r.cache.set(key, ids)
	return ids, nil
}

func (r *Resolver) SubscriptionsWithNotificationPreference(ctx context.Context, category string, enabled bool) ([]*subscription.PushSubscription, error) {
	key := fmt.Sprintf("category-subs:%s:%t", category, enabled)
	if v, ok := r.cache.get(key); ok {
		return v.([]*subscription.PushSubscription), nil
	}
	ids, err := r.UsersWithNotificationPreference(ctx, category, enabled)
	if err != nil {
		return nil, err
	}
	subs, err := r.dir.SubscriptionsByUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("subscriptions by preference: %w", err)
	}
	r.cache.set(key, subs)
	return subs, nil
}

func (r *Resolver) UsersByCity(ctx context.Context, city string) ([]string, error) {
	key := "city-users:" + strings.ToLower(city)
	if v, ok := r.cache.get(key); ok {
		return v.([]string), nil
	}
	ids, err := r.dir.UsersByCity(ctx, city)
	if err != nil {
		return nil, fmt.Errorf("users by city: %w", err)
	}
	r.cache.set(key, ids)
	return ids, nil
}

// Resolve computes the audience for a composite filter set.
func (r *Resolver) Resolve(ctx context.Context, f Filters) (*Resolution, error) {
	key := filterKey(f)
	if v, ok := r.cache.get(key); ok {
		cached := v.(*Resolution)
		return &Resolution{UserIDs: cached.UserIDs, Subscriptions: cached.Subscriptions, CacheHit: true}, nil
	}

	userIDs, err := r.primaryUsers(ctx, f)
	if err != nil {
		return nil, err
	}
	userIDs = subtract(userIDs, f.ExcludeUserIDs)

	subs, err := r.dir.SubscriptionsByUsers(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve subscriptions: %w", err)
	}

	res := &Resolution{UserIDs: userIDs, Subscriptions: subs}
	r.cache.set(key, res)

	r.log.Debug("audience resolved",
		zap.String("key", key),
		zap.Int("users", len(userIDs)),
		zap.Int("subscriptions", len(subs)))
	return res, nil
}

func (r *Resolver) primaryUsers(ctx context.Context, f Filters) ([]string, error) {
	switch {
	case f.EventID != "":
		return r.UsersWithEventTickets(ctx, f.EventID)
	case f.NotificationCategory != "":
		return r.UsersWithNotificationPreference(ctx, f.NotificationCategory, f.CategoryEnabled)
	case f.City != "":
		return r.UsersByCity(ctx, f.City)
	case len(f.UserIDs) > 0:
		ids := append([]string(nil), f.UserIDs...)
		sort.Strings(ids)
		return ids, nil
	default:
		return nil, fmt.Errorf("resolve: no selection criteria given")
	}
}

// InvalidateEventCache clears entries scoped to one event plus aggregate
// stats, leaving unrelated keys intact.
func (r *Resolver) InvalidateEventCache(eventID string) {
	r.cache.deleteMatching(func(key string) bool {
		return strings.Contains(key, "event-users:"+eventID) ||
			strings.Contains(key, "event-subs:"+eventID) ||
			strings.Contains(key, "event="+eventID+"|") ||
			strings.HasPrefix(key, "stats:")
	})
}

func (r *Resolver) InvalidateNotificationCache(category string) {
	r.cache.deleteMatching(func(key string) bool {
		return strings.Contains(key, "category-users:"+category+":") ||
			strings.Contains(key, "category-subs:"+category+":") ||
			strings.Contains(key, "category="+category+":") ||
			strings.HasPrefix(key, "stats:")
	})
}

// InvalidateCache clears every entry, or only those containing pattern.
func (r *Resolver) InvalidateCache(pattern string) {
	if pattern == "" {
		r.cache.clear()
		return
	}
	r.cache.deleteMatching(func(key string) bool {
		return strings.Contains(key, pattern)
	})
}

// SubscriptionStats is an aggregate snapshot cached alongside audience
// resolutions and invalidated with them.
func (r *Resolver) SubscriptionStats(ctx context.Context) (total, active, disabled int64, err error) {
	type stats struct{ total, active, disabled int64 }

	if v, ok := r.cache.get("stats:subscriptions"); ok {
		s := v.(stats)
		return s.total, s.active, s.disabled, nil
	}
	total, active, disabled, err = r.store.Counts(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("subscription stats: %w", err)
	}
	r.cache.set("stats:subscriptions", stats{total, active, disabled})
	return total, active, disabled, nil
}

// filterKey is deterministic: ID lists are sorted before joining.
func filterKey(f Filters) string {
	ids := append([]string(nil), f.UserIDs...)
	sort.Strings(ids)
	excl := append([]string(nil), f.ExcludeUserIDs...)
	sort.Strings(excl)
	return fmt.Sprintf("resolve:event=%s|category=%s:%t|city=%s|ids=%s|excl=%s",
		f.EventID,
		f.NotificationCategory, f.CategoryEnabled,
		strings.ToLower(f.City),
		strings.Join(ids, ","),
		strings.Join(excl, ","))
}

func subtract(ids, exclude []string) []string {
	if len(exclude) == 0 {
		return ids
	}
	drop := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		drop[id] = struct{}{}
	}
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
