package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryDB backs the in-memory repositories. It keeps the same secondary
// indexes the Postgres schema declares.
type memoryDB struct {
	mu            sync.RWMutex
	users         map[string]User
	channels      map[string]DiscordChannel
	subscriptions map[string]CalendarSubscription
	byPushChannel map[string]string
	now           func() time.Time
}

func newMemoryDB() *memoryDB {
	return &memoryDB{
		users:         make(map[string]User),
		channels:      make(map[string]DiscordChannel),
		subscriptions: make(map[string]CalendarSubscription),
		byPushChannel: make(map[string]string),
		now:           time.Now,
	}
}

type memoryUsers struct{ db *memoryDB }

func (r *memoryUsers) Get(_ context.Context, id string) (*User, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	u, ok := r.db.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (r *memoryUsers) GetByEmail(_ context.Context, email string) (*User, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, u := range r.db.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryUsers) Create(_ context.Context, user User) (*User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, exists := r.db.users[user.ID]; exists {
		return nil, ErrConflict
	}
	now := r.db.now()
	user.CreatedAt, user.UpdatedAt = now, now
	r.db.users[user.ID] = user
	return &user, nil
}

func (r *memoryUsers) UpdateTokens(_ context.Context, id string, update TokenUpdate) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[id]
	if !ok {
		return ErrNotFound
	}
	u.AccessToken = update.AccessToken
	u.AccessTokenExpiresAt = update.ExpiresAt
	if update.RefreshToken != "" {
		u.RefreshToken = update.RefreshToken
	}
	if update.Email != "" {
		u.Email = update.Email
	}
	if update.Name != "" {
		u.Name = update.Name
	}
	u.UpdatedAt = r.db.now()
	r.db.users[id] = u
	return nil
}

type memoryChannels struct{ db *memoryDB }

func (r *memoryChannels) Create(_ context.Context, channel DiscordChannel) (*DiscordChannel, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if channel.ID == "" {
		channel.ID = newID()
	}
	if _, exists := r.db.channels[channel.ID]; exists {
		return nil, ErrConflict
	}
	now := r.db.now()
	channel.CreatedAt, channel.UpdatedAt = now, now
	r.db.channels[channel.ID] = channel
	return &channel, nil
}

func (r *memoryChannels) Get(_ context.Context, id string) (*DiscordChannel, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	c, ok := r.db.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r *memoryChannels) ListByUser(_ context.Context, userID string) ([]DiscordChannel, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []DiscordChannel
	for _, c := range r.db.channels {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type memorySubscriptions struct{ db *memoryDB }

func (r *memorySubscriptions) Create(_ context.Context, sub CalendarSubscription) (*CalendarSubscription, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if sub.ID == "" {
		sub.ID = newID()
	}
	if _, exists := r.db.subscriptions[sub.ID]; exists {
		return nil, ErrConflict
	}
	now := r.db.now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	r.db.subscriptions[sub.ID] = sub
	if sub.GoogleChannelID != "" {
		r.db.byPushChannel[sub.GoogleChannelID] = sub.ID
	}
	return &sub, nil
}

func (r *memorySubscriptions) Get(_ context.Context, id string) (*CalendarSubscription, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	s, ok := r.db.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *memorySubscriptions) FindByGoogleChannel(_ context.Context, channelID string) (*CalendarSubscription, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	id, ok := r.db.byPushChannel[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	s, ok := r.db.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *memorySubscriptions) ListByUser(_ context.Context, userID string) ([]CalendarSubscription, error) {
	return r.filter(func(s *CalendarSubscription) bool { return s.UserID == userID }), nil
}

func (r *memorySubscriptions) ListActive(_ context.Context) ([]CalendarSubscription, error) {
	return r.filter(func(s *CalendarSubscription) bool { return s.Active }), nil
}

func (r *memorySubscriptions) ListExpiringBefore(_ context.Context, t time.Time) ([]CalendarSubscription, error) {
	return r.filter(func(s *CalendarSubscription) bool {
		return s.Active && (!s.HasWatchChannel() || s.GoogleChannelExpiration.IsZero() || s.GoogleChannelExpiration.Before(t))
	}), nil
}

func (r *memorySubscriptions) filter(keep func(*CalendarSubscription) bool) []CalendarSubscription {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []CalendarSubscription
	for _, s := range r.db.subscriptions {
		if keep(&s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *memorySubscriptions) Update(_ context.Context, id string, update SubscriptionUpdate) (*CalendarSubscription, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if update.Watch != nil {
		if owner, taken := r.db.byPushChannel[update.Watch.ChannelID]; taken && owner != id {
			return nil, ErrConflict
		}
	}

	oldChannel := s.GoogleChannelID
	update.apply(&s)
	if oldChannel != s.GoogleChannelID {
		delete(r.db.byPushChannel, oldChannel)
		if s.GoogleChannelID != "" {
			r.db.byPushChannel[s.GoogleChannelID] = id
		}
	}
	s.UpdatedAt = r.db.now()
	r.db.subscriptions[id] = s
	return &s, nil
}

type memoryEntry struct {
	event   CachedEvent
	expires time.Time
}

// MemoryEventCache is an EventCache held in process memory.
type MemoryEventCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]map[string]memoryEntry
}

func NewMemoryEventCache(ttl time.Duration) *MemoryEventCache {
	return &MemoryEventCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]map[string]memoryEntry),
	}
}

func (c *MemoryEventCache) Get(_ context.Context, subscriptionID, eventID string) (*CachedEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[subscriptionID][eventID]
	if !ok || !c.now().Before(e.expires) {
		return nil, ErrNotFound
	}
	ev := e.event
	return &ev, nil
}

func (c *MemoryEventCache) Put(_ context.Context, subscriptionID string, event CachedEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if event.LastSeenAt.IsZero() {
		event.LastSeenAt = now
	}
	bucket, ok := c.entries[subscriptionID]
	if !ok {
		bucket = make(map[string]memoryEntry)
		c.entries[subscriptionID] = bucket
	}
	bucket[event.EventID] = memoryEntry{event: event, expires: now.Add(c.ttl)}
	return nil
}

func (c *MemoryEventCache) Clear(_ context.Context, subscriptionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, subscriptionID)
	return nil
}

func (c *MemoryEventCache) PurgeExpired(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var purged int64
	for sub, bucket := range c.entries {
		for id, e := range bucket {
			if !now.Before(e.expires) {
				delete(bucket, id)
				purged++
			}
		}
		if len(bucket) == 0 {
			delete(c.entries, sub)
		}
	}
	return purged, nil
}

// Len reports the number of live entries for a subscription.
func (c *MemoryEventCache) Len(subscriptionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	now := c.now()
	for _, e := range c.entries[subscriptionID] {
		if now.Before(e.expires) {
			n++
		}
	}
	return n
}
