package store

import (
	"context"
	"time"
)

// UserRepository persists users and their OAuth credentials.
type UserRepository interface {
	Get(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, user User) (*User, error)
	UpdateTokens(ctx context.Context, id string, update TokenUpdate) error
}

// DiscordChannelRepository persists Discord webhook targets.
type DiscordChannelRepository interface {
	Create(ctx context.Context, channel DiscordChannel) (*DiscordChannel, error)
	Get(ctx context.Context, id string) (*DiscordChannel, error)
	ListByUser(ctx context.Context, userID string) ([]DiscordChannel, error)
}

// SubscriptionRepository persists calendar subscriptions and their push
// channel index.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub CalendarSubscription) (*CalendarSubscription, error)
	Get(ctx context.Context, id string) (*CalendarSubscription, error)
	ListByUser(ctx context.Context, userID string) ([]CalendarSubscription, error)
	ListActive(ctx context.Context) ([]CalendarSubscription, error)
	// ListExpiringBefore returns active subscriptions whose push channel
	// expires before t, or that have none.
	ListExpiringBefore(ctx context.Context, t time.Time) ([]CalendarSubscription, error)
	FindByGoogleChannel(ctx context.Context, channelID string) (*CalendarSubscription, error)
	Update(ctx context.Context, id string, update SubscriptionUpdate) (*CalendarSubscription, error)
}

// EventCache keeps the last observed state of each event per subscription.
// Entries expire after the backend's TTL; an expired entry reads as missing.
type EventCache interface {
	Get(ctx context.Context, subscriptionID, eventID string) (*CachedEvent, error)
	Put(ctx context.Context, subscriptionID string, event CachedEvent) error
	Clear(ctx context.Context, subscriptionID string) error
	PurgeExpired(ctx context.Context) (int64, error)
}

// Sealer encrypts values stored at rest.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(ciphertext string) (string, error)
}
