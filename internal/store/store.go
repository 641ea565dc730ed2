package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DefaultCacheTTL bounds how long an unseen event stays in the cache.
const DefaultCacheTTL = 30 * 24 * time.Hour

// Pool is the subset of pgxpool.Pool used by the Postgres repositories.
type Pool interface {
	PgxPool
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Store aggregates the repositories the service depends on.
type Store struct {
	pool Pool

	Users           UserRepository
	DiscordChannels DiscordChannelRepository
	Subscriptions   SubscriptionRepository
	EventCache      EventCache
}

// New wires Postgres repositories over a shared pool. Credentials and
// webhook URLs are sealed before they are written.
func New(pool Pool, sealer Sealer, cacheTTL time.Duration) *Store {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Store{
		pool:            pool,
		Users:           &sealedUsers{next: &userRepo{pool: pool}, sealer: sealer},
		DiscordChannels: &sealedChannels{next: &discordChannelRepo{pool: pool}, sealer: sealer},
		Subscriptions:   &subscriptionRepo{pool: pool},
		EventCache:      &eventCacheRepo{pool: pool, ttl: cacheTTL},
	}
}

// NewMemory returns a process-local store for development and tests.
func NewMemory(sealer Sealer, cacheTTL time.Duration) *Store {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	db := newMemoryDB()
	return &Store{
		Users:           &sealedUsers{next: &memoryUsers{db: db}, sealer: sealer},
		DiscordChannels: &sealedChannels{next: &memoryChannels{db: db}, sealer: sealer},
		Subscriptions:   &memorySubscriptions{db: db},
		EventCache:      NewMemoryEventCache(cacheTTL),
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}

func newID() string {
	return uuid.NewString()
}
