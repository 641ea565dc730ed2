// Package badgercache implements store.EventCache on an embedded Badger
// database, using Badger's native per-key TTL for expiry.
package badgercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"

	"gitea.jw6.us/james/calcord/internal/store"
)

const keyPrefix = "event:"

type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// Open opens (or creates) a Badger directory. An empty dir runs in memory.
func Open(dir string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return New(db, ttl), nil
}

func New(db *badger.DB, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = store.DefaultCacheTTL
	}
	return &Cache{db: db, ttl: ttl}
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func subscriptionPrefix(subscriptionID string) []byte {
	return []byte(keyPrefix + subscriptionID + ":")
}

func eventKey(subscriptionID, eventID string) []byte {
	return append(subscriptionPrefix(subscriptionID), eventID...)
}

type record struct {
	ETag       string    `json:"etag"`
	StartTime  string    `json:"start_time"`
	EndTime    string    `json:"end_time"`
	Summary    string    `json:"summary"`
	Location   string    `json:"location"`
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (c *Cache) Get(ctx context.Context, subscriptionID, eventID string) (*store.CachedEvent, error) {
	var rec record
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(eventKey(subscriptionID, eventID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s/%s: %w", subscriptionID, eventID, err)
	}
	return &store.CachedEvent{
		EventID:    eventID,
		ETag:       rec.ETag,
		StartTime:  rec.StartTime,
		EndTime:    rec.EndTime,
		Summary:    rec.Summary,
		Location:   rec.Location,
		Status:     rec.Status,
		LastSeenAt: rec.LastSeenAt,
	}, nil
}

func (c *Cache) Put(ctx context.Context, subscriptionID string, event store.CachedEvent) error {
	if event.LastSeenAt.IsZero() {
		event.LastSeenAt = time.Now()
	}
	val, err := json.Marshal(record{
		ETag:       event.ETag,
		StartTime:  event.StartTime,
		EndTime:    event.EndTime,
		Summary:    event.Summary,
		Location:   event.Location,
		Status:     event.Status,
		LastSeenAt: event.LastSeenAt,
	})
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(eventKey(subscriptionID, event.EventID), val).WithTTL(c.ttl))
	})
}

func (c *Cache) Clear(ctx context.Context, subscriptionID string) error {
	return c.db.DropPrefix(subscriptionPrefix(subscriptionID))
}

// PurgeExpired reclaims value log space. Expired keys are already invisible
// to reads, so there is nothing to count.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	err := c.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
		return 0, fmt.Errorf("badger value log gc: %w", err)
	}
	return 0, nil
}

// Count returns the live entries for a subscription.
func (c *Cache) Count(subscriptionID string) (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = subscriptionPrefix(subscriptionID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) logger() *slog.Logger {
	if b.l == nil {
		return slog.Default()
	}
	return b.l
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.logger().Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.logger().Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.logger().Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.logger().Debug(fmt.Sprintf(format, args...), "component", "badger")
}
