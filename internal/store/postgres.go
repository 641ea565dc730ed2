package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type rowScanner interface {
	Scan(dest ...any) error
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// userRepo implements UserRepository.
type userRepo struct {
	pool Pool
}

const userColumns = `id, email, name, access_token, refresh_token, access_token_expires_at, created_at, updated_at`

func scanUser(row rowScanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.AccessToken, &u.RefreshToken, &u.AccessTokenExpiresAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (r *userRepo) Get(ctx context.Context, id string) (*User, error) {
	defer observeDB(ctx, "users.get")()
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	defer observeDB(ctx, "users.get_by_email")()
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email))
}

func (r *userRepo) Create(ctx context.Context, user User) (*User, error) {
	defer observeDB(ctx, "users.create")()
	const q = `INSERT INTO users (id, email, name, access_token, refresh_token, access_token_expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at, updated_at`
	if err := r.pool.QueryRow(ctx, q, user.ID, user.Email, user.Name, user.AccessToken, user.RefreshToken, user.AccessTokenExpiresAt).
		Scan(&user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, fmt.Errorf("create user: %w", mapErr(err))
	}
	return &user, nil
}

func (r *userRepo) UpdateTokens(ctx context.Context, id string, update TokenUpdate) error {
	defer observeDB(ctx, "users.update_tokens")()
	const q = `UPDATE users SET
    access_token=$2,
    refresh_token=COALESCE(NULLIF($3, ''), refresh_token),
    access_token_expires_at=$4,
    email=COALESCE(NULLIF($5, ''), email),
    name=COALESCE(NULLIF($6, ''), name),
    updated_at=NOW()
WHERE id=$1`
	tag, err := r.pool.Exec(ctx, q, id, update.AccessToken, update.RefreshToken, update.ExpiresAt, update.Email, update.Name)
	if err != nil {
		return fmt.Errorf("update tokens: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// discordChannelRepo implements DiscordChannelRepository.
type discordChannelRepo struct {
	pool Pool
}

const channelColumns = `id, user_id, name, webhook_url, is_default, created_at, updated_at`

func scanChannel(row rowScanner) (*DiscordChannel, error) {
	var c DiscordChannel
	if err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.WebhookURL, &c.IsDefault, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (r *discordChannelRepo) Create(ctx context.Context, channel DiscordChannel) (*DiscordChannel, error) {
	defer observeDB(ctx, "discord_channels.create")()
	if channel.ID == "" {
		channel.ID = newID()
	}
	const q = `INSERT INTO discord_channels (id, user_id, name, webhook_url, is_default)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at, updated_at`
	if err := r.pool.QueryRow(ctx, q, channel.ID, channel.UserID, channel.Name, channel.WebhookURL, channel.IsDefault).
		Scan(&channel.CreatedAt, &channel.UpdatedAt); err != nil {
		return nil, fmt.Errorf("create discord channel: %w", mapErr(err))
	}
	return &channel, nil
}

func (r *discordChannelRepo) Get(ctx context.Context, id string) (*DiscordChannel, error) {
	defer observeDB(ctx, "discord_channels.get")()
	return scanChannel(r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM discord_channels WHERE id=$1`, id))
}

func (r *discordChannelRepo) ListByUser(ctx context.Context, userID string) ([]DiscordChannel, error) {
	defer observeDB(ctx, "discord_channels.list_by_user")()
	rows, err := r.pool.Query(ctx, `SELECT `+channelColumns+` FROM discord_channels WHERE user_id=$1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list discord channels: %w", err)
	}
	defer rows.Close()

	var out []DiscordChannel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// subscriptionRepo implements SubscriptionRepository.
type subscriptionRepo struct {
	pool Pool
}

const subscriptionColumns = `id, user_id, calendar_id, calendar_summary, discord_channel_id, active,
    notify_new_events, notify_updates, notify_cancellations, notify_window_minutes,
    COALESCE(google_channel_id, ''), COALESCE(google_resource_id, ''), google_channel_expiration,
    COALESCE(sync_token, ''), last_sync_at, COALESCE(status_message_id, ''), COALESCE(status_message_date, ''),
    created_at, updated_at`

func scanSubscription(row rowScanner) (*CalendarSubscription, error) {
	var (
		s          CalendarSubscription
		expiration *time.Time
	)
	if err := row.Scan(
		&s.ID, &s.UserID, &s.CalendarID, &s.CalendarSummary, &s.DiscordChannelID, &s.Active,
		&s.NotifyNewEvents, &s.NotifyUpdates, &s.NotifyCancellations, &s.NotifyWindowMinutes,
		&s.GoogleChannelID, &s.GoogleResourceID, &expiration,
		&s.SyncToken, &s.LastSyncAt, &s.StatusMessageID, &s.StatusMessageDate,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, mapErr(err)
	}
	if expiration != nil {
		s.GoogleChannelExpiration = *expiration
	}
	return &s, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *subscriptionRepo) Create(ctx context.Context, sub CalendarSubscription) (*CalendarSubscription, error) {
	defer observeDB(ctx, "subscriptions.create")()
	if sub.ID == "" {
		sub.ID = newID()
	}
	const q = `INSERT INTO calendar_subscriptions (
    id, user_id, calendar_id, calendar_summary, discord_channel_id, active,
    notify_new_events, notify_updates, notify_cancellations, notify_window_minutes
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING created_at, updated_at`
	if err := r.pool.QueryRow(ctx, q,
		sub.ID, sub.UserID, sub.CalendarID, sub.CalendarSummary, sub.DiscordChannelID, sub.Active,
		sub.NotifyNewEvents, sub.NotifyUpdates, sub.NotifyCancellations, sub.NotifyWindowMinutes,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, fmt.Errorf("create subscription: %w", mapErr(err))
	}
	return &sub, nil
}

func (r *subscriptionRepo) Get(ctx context.Context, id string) (*CalendarSubscription, error) {
	defer observeDB(ctx, "subscriptions.get")()
	return scanSubscription(r.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM calendar_subscriptions WHERE id=$1`, id))
}

func (r *subscriptionRepo) FindByGoogleChannel(ctx context.Context, channelID string) (*CalendarSubscription, error) {
	defer observeDB(ctx, "subscriptions.find_by_channel")()
	return scanSubscription(r.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM calendar_subscriptions WHERE google_channel_id=$1`, channelID))
}

func (r *subscriptionRepo) ListByUser(ctx context.Context, userID string) ([]CalendarSubscription, error) {
	defer observeDB(ctx, "subscriptions.list_by_user")()
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM calendar_subscriptions WHERE user_id=$1 ORDER BY created_at, id`, userID)
}

func (r *subscriptionRepo) ListActive(ctx context.Context) ([]CalendarSubscription, error) {
	defer observeDB(ctx, "subscriptions.list_active")()
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM calendar_subscriptions WHERE active ORDER BY created_at, id`)
}

func (r *subscriptionRepo) ListExpiringBefore(ctx context.Context, t time.Time) ([]CalendarSubscription, error) {
	defer observeDB(ctx, "subscriptions.list_expiring")()
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM calendar_subscriptions
WHERE active AND (google_channel_id IS NULL OR google_channel_expiration IS NULL OR google_channel_expiration < $1)
ORDER BY google_channel_expiration NULLS FIRST, id`, t)
}

func (r *subscriptionRepo) list(ctx context.Context, q string, args ...any) ([]CalendarSubscription, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []CalendarSubscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Update reads the row under a lock, applies the partial update and writes
// every mutable column back, so concurrent partial updates do not interleave.
func (r *subscriptionRepo) Update(ctx context.Context, id string, update SubscriptionUpdate) (*CalendarSubscription, error) {
	defer observeDB(ctx, "subscriptions.update")()

	var updated *CalendarSubscription
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		current, err := scanSubscription(tx.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM calendar_subscriptions WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		update.apply(current)

		const q = `UPDATE calendar_subscriptions SET
    calendar_summary=$2, discord_channel_id=$3, active=$4,
    notify_new_events=$5, notify_updates=$6, notify_cancellations=$7, notify_window_minutes=$8,
    google_channel_id=NULLIF($9, ''), google_resource_id=NULLIF($10, ''), google_channel_expiration=$11,
    sync_token=NULLIF($12, ''), last_sync_at=$13,
    status_message_id=NULLIF($14, ''), status_message_date=NULLIF($15, ''),
    updated_at=NOW()
WHERE id=$1
RETURNING updated_at`
		return tx.QueryRow(ctx, q,
			current.ID, current.CalendarSummary, current.DiscordChannelID, current.Active,
			current.NotifyNewEvents, current.NotifyUpdates, current.NotifyCancellations, current.NotifyWindowMinutes,
			current.GoogleChannelID, current.GoogleResourceID, nullableTime(current.GoogleChannelExpiration),
			current.SyncToken, current.LastSyncAt,
			current.StatusMessageID, current.StatusMessageDate,
		).Scan(&current.UpdatedAt)
		if err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update subscription %s: %w", id, mapErr(err))
	}
	return updated, nil
}

// eventCacheRepo implements EventCache on the cached_events table.
type eventCacheRepo struct {
	pool Pool
	ttl  time.Duration
}

func (r *eventCacheRepo) Get(ctx context.Context, subscriptionID, eventID string) (*CachedEvent, error) {
	defer observeDB(ctx, "event_cache.get")()
	const q = `SELECT event_id, etag, start_time, end_time, summary, location, status, last_seen_at
FROM cached_events WHERE subscription_id=$1 AND event_id=$2 AND expires_at > NOW()`
	var e CachedEvent
	if err := r.pool.QueryRow(ctx, q, subscriptionID, eventID).
		Scan(&e.EventID, &e.ETag, &e.StartTime, &e.EndTime, &e.Summary, &e.Location, &e.Status, &e.LastSeenAt); err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (r *eventCacheRepo) Put(ctx context.Context, subscriptionID string, event CachedEvent) error {
	defer observeDB(ctx, "event_cache.put")()
	if event.LastSeenAt.IsZero() {
		event.LastSeenAt = time.Now()
	}
	const q = `INSERT INTO cached_events (subscription_id, event_id, etag, start_time, end_time, summary, location, status, last_seen_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (subscription_id, event_id) DO UPDATE SET
    etag=EXCLUDED.etag, start_time=EXCLUDED.start_time, end_time=EXCLUDED.end_time,
    summary=EXCLUDED.summary, location=EXCLUDED.location, status=EXCLUDED.status,
    last_seen_at=EXCLUDED.last_seen_at, expires_at=EXCLUDED.expires_at`
	_, err := r.pool.Exec(ctx, q, subscriptionID, event.EventID, event.ETag, event.StartTime, event.EndTime,
		event.Summary, event.Location, event.Status, event.LastSeenAt, event.LastSeenAt.Add(r.ttl))
	if err != nil {
		return fmt.Errorf("cache event %s: %w", event.EventID, err)
	}
	return nil
}

func (r *eventCacheRepo) Clear(ctx context.Context, subscriptionID string) error {
	defer observeDB(ctx, "event_cache.clear")()
	if _, err := r.pool.Exec(ctx, `DELETE FROM cached_events WHERE subscription_id=$1`, subscriptionID); err != nil {
		return fmt.Errorf("clear event cache: %w", err)
	}
	return nil
}

func (r *eventCacheRepo) PurgeExpired(ctx context.Context) (int64, error) {
	defer observeDB(ctx, "event_cache.purge")()
	tag, err := r.pool.Exec(ctx, `DELETE FROM cached_events WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge event cache: %w", err)
	}
	return tag.RowsAffected(), nil
}
