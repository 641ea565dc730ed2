// Package calsync keeps Discord channels in step with Google calendars:
// incremental event sync, change detection, notification filtering and
// push channel lifecycle.
package calsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"gitea.jw6.us/james/calcord/internal/discord"
	"gitea.jw6.us/james/calcord/internal/gcal"
	"gitea.jw6.us/james/calcord/internal/metrics"
	"gitea.jw6.us/james/calcord/internal/statusboard"
	"gitea.jw6.us/james/calcord/internal/store"
)

// ErrForbidden is returned when a user acts on a record they do not own.
var ErrForbidden = errors.New("calsync: not owned by user")

// Notifier delivers embeds to a Discord webhook.
type Notifier interface {
	Send(ctx context.Context, webhookURL string, params *discordgo.WebhookParams) (*discordgo.Message, error)
	Edit(ctx context.Context, webhookURL, messageID string, edit *discordgo.WebhookEdit) (*discordgo.Message, error)
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Users         store.UserRepository
	Channels      store.DiscordChannelRepository
	Subscriptions store.SubscriptionRepository
	Cache         store.EventCache
	Calendar      gcal.Provider
	Notifier      Notifier
}

// Options tune an Engine. Zero values fall back to defaults.
type Options struct {
	// WebhookURL is the public address Google posts push notifications to.
	WebhookURL string
	Location   *time.Location
	// Roster enables the daily status board when set.
	Roster *statusboard.Roster
	// Workers bounds concurrency in batch jobs.
	Workers int
	Logger  *slog.Logger
}

const defaultWorkers = 4

// Engine runs syncs for calendar subscriptions.
type Engine struct {
	users    store.UserRepository
	channels store.DiscordChannelRepository
	subs     store.SubscriptionRepository
	cache    store.EventCache
	calendar gcal.Provider
	notifier Notifier

	webhookURL string
	loc        *time.Location
	roster     *statusboard.Roster
	workers    int
	logger     *slog.Logger

	now          func() time.Time
	newChannelID func() string
	locks        *keyedMutex
}

func NewEngine(deps Deps, opts Options) *Engine {
	e := &Engine{
		users:        deps.Users,
		channels:     deps.Channels,
		subs:         deps.Subscriptions,
		cache:        deps.Cache,
		calendar:     deps.Calendar,
		notifier:     deps.Notifier,
		webhookURL:   opts.WebhookURL,
		loc:          opts.Location,
		roster:       opts.Roster,
		workers:      opts.Workers,
		logger:       opts.Logger,
		now:          time.Now,
		newChannelID: uuid.NewString,
		locks:        newKeyedMutex(),
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.workers <= 0 {
		e.workers = defaultWorkers
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// SyncResult summarises one sync run.
type SyncResult struct {
	SubscriptionID string `json:"subscription_id"`
	// Skipped is set when the subscription is missing or inactive.
	Skipped          bool `json:"skipped,omitempty"`
	FirstSync        bool `json:"first_sync"`
	TokenReset       bool `json:"token_reset,omitempty"`
	Fetched          int  `json:"fetched"`
	Changes          int  `json:"changes"`
	Notified         int  `json:"notified"`
	Suppressed       int  `json:"suppressed"`
	FailedDeliveries int  `json:"failed_deliveries"`
	TokenStored      bool `json:"token_stored"`
}

// SubscribeRequest creates a subscription. Nil toggles default to on.
type SubscribeRequest struct {
	CalendarID          string
	CalendarSummary     string
	DiscordChannelID    string
	NotifyNewEvents     *bool
	NotifyUpdates       *bool
	NotifyCancellations *bool
	NotifyWindowMinutes int
}

// Subscribe links a calendar to one of the user's Discord channels, then
// primes the event cache and registers a push channel. Failures in those
// two follow-up steps are logged; the periodic jobs recover them.
func (e *Engine) Subscribe(ctx context.Context, userID string, req SubscribeRequest) (*store.CalendarSubscription, error) {
	if req.CalendarID == "" || req.DiscordChannelID == "" {
		return nil, errors.New("calendar id and discord channel id are required")
	}
	if req.NotifyWindowMinutes < 0 {
		return nil, errors.New("notify window must not be negative")
	}
	ch, err := e.channels.Get(ctx, req.DiscordChannelID)
	if err != nil {
		return nil, fmt.Errorf("load discord channel: %w", err)
	}
	// Foreign channels are reported as missing.
	if ch.UserID != userID {
		return nil, fmt.Errorf("discord channel %s: %w", req.DiscordChannelID, store.ErrNotFound)
	}

	summary := req.CalendarSummary
	if summary == "" {
		summary = req.CalendarID
	}
	sub, err := e.subs.Create(ctx, store.CalendarSubscription{
		UserID:              userID,
		CalendarID:          req.CalendarID,
		CalendarSummary:     summary,
		DiscordChannelID:    req.DiscordChannelID,
		Active:              true,
		NotifyNewEvents:     boolOr(req.NotifyNewEvents, true),
		NotifyUpdates:       boolOr(req.NotifyUpdates, true),
		NotifyCancellations: boolOr(req.NotifyCancellations, true),
		NotifyWindowMinutes: req.NotifyWindowMinutes,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	log := e.logger.With("subscription_id", sub.ID)
	log.Info("subscription created", "calendar_id", sub.CalendarID, "user_id", userID)

	if err := e.PerformInitialSync(ctx, sub.ID); err != nil {
		log.Error("initial sync failed", "err", err)
	}
	if err := e.SetupWatchChannel(ctx, sub.ID); err != nil {
		log.Error("watch channel setup failed", "err", err)
	}

	if fresh, err := e.subs.Get(ctx, sub.ID); err == nil {
		sub = fresh
	}
	return sub, nil
}

// Unsubscribe stops the push channel, best effort, and deactivates the
// subscription. The record is kept.
func (e *Engine) Unsubscribe(ctx context.Context, subID string) error {
	unlock := e.locks.Lock(subID)
	defer unlock()

	sub, err := e.subs.Get(ctx, subID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	e.stopChannel(ctx, sub)

	inactive := false
	if _, err := e.subs.Update(ctx, subID, store.SubscriptionUpdate{Active: &inactive, ClearWatch: true}); err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	e.logger.Info("subscription deactivated", "subscription_id", subID)
	return nil
}

// PerformInitialSync caches every upcoming event so later incremental runs
// only report real changes. It is safe to re-run before a token is stored:
// the cache is keyed by event id.
func (e *Engine) PerformInitialSync(ctx context.Context, subID string) (err error) {
	start := e.now()
	defer func() { metrics.ObserveSync("initial", start, err) }()

	unlock := e.locks.Lock(subID)
	defer unlock()

	sub, err := e.subs.Get(ctx, subID)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", subID, err)
	}
	if _, err := e.users.Get(ctx, sub.UserID); err != nil {
		return fmt.Errorf("load user for subscription %s: %w", subID, err)
	}

	log := e.logger.With("subscription_id", subID, "calendar_id", sub.CalendarID)
	events, syncToken, err := e.fetch(ctx, sub, "")
	if err != nil {
		return err
	}

	seen := e.now()
	cached := 0
	for _, ev := range events {
		if ev.Cancelled() {
			continue
		}
		if err := e.cache.Put(ctx, subID, cacheEntry(ev, seen)); err != nil {
			return fmt.Errorf("cache event %s: %w", ev.ID, err)
		}
		cached++
	}

	if syncToken == "" {
		log.Warn("initial sync returned no sync token", "events", len(events))
		return nil
	}
	if err := e.storeToken(ctx, subID, syncToken); err != nil {
		return err
	}
	log.Info("initial sync complete", "events", len(events), "cached", cached)
	return nil
}

// SyncSubscription fetches what changed since the stored sync token, diffs
// it against the cache and notifies the subscription's Discord channel.
func (e *Engine) SyncSubscription(ctx context.Context, subID string) (res *SyncResult, err error) {
	start := e.now()
	mode := "incremental"
	defer func() {
		if res != nil && res.Skipped {
			return
		}
		metrics.ObserveSync(mode, start, err)
	}()

	unlock := e.locks.Lock(subID)
	defer unlock()

	res = &SyncResult{SubscriptionID: subID}
	sub, err := e.subs.Get(ctx, subID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("sync skipped, subscription not found", "subscription_id", subID)
		res.Skipped = true
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription %s: %w", subID, err)
	}
	if !sub.Active {
		e.logger.Debug("sync skipped, subscription inactive", "subscription_id", subID)
		res.Skipped = true
		return res, nil
	}
	if _, err := e.users.Get(ctx, sub.UserID); err != nil {
		return nil, fmt.Errorf("load user for subscription %s: %w", subID, err)
	}

	log := e.logger.With("subscription_id", subID, "calendar_id", sub.CalendarID)
	res.FirstSync = sub.SyncToken == ""
	if res.FirstSync {
		mode = "first"
		log.Info("no sync token stored, bootstrapping from now")
	}

	events, syncToken, err := e.fetch(ctx, sub, sub.SyncToken)
	if errors.Is(err, gcal.ErrSyncTokenInvalid) && sub.SyncToken != "" {
		log.Warn("sync token rejected, clearing and retrying from now")
		cleared := ""
		if _, uerr := e.subs.Update(ctx, subID, store.SubscriptionUpdate{SyncToken: &cleared}); uerr != nil {
			return nil, fmt.Errorf("clear sync token: %w", uerr)
		}
		res.TokenReset = true
		events, syncToken, err = e.fetch(ctx, sub, "")
	}
	if err != nil {
		return nil, err
	}
	res.Fetched = len(events)

	seen := e.now()
	var changes []*EventChange
	for _, ev := range events {
		var change *EventChange
		if res.FirstSync && !ev.Cancelled() {
			change = &EventChange{Type: ChangeNew, Event: ev}
		} else {
			cached, err := e.cache.Get(ctx, subID, ev.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("read cached event %s: %w", ev.ID, err)
			}
			change = DetectChange(ev, cached)
		}
		if change != nil {
			changes = append(changes, change)
		}

		if !ev.Cancelled() {
			if err := e.cache.Put(ctx, subID, cacheEntry(ev, seen)); err != nil {
				return nil, fmt.Errorf("cache event %s: %w", ev.ID, err)
			}
		}
	}
	res.Changes = len(changes)

	var deliver []*EventChange
	for _, c := range changes {
		if ShouldNotify(c, sub, seen, e.loc) {
			deliver = append(deliver, c)
			continue
		}
		res.Suppressed++
		metrics.NotificationSuppressed(string(c.Type))
		log.Debug("notification filtered by settings", "type", c.Type, "event_id", c.Event.ID)
	}

	if len(deliver) > 0 {
		e.deliver(ctx, log, sub, deliver, res)
	}

	if syncToken != "" {
		if err := e.storeToken(ctx, subID, syncToken); err != nil {
			return nil, err
		}
		res.TokenStored = true
	}
	log.Info("sync complete",
		"fetched", res.Fetched, "changes", res.Changes, "notified", res.Notified,
		"suppressed", res.Suppressed, "failed", res.FailedDeliveries, "first_sync", res.FirstSync)
	return res, nil
}

// deliver sends each change to the subscription's channel. Failures are
// logged and counted, never returned.
func (e *Engine) deliver(ctx context.Context, log *slog.Logger, sub *store.CalendarSubscription, changes []*EventChange, res *SyncResult) {
	ch, err := e.channels.Get(ctx, sub.DiscordChannelID)
	if err != nil {
		log.Error("discord channel unavailable, notifications skipped",
			"discord_channel_id", sub.DiscordChannelID, "pending", len(changes), "err", err)
		return
	}
	now := e.now()
	for _, c := range changes {
		embed := discord.FormatEventChange(discord.Notice{
			Kind:     string(c.Type),
			Calendar: sub.CalendarSummary,
			Event:    c.Event,
			Changes:  c.Changes,
		}, e.loc, now)
		_, err := e.notifier.Send(ctx, ch.WebhookURL, &discordgo.WebhookParams{
			Embeds: []*discordgo.MessageEmbed{embed},
		})
		metrics.NotificationSent(string(c.Type), err)
		if err != nil {
			res.FailedDeliveries++
			log.Error("discord notification failed", "type", c.Type, "event_id", c.Event.ID, "err", err)
			continue
		}
		res.Notified++
	}
}

// fetch lists events, following page tokens. With an empty token it lists
// upcoming events from now. The sync token arrives on the last page only.
func (e *Engine) fetch(ctx context.Context, sub *store.CalendarSubscription, syncToken string) ([]gcal.Event, string, error) {
	opts := gcal.ListOptions{SyncToken: syncToken, MaxResults: gcal.MaxPageSize}
	if syncToken == "" {
		opts.TimeMin = e.now()
		opts.SingleEvents = true
		opts.OrderBy = "startTime"
	}

	var (
		events    []gcal.Event
		nextToken string
	)
	for {
		page, err := e.calendar.ListEvents(ctx, sub.UserID, sub.CalendarID, opts)
		if err != nil {
			return nil, "", fmt.Errorf("list events for %s: %w", sub.ID, err)
		}
		events = append(events, page.Events...)
		if page.NextSyncToken != "" {
			nextToken = page.NextSyncToken
		}
		if page.NextPageToken == "" {
			return events, nextToken, nil
		}
		opts.PageToken = page.NextPageToken
	}
}

func (e *Engine) storeToken(ctx context.Context, subID, token string) error {
	now := e.now()
	if _, err := e.subs.Update(ctx, subID, store.SubscriptionUpdate{SyncToken: &token, LastSyncAt: &now}); err != nil {
		return fmt.Errorf("store sync token: %w", err)
	}
	return nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
