package calsync

import (
	"context"
	"errors"
	"fmt"

	"gitea.jw6.us/james/calcord/internal/gcal"
	"gitea.jw6.us/james/calcord/internal/metrics"
	"gitea.jw6.us/james/calcord/internal/store"
)

// SetupWatchChannel replaces the subscription's push channel with a fresh
// one. Repeated calls are safe: the previous channel is stopped first and
// the stored mapping always points at the newest channel.
func (e *Engine) SetupWatchChannel(ctx context.Context, subID string) (err error) {
	defer func() { metrics.ChannelRenewal(err) }()

	unlock := e.locks.Lock(subID)
	defer unlock()

	if e.webhookURL == "" {
		return errors.New("no public webhook url configured")
	}
	sub, err := e.subs.Get(ctx, subID)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", subID, err)
	}
	if _, err := e.users.Get(ctx, sub.UserID); err != nil {
		return fmt.Errorf("load user for subscription %s: %w", subID, err)
	}

	e.stopChannel(ctx, sub)

	channelID := e.newChannelID()
	watch, err := e.calendar.Watch(ctx, sub.UserID, sub.CalendarID, gcal.WatchRequest{
		ChannelID: channelID,
		Address:   e.webhookURL,
		Token:     sub.ID,
	})
	if err != nil {
		// The old channel may already be gone; drop the stale mapping so
		// renewal retries instead of trusting it.
		if sub.HasWatchChannel() {
			if _, uerr := e.subs.Update(ctx, subID, store.SubscriptionUpdate{ClearWatch: true}); uerr != nil {
				e.logger.Error("clear stale watch channel", "subscription_id", subID, "err", uerr)
			}
		}
		return fmt.Errorf("register watch channel: %w", err)
	}

	if _, err := e.subs.Update(ctx, subID, store.SubscriptionUpdate{Watch: &store.WatchChannel{
		ChannelID:  channelID,
		ResourceID: watch.ResourceID,
		Expiration: watch.Expiration,
	}}); err != nil {
		return fmt.Errorf("store watch channel: %w", err)
	}
	e.logger.Info("watch channel registered",
		"subscription_id", subID, "channel_id", channelID, "expires_at", watch.Expiration)
	return nil
}

// stopChannel tears down the current push channel. Errors are logged only:
// an expired channel cannot be stopped and that is fine.
func (e *Engine) stopChannel(ctx context.Context, sub *store.CalendarSubscription) {
	if !sub.HasWatchChannel() {
		return
	}
	if err := e.calendar.StopChannel(ctx, sub.UserID, sub.GoogleChannelID, sub.GoogleResourceID); err != nil {
		e.logger.Warn("stop watch channel failed",
			"subscription_id", sub.ID, "channel_id", sub.GoogleChannelID, "err", err)
	}
}
