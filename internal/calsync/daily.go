package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"gitea.jw6.us/james/calcord/internal/discord"
	"gitea.jw6.us/james/calcord/internal/gcal"
	"gitea.jw6.us/james/calcord/internal/statusboard"
	"gitea.jw6.us/james/calcord/internal/store"
)

// RunDailySummary posts today's digest, and the status board when a roster
// is configured, for every active subscription.
func (e *Engine) RunDailySummary(ctx context.Context) (BatchResult, error) {
	subs, err := e.subs.ListActive(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list active subscriptions: %w", err)
	}
	return e.runDaily(ctx, subs), nil
}

// RunDailySummaryForUser does the same for one user's active subscriptions.
func (e *Engine) RunDailySummaryForUser(ctx context.Context, userID string) (BatchResult, error) {
	subs, err := e.subs.ListByUser(ctx, userID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list subscriptions: %w", err)
	}
	active := subs[:0]
	for _, s := range subs {
		if s.Active {
			active = append(active, s)
		}
	}
	return e.runDaily(ctx, active), nil
}

func (e *Engine) runDaily(ctx context.Context, subs []store.CalendarSubscription) BatchResult {
	now := e.now().In(e.loc)
	res := e.forEach(ctx, subs, func(ctx context.Context, sub store.CalendarSubscription) error {
		return e.postDaily(ctx, &sub, now)
	})
	e.logger.Info("daily summary finished",
		"processed", res.Processed, "succeeded", len(res.Succeeded), "errors", len(res.Errors))
	return res
}

func (e *Engine) postDaily(ctx context.Context, sub *store.CalendarSubscription, now time.Time) error {
	if _, err := e.users.Get(ctx, sub.UserID); err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	ch, err := e.channels.Get(ctx, sub.DiscordChannelID)
	if err != nil {
		return fmt.Errorf("load discord channel %s: %w", sub.DiscordChannelID, err)
	}

	events, err := e.listDay(ctx, sub, now)
	if err != nil {
		return err
	}

	// The digest and the board are separate messages; one failing does not
	// hold back the other.
	var digestErr, boardErr error
	if len(events) > 0 {
		embed := discord.FormatDailyDigest(sub.CalendarSummary, events, e.loc, now)
		if _, err := e.notifier.Send(ctx, ch.WebhookURL, &discordgo.WebhookParams{
			Embeds: []*discordgo.MessageEmbed{embed},
		}); err != nil {
			digestErr = fmt.Errorf("post daily digest: %w", err)
		}
	} else {
		e.logger.Debug("no events today, digest skipped", "subscription_id", sub.ID)
	}

	if e.roster != nil {
		board := statusboard.Build(events, e.roster, now, e.loc)
		boardErr = e.postStatusBoard(ctx, sub.ID, ch.WebhookURL, board, now)
	}
	return errors.Join(digestErr, boardErr)
}

// listDay returns the calendar's events for the local day containing now.
func (e *Engine) listDay(ctx context.Context, sub *store.CalendarSubscription, now time.Time) ([]gcal.Event, error) {
	y, m, d := now.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, e.loc)
	opts := gcal.ListOptions{
		TimeMin:      dayStart,
		TimeMax:      dayStart.AddDate(0, 0, 1),
		SingleEvents: true,
		OrderBy:      "startTime",
		MaxResults:   gcal.MaxPageSize,
	}
	var events []gcal.Event
	for {
		page, err := e.calendar.ListEvents(ctx, sub.UserID, sub.CalendarID, opts)
		if err != nil {
			return nil, fmt.Errorf("list today's events: %w", err)
		}
		events = append(events, page.Events...)
		if page.NextPageToken == "" {
			return events, nil
		}
		opts.PageToken = page.NextPageToken
	}
}

// postStatusBoard edits today's board message in place when one exists.
// A board from an earlier day is superseded: its reference is cleared and a
// new message posted.
func (e *Engine) postStatusBoard(ctx context.Context, subID, webhookURL string, board statusboard.Board, now time.Time) error {
	unlock := e.locks.Lock(subID)
	defer unlock()

	sub, err := e.subs.Get(ctx, subID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	embed := statusboard.Format(board, e.loc, now)
	log := e.logger.With("subscription_id", subID, "date", board.Date)

	if sub.StatusMessageID != "" && sub.StatusMessageDate == board.Date {
		embeds := []*discordgo.MessageEmbed{embed}
		_, err := e.notifier.Edit(ctx, webhookURL, sub.StatusMessageID, &discordgo.WebhookEdit{Embeds: &embeds})
		if err == nil {
			log.Info("status board updated", "message_id", sub.StatusMessageID)
			return nil
		}
		if !errors.Is(err, discord.ErrWebhookInvalid) {
			return fmt.Errorf("edit status board: %w", err)
		}
		log.Warn("status board message gone, posting a new one", "err", err)
	}

	if sub.StatusMessageID != "" {
		if _, err := e.subs.Update(ctx, subID, store.SubscriptionUpdate{ClearStatusMessage: true}); err != nil {
			return fmt.Errorf("clear status board reference: %w", err)
		}
	}
	msg, err := e.notifier.Send(ctx, webhookURL, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	})
	if err != nil {
		return fmt.Errorf("post status board: %w", err)
	}
	if msg == nil || msg.ID == "" {
		log.Warn("status board posted without a message id")
		return nil
	}
	if _, err := e.subs.Update(ctx, subID, store.SubscriptionUpdate{
		StatusMessage: &store.StatusMessageRef{MessageID: msg.ID, Date: board.Date},
	}); err != nil {
		return fmt.Errorf("store status board reference: %w", err)
	}
	log.Info("status board posted", "message_id", msg.ID)
	return nil
}
