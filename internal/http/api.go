package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gitea.jw6.us/james/calcord/internal/auth"
	"gitea.jw6.us/james/calcord/internal/calsync"
	"gitea.jw6.us/james/calcord/internal/discord"
	"gitea.jw6.us/james/calcord/internal/gcal"
	httperrors "gitea.jw6.us/james/calcord/internal/http/errors"
	"gitea.jw6.us/james/calcord/internal/store"
)

const maxBodyBytes = 1 << 20

type subscriptionView struct {
	ID                  string     `json:"id"`
	CalendarID          string     `json:"calendar_id"`
	CalendarSummary     string     `json:"calendar_summary"`
	DiscordChannelID    string     `json:"discord_channel_id"`
	Active              bool       `json:"active"`
	NotifyNewEvents     bool       `json:"notify_new_events"`
	NotifyUpdates       bool       `json:"notify_updates"`
	NotifyCancellations bool       `json:"notify_cancellations"`
	NotifyWindowMinutes int        `json:"notify_window_minutes"`
	WatchExpiresAt      *time.Time `json:"watch_expires_at,omitempty"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

func viewSubscription(s *store.CalendarSubscription) subscriptionView {
	v := subscriptionView{
		ID:                  s.ID,
		CalendarID:          s.CalendarID,
		CalendarSummary:     s.CalendarSummary,
		DiscordChannelID:    s.DiscordChannelID,
		Active:              s.Active,
		NotifyNewEvents:     s.NotifyNewEvents,
		NotifyUpdates:       s.NotifyUpdates,
		NotifyCancellations: s.NotifyCancellations,
		NotifyWindowMinutes: s.NotifyWindowMinutes,
		LastSyncAt:          s.LastSyncAt,
		CreatedAt:           s.CreatedAt,
	}
	if s.HasWatchChannel() {
		exp := s.GoogleChannelExpiration
		v.WatchExpiresAt = &exp
	}
	return v
}

// channelView never exposes the webhook token.
type channelView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	WebhookID string    `json:"webhook_id"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

func viewChannel(c *store.DiscordChannel) channelView {
	v := channelView{ID: c.ID, Name: c.Name, IsDefault: c.IsDefault, CreatedAt: c.CreatedAt}
	if hook, err := discord.ParseWebhookURL(c.WebhookURL); err == nil {
		v.WebhookID = hook.ID
	}
	return v
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// currentUser is set by RequireSession on every route that calls it.
func currentUser(r *http.Request) *store.User {
	u, _ := auth.UserFromContext(r.Context())
	return u
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	httperrors.JSON(w, http.StatusOK, map[string]string{"id": u.ID, "email": u.Email, "name": u.Name})
}

func (h *handlers) listCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := h.calendars.ListCalendars(r.Context(), currentUser(r).ID)
	if errors.Is(err, gcal.ErrReauthRequired) {
		httperrors.Write(w, http.StatusUnauthorized, "google authorization expired; sign in again")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "list calendars")
		return
	}
	httperrors.JSON(w, http.StatusOK, map[string]any{"calendars": cals})
}

func (h *handlers) listDiscordChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channels.ListByUser(r.Context(), currentUser(r).ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "list discord channels")
		return
	}
	out := make([]channelView, 0, len(channels))
	for i := range channels {
		out = append(out, viewChannel(&channels[i]))
	}
	httperrors.JSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (h *handlers) createDiscordChannel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string `json:"name"`
		WebhookURL string `json:"webhook_url"`
		IsDefault  bool   `json:"is_default"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	body.WebhookURL = strings.TrimSpace(body.WebhookURL)
	if body.Name == "" || body.WebhookURL == "" {
		httperrors.Write(w, http.StatusBadRequest, "name and webhook_url are required")
		return
	}
	if _, err := discord.ParseWebhookURL(body.WebhookURL); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid Discord webhook URL")
		return
	}

	ch, err := h.channels.Create(r.Context(), store.DiscordChannel{
		UserID:     currentUser(r).ID,
		Name:       body.Name,
		WebhookURL: body.WebhookURL,
		IsDefault:  body.IsDefault,
	})
	if err != nil {
		httperrors.InternalError(w, r, err, "create discord channel")
		return
	}
	httperrors.JSON(w, http.StatusCreated, map[string]any{"channel": viewChannel(ch)})
}

func (h *handlers) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.ListByUser(r.Context(), currentUser(r).ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "list subscriptions")
		return
	}
	out := make([]subscriptionView, 0, len(subs))
	for i := range subs {
		out = append(out, viewSubscription(&subs[i]))
	}
	httperrors.JSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (h *handlers) subscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CalendarID          string `json:"calendar_id"`
		CalendarSummary     string `json:"calendar_summary"`
		DiscordChannelID    string `json:"discord_channel_id"`
		NotifyNewEvents     *bool  `json:"notify_new_events"`
		NotifyUpdates       *bool  `json:"notify_updates"`
		NotifyCancellations *bool  `json:"notify_cancellations"`
		NotifyWindowMinutes int    `json:"notify_window_minutes"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return
	}
	if body.CalendarID == "" || body.DiscordChannelID == "" {
		httperrors.Write(w, http.StatusBadRequest, "calendar_id and discord_channel_id are required")
		return
	}
	if body.NotifyWindowMinutes < 0 {
		httperrors.Write(w, http.StatusBadRequest, "notify_window_minutes must not be negative")
		return
	}

	sub, err := h.engine.Subscribe(r.Context(), currentUser(r).ID, calsync.SubscribeRequest{
		CalendarID:          body.CalendarID,
		CalendarSummary:     body.CalendarSummary,
		DiscordChannelID:    body.DiscordChannelID,
		NotifyNewEvents:     body.NotifyNewEvents,
		NotifyUpdates:       body.NotifyUpdates,
		NotifyCancellations: body.NotifyCancellations,
		NotifyWindowMinutes: body.NotifyWindowMinutes,
	})
	if errors.Is(err, store.ErrNotFound) {
		httperrors.Write(w, http.StatusNotFound, "discord channel not found")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "subscribe")
		return
	}
	httperrors.JSON(w, http.StatusCreated, map[string]any{"subscription": viewSubscription(sub)})
}

// ownedSubscription loads {id} and checks it belongs to the current user,
// writing the error response when it does not.
func (h *handlers) ownedSubscription(w http.ResponseWriter, r *http.Request) (*store.CalendarSubscription, bool) {
	sub, err := h.subs.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		httperrors.Write(w, http.StatusNotFound, "subscription not found")
		return nil, false
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "load subscription")
		return nil, false
	}
	if sub.UserID != currentUser(r).ID {
		httperrors.Write(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return sub, true
}

func (h *handlers) updateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.ownedSubscription(w, r)
	if !ok {
		return
	}
	var body struct {
		CalendarSummary     *string `json:"calendar_summary"`
		Active              *bool   `json:"active"`
		NotifyNewEvents     *bool   `json:"notify_new_events"`
		NotifyUpdates       *bool   `json:"notify_updates"`
		NotifyCancellations *bool   `json:"notify_cancellations"`
		NotifyWindowMinutes *int    `json:"notify_window_minutes"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return
	}
	if body.NotifyWindowMinutes != nil && *body.NotifyWindowMinutes < 0 {
		httperrors.Write(w, http.StatusBadRequest, "notify_window_minutes must not be negative")
		return
	}

	ctx := r.Context()
	// Deactivation goes through Unsubscribe so the push channel is stopped.
	if body.Active != nil && !*body.Active && sub.Active {
		if err := h.engine.Unsubscribe(ctx, sub.ID); err != nil {
			httperrors.InternalError(w, r, err, "deactivate subscription")
			return
		}
		body.Active = nil
	}
	updated, err := h.subs.Update(ctx, sub.ID, store.SubscriptionUpdate{
		CalendarSummary:     body.CalendarSummary,
		Active:              body.Active,
		NotifyNewEvents:     body.NotifyNewEvents,
		NotifyUpdates:       body.NotifyUpdates,
		NotifyCancellations: body.NotifyCancellations,
		NotifyWindowMinutes: body.NotifyWindowMinutes,
	})
	if err != nil {
		httperrors.InternalError(w, r, err, "update subscription")
		return
	}
	if body.Active != nil && *body.Active && !sub.Active {
		if err := h.engine.SetupWatchChannel(ctx, sub.ID); err != nil {
			httperrors.LogError(r, "register watch channel on reactivation", err)
		} else if fresh, err := h.subs.Get(ctx, sub.ID); err == nil {
			updated = fresh
		}
	}
	httperrors.JSON(w, http.StatusOK, map[string]any{"subscription": viewSubscription(updated)})
}

func (h *handlers) unsubscribe(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.ownedSubscription(w, r)
	if !ok {
		return
	}
	if err := h.engine.Unsubscribe(r.Context(), sub.ID); err != nil {
		httperrors.InternalError(w, r, err, "unsubscribe")
		return
	}
	httperrors.JSON(w, http.StatusOK, map[string]string{"message": "Unsubscribed", "subscription_id": sub.ID})
}

func (h *handlers) debugSync(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.ownedSubscription(w, r)
	if !ok {
		return
	}
	queued := h.dispatcher.Trigger(sub.ID)
	httperrors.JSON(w, http.StatusAccepted, map[string]any{"queued": queued, "subscription_id": sub.ID})
}

func (h *handlers) debugRefreshWatch(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.ownedSubscription(w, r)
	if !ok {
		return
	}
	if err := h.engine.SetupWatchChannel(r.Context(), sub.ID); err != nil {
		httperrors.LogError(r, "refresh watch channel", err)
		httperrors.Write(w, http.StatusBadGateway, "could not register watch channel")
		return
	}
	fresh, err := h.subs.Get(r.Context(), sub.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "reload subscription")
		return
	}
	httperrors.JSON(w, http.StatusOK, map[string]any{"subscription": viewSubscription(fresh)})
}

type debugSubscriptionView struct {
	subscriptionView
	GoogleChannelID   string `json:"google_channel_id,omitempty"`
	GoogleResourceID  string `json:"google_resource_id,omitempty"`
	HasSyncToken      bool   `json:"has_sync_token"`
	StatusMessageDate string `json:"status_message_date,omitempty"`
}

func (h *handlers) debugSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.ListByUser(r.Context(), currentUser(r).ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "list subscriptions")
		return
	}
	out := make([]debugSubscriptionView, 0, len(subs))
	for i := range subs {
		s := &subs[i]
		out = append(out, debugSubscriptionView{
			subscriptionView:  viewSubscription(s),
			GoogleChannelID:   s.GoogleChannelID,
			GoogleResourceID:  s.GoogleResourceID,
			HasSyncToken:      s.SyncToken != "",
			StatusMessageDate: s.StatusMessageDate,
		})
	}
	httperrors.JSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (h *handlers) debugDailySummary(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.RunDailySummaryForUser(r.Context(), currentUser(r).ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "daily summary")
		return
	}
	writeBatch(w, "Daily summary completed", res)
}
