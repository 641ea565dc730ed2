package calsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/calcord/internal/gcal"
	"gitea.jw6.us/james/calcord/internal/secrets"
	"gitea.jw6.us/james/calcord/internal/store"
)

var fixedNow = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type fakeCalendar struct {
	mu sync.Mutex

	list      func(calendarID string, opts gcal.ListOptions) (*gcal.EventPage, error)
	listCalls []gcal.ListOptions

	watchErr   error
	watchCalls []gcal.WatchRequest
	expiration time.Time

	stopErr   error
	stopCalls []string
}

func (f *fakeCalendar) ListCalendars(context.Context, string) ([]gcal.CalendarEntry, error) {
	return []gcal.CalendarEntry{{ID: "primary", Summary: "Me", Primary: true}}, nil
}

func (f *fakeCalendar) ListEvents(_ context.Context, _ string, calendarID string, opts gcal.ListOptions) (*gcal.EventPage, error) {
	f.mu.Lock()
	f.listCalls = append(f.listCalls, opts)
	list := f.list
	f.mu.Unlock()
	if list == nil {
		return &gcal.EventPage{NextSyncToken: "tok-next"}, nil
	}
	return list(calendarID, opts)
}

func (f *fakeCalendar) Watch(_ context.Context, _ string, _ string, req gcal.WatchRequest) (*gcal.WatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchCalls = append(f.watchCalls, req)
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	exp := f.expiration
	if exp.IsZero() {
		exp = fixedNow.Add(7 * 24 * time.Hour)
	}
	return &gcal.WatchResult{ChannelID: req.ChannelID, ResourceID: "res-" + req.ChannelID, Expiration: exp}, nil
}

func (f *fakeCalendar) StopChannel(_ context.Context, _ string, channelID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, channelID)
	return f.stopErr
}

func (f *fakeCalendar) calls() []gcal.ListOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gcal.ListOptions(nil), f.listCalls...)
}

// pages serves the same event list for every call, ending with token.
func pages(token string, events ...gcal.Event) func(string, gcal.ListOptions) (*gcal.EventPage, error) {
	return func(string, gcal.ListOptions) (*gcal.EventPage, error) {
		return &gcal.EventPage{Events: events, NextSyncToken: token}, nil
	}
}

type sentMessage struct {
	webhookURL string
	messageID  string
	embed      *discordgo.MessageEmbed
}

type fakeNotifier struct {
	mu      sync.Mutex
	sendErr error
	editErr error
	// failSends fails that many sends before sendErr applies.
	failSends int
	sent      []sentMessage
	edited    []sentMessage
	seq       int
}

func (n *fakeNotifier) Send(_ context.Context, webhookURL string, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failSends > 0 {
		n.failSends--
		return nil, errors.New("discord: 503 service unavailable")
	}
	if n.sendErr != nil {
		return nil, n.sendErr
	}
	n.seq++
	id := "msg-" + strconv.Itoa(n.seq)
	n.sent = append(n.sent, sentMessage{webhookURL: webhookURL, messageID: id, embed: params.Embeds[0]})
	return &discordgo.Message{ID: id}, nil
}

func (n *fakeNotifier) Edit(_ context.Context, webhookURL, messageID string, edit *discordgo.WebhookEdit) (*discordgo.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.editErr != nil {
		return nil, n.editErr
	}
	n.edited = append(n.edited, sentMessage{webhookURL: webhookURL, messageID: messageID, embed: (*edit.Embeds)[0]})
	return &discordgo.Message{ID: messageID}, nil
}

func (n *fakeNotifier) sentTitles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, m := range n.sent {
		out[i] = m.embed.Title
	}
	return out
}

type fixture struct {
	store    *store.Store
	cache    *store.MemoryEventCache
	calendar *fakeCalendar
	notifier *fakeNotifier
	engine   *Engine
	channel  *store.DiscordChannel
	ids      atomic.Int64
}

const testWebhookURL = "https://discord.com/api/webhooks/123456789012345678/token"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	box, err := secrets.NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	st := store.NewMemory(box, 0)
	cache := store.NewMemoryEventCache(store.DefaultCacheTTL)
	st.EventCache = cache

	f := &fixture{store: st, cache: cache, calendar: &fakeCalendar{}, notifier: &fakeNotifier{}}
	f.engine = NewEngine(Deps{
		Users:         st.Users,
		Channels:      st.DiscordChannels,
		Subscriptions: st.Subscriptions,
		Cache:         cache,
		Calendar:      f.calendar,
		Notifier:      f.notifier,
	}, Options{
		WebhookURL: "https://calcord.example.com/api/google-calendar/webhook",
		Workers:    2,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	f.engine.now = func() time.Time { return fixedNow }
	f.engine.newChannelID = func() string {
		return fmt.Sprintf("chan-%d", f.ids.Add(1))
	}

	ctx := context.Background()
	_, err = st.Users.Create(ctx, store.User{ID: "user-1", Email: "ada@example.com", RefreshToken: "r"})
	require.NoError(t, err)
	f.channel, err = st.DiscordChannels.Create(ctx, store.DiscordChannel{UserID: "user-1", Name: "general", WebhookURL: testWebhookURL})
	require.NoError(t, err)
	return f
}

func (f *fixture) subscription(t *testing.T, mutate func(*store.CalendarSubscription)) *store.CalendarSubscription {
	t.Helper()
	sub := store.CalendarSubscription{
		UserID:              "user-1",
		CalendarID:          "team@example.com",
		CalendarSummary:     "Team",
		DiscordChannelID:    f.channel.ID,
		Active:              true,
		NotifyNewEvents:     true,
		NotifyUpdates:       true,
		NotifyCancellations: true,
	}
	if mutate != nil {
		mutate(&sub)
	}
	created, err := f.store.Subscriptions.Create(context.Background(), sub)
	require.NoError(t, err)
	return created
}

func (f *fixture) reload(t *testing.T, id string) *store.CalendarSubscription {
	t.Helper()
	sub, err := f.store.Subscriptions.Get(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func event(id, summary, start, end string) gcal.Event {
	return gcal.Event{
		ID:      id,
		Status:  gcal.StatusConfirmed,
		ETag:    `"` + id + `"`,
		Summary: summary,
		Start:   &gcal.EventTime{DateTime: start},
		End:     &gcal.EventTime{DateTime: end},
	}
}

func cancelled(id string) gcal.Event {
	return gcal.Event{ID: id, Status: gcal.StatusCancelled, ETag: `"x"`}
}
