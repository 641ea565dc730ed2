package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/calcord/internal/auth"
	"gitea.jw6.us/james/calcord/internal/calsync"
	"gitea.jw6.us/james/calcord/internal/config"
	"gitea.jw6.us/james/calcord/internal/gcal"
	"gitea.jw6.us/james/calcord/internal/http/csrf"
	"gitea.jw6.us/james/calcord/internal/secrets"
	"gitea.jw6.us/james/calcord/internal/store"
)

const (
	testWebhookURL = "https://discord.com/api/webhooks/123456789012345678/secret-token"
	testCSRF       = "test-csrf-token"
)

type fakeEngine struct {
	subs store.SubscriptionRepository

	mu           sync.Mutex
	subscribeErr error
	watchErr     error
	batch        calsync.BatchResult
	batchErr     error
	subscribed   []calsync.SubscribeRequest
	unsubscribed []string
	watched      []string
	jobs         []string
	renewWithin  time.Duration
	dailyUser    string
	jobCtxErr    error
}

func (f *fakeEngine) Subscribe(ctx context.Context, userID string, req calsync.SubscribeRequest) (*store.CalendarSubscription, error) {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, req)
	err := f.subscribeErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.subs.Create(ctx, store.CalendarSubscription{
		UserID:           userID,
		CalendarID:       req.CalendarID,
		CalendarSummary:  req.CalendarSummary,
		DiscordChannelID: req.DiscordChannelID,
		Active:           true,
	})
}

func (f *fakeEngine) Unsubscribe(ctx context.Context, subID string) error {
	f.mu.Lock()
	f.unsubscribed = append(f.unsubscribed, subID)
	f.mu.Unlock()
	inactive := false
	_, err := f.subs.Update(ctx, subID, store.SubscriptionUpdate{Active: &inactive, ClearWatch: true})
	return err
}

func (f *fakeEngine) SetupWatchChannel(ctx context.Context, subID string) error {
	f.mu.Lock()
	f.watched = append(f.watched, subID)
	err := f.watchErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = f.subs.Update(ctx, subID, store.SubscriptionUpdate{Watch: &store.WatchChannel{
		ChannelID:  "chan-" + subID,
		ResourceID: "res-" + subID,
		Expiration: time.Now().Add(7 * 24 * time.Hour),
	}})
	return err
}

func (f *fakeEngine) job(ctx context.Context, name string) (calsync.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, name)
	f.jobCtxErr = ctx.Err()
	return f.batch, f.batchErr
}

func (f *fakeEngine) RunPeriodicSync(ctx context.Context) (calsync.BatchResult, error) {
	return f.job(ctx, "periodic-sync")
}

func (f *fakeEngine) RenewExpiringChannels(ctx context.Context, within time.Duration) (calsync.BatchResult, error) {
	f.mu.Lock()
	f.renewWithin = within
	f.mu.Unlock()
	return f.job(ctx, "renew")
}

func (f *fakeEngine) RunDailySummary(ctx context.Context) (calsync.BatchResult, error) {
	return f.job(ctx, "daily-summary")
}

func (f *fakeEngine) RunDailySummaryForUser(ctx context.Context, userID string) (calsync.BatchResult, error) {
	f.mu.Lock()
	f.dailyUser = userID
	f.mu.Unlock()
	return f.job(ctx, "daily-summary-user")
}

type fakeTrigger struct {
	mu       sync.Mutex
	reject   bool
	triggers []string
}

func (f *fakeTrigger) Trigger(subID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.triggers = append(f.triggers, subID)
	return true
}

func (f *fakeTrigger) triggered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.triggers...)
}

type fakeCalendars struct {
	entries []gcal.CalendarEntry
	err     error
}

func (f *fakeCalendars) ListCalendars(context.Context, string) ([]gcal.CalendarEntry, error) {
	return f.entries, f.err
}

type serverFixture struct {
	handler   http.Handler
	cfg       *config.Config
	store     *store.Store
	sessions  *auth.SessionManager
	engine    *fakeEngine
	trigger   *fakeTrigger
	calendars *fakeCalendars
	channel   *store.DiscordChannel
}

func newServerFixture(t *testing.T, mutate ...func(*config.Config)) *serverFixture {
	t.Helper()
	cfg := &config.Config{BaseURL: "https://calcord.example.com", CronSecret: "cron-secret"}
	cfg.Session.Secret = "0123456789abcdef0123456789abcdef"
	cfg.OAuth.ClientID = "client"
	cfg.OAuth.RedirectPath = "/auth/callback"
	cfg.Sync.RenewWithin = 24 * time.Hour
	for _, m := range mutate {
		m(cfg)
	}

	box, err := secrets.NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	st := store.NewMemory(box, 0)
	ctx := context.Background()
	for _, id := range []string{"user-1", "user-2"} {
		_, err := st.Users.Create(ctx, store.User{ID: id, Email: id + "@example.com", Name: id, RefreshToken: "refresh"})
		require.NoError(t, err)
	}
	ch, err := st.DiscordChannels.Create(ctx, store.DiscordChannel{UserID: "user-1", Name: "general", WebhookURL: testWebhookURL})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := auth.NewSessionManager(cfg)
	f := &serverFixture{
		cfg:       cfg,
		store:     st,
		sessions:  sessions,
		engine:    &fakeEngine{subs: st.Subscriptions},
		trigger:   &fakeTrigger{},
		calendars: &fakeCalendars{},
		channel:   ch,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.handler = NewRouter(runCtx, Deps{
		Config:     cfg,
		Store:      st,
		Auth:       auth.NewService(auth.OAuthConfig(cfg), nil, st.Users, sessions, logger),
		Engine:     f.engine,
		Dispatcher: f.trigger,
		Calendars:  f.calendars,
		Logger:     logger,
	})
	return f
}

// subscription stores a subscription owned by userID.
func (f *serverFixture) subscription(t *testing.T, userID string, mutate func(*store.CalendarSubscription)) *store.CalendarSubscription {
	t.Helper()
	sub := store.CalendarSubscription{
		UserID:              userID,
		CalendarID:          "team@group.calendar.google.com",
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

// do sends a request as userID, or anonymously when userID is empty. The
// CSRF cookie and header always match.
func (f *serverFixture) do(t *testing.T, userID, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		c, err := f.sessions.Cookie(userID)
		require.NoError(t, err)
		req.AddCookie(c)
	}
	req.AddCookie(&http.Cookie{Name: "calcord_csrf", Value: testCSRF})
	req.Header.Set(csrf.HeaderName, testCSRF)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthEndpoints(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "", http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = f.do(t, "", http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointToggle(t *testing.T) {
	off := newServerFixture(t)
	assert.Equal(t, http.StatusNotFound, off.do(t, "", http.MethodGet, "/metrics", "").Code)

	on := newServerFixture(t, func(c *config.Config) { c.PrometheusEnabled = true })
	rec := on.do(t, "", http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "calcord_")
}

func TestLoginRedirectsToGoogle(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, "", http.MethodGet, "/auth/login", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "accounts.google.com")
}

func TestLogoutRequiresSessionAndCSRF(t *testing.T) {
	f := newServerFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "", http.MethodPost, "/auth/logout", "").Code)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	c, err := f.sessions.Cookie("user-1")
	require.NoError(t, err)
	req.AddCookie(c)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, "user-1", http.MethodPost, "/auth/logout", "").Code)
}
