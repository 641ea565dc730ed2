package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calcord/internal/auth"
	"gitea.jw6.us/james/calcord/internal/calsync"
	"gitea.jw6.us/james/calcord/internal/config"
	"gitea.jw6.us/james/calcord/internal/gcal"
	"gitea.jw6.us/james/calcord/internal/http/csrf"
	"gitea.jw6.us/james/calcord/internal/http/ratelimit"
	"gitea.jw6.us/james/calcord/internal/metrics"
	"gitea.jw6.us/james/calcord/internal/store"
)

// SyncEngine is the part of calsync.Engine the handlers drive.
type SyncEngine interface {
	Subscribe(ctx context.Context, userID string, req calsync.SubscribeRequest) (*store.CalendarSubscription, error)
	Unsubscribe(ctx context.Context, subID string) error
	SetupWatchChannel(ctx context.Context, subID string) error
	RunPeriodicSync(ctx context.Context) (calsync.BatchResult, error)
	RenewExpiringChannels(ctx context.Context, within time.Duration) (calsync.BatchResult, error)
	RunDailySummary(ctx context.Context) (calsync.BatchResult, error)
	RunDailySummaryForUser(ctx context.Context, userID string) (calsync.BatchResult, error)
}

// Trigger queues a background sync.
type Trigger interface {
	Trigger(subID string) bool
}

// CalendarLister lists a user's Google calendars.
type CalendarLister interface {
	ListCalendars(ctx context.Context, userID string) ([]gcal.CalendarEntry, error)
}

// Deps are the collaborators the router wires into handlers.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Auth       *auth.Service
	Engine     SyncEngine
	Dispatcher Trigger
	Calendars  CalendarLister
	Logger     *slog.Logger
}

type handlers struct {
	cfg        *config.Config
	subs       store.SubscriptionRepository
	channels   store.DiscordChannelRepository
	engine     SyncEngine
	dispatcher Trigger
	calendars  CalendarLister
	logger     *slog.Logger
}

// NewRouter wires health, push intake, cron and user API routes. Rate
// limiter bookkeeping stops when ctx ends.
func NewRouter(ctx context.Context, d Deps) http.Handler {
	cfg := d.Config
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{
		cfg:        cfg,
		subs:       d.Store.Subscriptions,
		channels:   d.Store.DiscordChannels,
		engine:     d.Engine,
		dispatcher: d.Dispatcher,
		calendars:  d.Calendars,
		logger:     logger,
	}

	// Sign-in: 5 requests per second, burst of 10.
	authLimiter := ratelimit.New(rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies)
	// Push notifications arrive in bursts when many events change at once.
	webhookLimiter := ratelimit.New(rate.Limit(20), 50, 5*time.Minute, cfg.TrustedProxies)
	go authLimiter.Run(ctx)
	go webhookLimiter.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := d.Store.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(authLimiter.Middleware())
		r.Get("/auth/login", d.Auth.BeginOAuth)
		r.Get(cfg.OAuth.RedirectPath, d.Auth.HandleOAuthCallback)
	})
	r.With(d.Auth.RequireSession, csrf.Middleware(cfg)).Post("/auth/logout", d.Auth.Logout)

	r.With(webhookLimiter.Middleware()).Post("/api/google-calendar/webhook", h.googleWebhook)

	r.Route("/api/cron", func(r chi.Router) {
		r.Use(h.requireCronSecret)
		for path, fn := range map[string]http.HandlerFunc{
			"/periodic-sync":       h.cronPeriodicSync,
			"/renew-subscriptions": h.cronRenewSubscriptions,
			"/daily-summary":       h.cronDailySummary,
		} {
			r.Get(path, fn)
			r.Post(path, fn)
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(d.Auth.RequireSession)
		r.Use(csrf.Middleware(cfg))

		r.Get("/api/me", h.me)
		r.Get("/api/calendars", h.listCalendars)

		r.Get("/api/discord-channels", h.listDiscordChannels)
		r.Post("/api/discord-channels", h.createDiscordChannel)

		r.Get("/api/subscriptions", h.listSubscriptions)
		r.Post("/api/subscriptions", h.subscribe)
		r.Patch("/api/subscriptions/{id}", h.updateSubscription)
		r.Delete("/api/subscriptions/{id}", h.unsubscribe)

		r.Post("/api/debug/sync/{id}", h.debugSync)
		r.Post("/api/debug/refresh-watch/{id}", h.debugRefreshWatch)
		r.Get("/api/debug/subscriptions", h.debugSubscriptions)
		r.Post("/api/debug/daily-summary", h.debugDailySummary)
	})

	return r
}
