package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/calcord/internal/auth"
	"gitea.jw6.us/james/calcord/internal/calsync"
	"gitea.jw6.us/james/calcord/internal/config"
	"gitea.jw6.us/james/calcord/internal/discord"
	"gitea.jw6.us/james/calcord/internal/gcal"
	httpserver "gitea.jw6.us/james/calcord/internal/http"
	"gitea.jw6.us/james/calcord/internal/logging"
	"gitea.jw6.us/james/calcord/internal/secrets"
	"gitea.jw6.us/james/calcord/internal/statusboard"
	"gitea.jw6.us/james/calcord/internal/store"
	"gitea.jw6.us/james/calcord/internal/store/badgercache"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", logging.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting calcord", "store", cfg.Store, "event_cache", cfg.EventCache)

	box, err := secrets.NewBox(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}

	st, closeStore, err := openStore(ctx, cfg, box, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var roster *statusboard.Roster
	if cfg.RosterFile != "" {
		if roster, err = statusboard.LoadRoster(cfg.RosterFile); err != nil {
			return fmt.Errorf("load roster: %w", err)
		}
		logger.Info("status board enabled", "roster", cfg.RosterFile)
	}

	oauthCfg := auth.OAuthConfig(cfg)
	tokens := gcal.NewRefresher(st.Users, oauthCfg, nil, logger)
	calendar := gcal.NewClient(tokens)

	sink, err := discord.NewSink(logger)
	if err != nil {
		return err
	}

	engine := calsync.NewEngine(calsync.Deps{
		Users:         st.Users,
		Channels:      st.DiscordChannels,
		Subscriptions: st.Subscriptions,
		Cache:         st.EventCache,
		Calendar:      calendar,
		Notifier:      sink,
	}, calsync.Options{
		WebhookURL: cfg.WebhookURL(),
		Location:   cfg.Location(),
		Roster:     roster,
		Workers:    cfg.Sync.Workers,
		Logger:     logger,
	})
	dispatcher := calsync.NewDispatcher(engine, cfg.Sync.Workers, cfg.Sync.QueueSize, cfg.Sync.RunTimeout, logger)

	verifier, err := auth.NewOIDCVerifier(ctx, cfg.OAuth.IssuerURL, cfg.OAuth.ClientID)
	if err != nil {
		return fmt.Errorf("oidc discovery: %w", err)
	}
	authService := auth.NewService(oauthCfg, verifier, st.Users, auth.NewSessionManager(cfg), logger)

	router := httpserver.NewRouter(ctx, httpserver.Deps{
		Config:     cfg,
		Store:      st,
		Auth:       authService,
		Engine:     engine,
		Dispatcher: dispatcher,
		Calendars:  calendar,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Cron batches run inline and can take a while.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", logging.Err(err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("queued syncs abandoned", logging.Err(err))
	}
	return nil
}

// openStore builds the record store and event cache the config selects.
// The Postgres cache comes with the Postgres store; config rejects it alone.
// The returned func releases whatever was opened.
func openStore(ctx context.Context, cfg *config.Config, sealer store.Sealer, logger *slog.Logger) (*store.Store, func(), error) {
	var closers []io.Closer
	var pool *pgxpool.Pool
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		if pool != nil {
			pool.Close()
		}
	}

	if cfg.Store == config.StorePostgres {
		var err error
		if pool, err = pgxpool.New(ctx, cfg.DB.DSN); err != nil {
			return nil, nil, fmt.Errorf("create db pool: %w", err)
		}
		applied, err := store.ApplyMigrations(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		for _, name := range applied {
			logger.Info("applied migration", "name", name)
		}
	}

	var st *store.Store
	if cfg.Store == config.StorePostgres {
		st = store.New(pool, sealer, cfg.CacheTTL)
	} else {
		st = store.NewMemory(sealer, cfg.CacheTTL)
		logger.Warn("using in-memory store; records are lost on restart")
	}

	switch cfg.EventCache {
	case config.CacheBadger:
		cache, err := badgercache.Open(cfg.BadgerDir, cfg.CacheTTL, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, cache)
		st.EventCache = cache
	case config.StoreMemory:
		if cfg.Store == config.StorePostgres {
			st.EventCache = store.NewMemoryEventCache(cfg.CacheTTL)
		}
	}
	return st, cleanup, nil
}
