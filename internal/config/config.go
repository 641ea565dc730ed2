package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
	CacheBadger   = "badger"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	// Store selects the record backend, EventCache the cache backend.
	Store      string
	EventCache string
	BadgerDir  string
	CacheTTL   time.Duration

	OAuth struct {
		ClientID     string
		ClientSecret string
		IssuerURL    string
		RedirectPath string
	}

	Session struct {
		Secret string
	}

	EncryptionKey string
	CronSecret    string

	Timezone   string
	RosterFile string

	Sync struct {
		Workers     int
		QueueSize   int
		RunTimeout  time.Duration
		RenewWithin time.Duration
	}

	Log struct {
		Level  string
		Format string
	}

	PrometheusEnabled bool
	TrustedProxies    []string

	// Warnings collects non-fatal findings for the caller to log.
	Warnings []string
}

// Load reads configuration from the environment, after applying an optional
// .env file from the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load()
}

func load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = strings.TrimRight(getenvDefault("APP_BASE_URL", "http://localhost:8080"), "/")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	cfg.Store = strings.ToLower(getenvDefault("APP_STORE", StorePostgres))
	cfg.EventCache = strings.ToLower(getenvDefault("APP_EVENT_CACHE", cfg.Store))
	cfg.BadgerDir = getenvDefault("APP_BADGER_DIR", "data/badger")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.OAuth.ClientID = os.Getenv("APP_OAUTH_CLIENT_ID")
	cfg.OAuth.ClientSecret = os.Getenv("APP_OAUTH_CLIENT_SECRET")
	cfg.OAuth.IssuerURL = getenvDefault("APP_OAUTH_ISSUER_URL", "https://accounts.google.com")
	cfg.OAuth.RedirectPath = getenvDefault("APP_OAUTH_REDIRECT_PATH", "/auth/callback")
	cfg.Session.Secret = os.Getenv("APP_SESSION_SECRET")
	cfg.EncryptionKey = os.Getenv("APP_ENCRYPTION_KEY")
	cfg.CronSecret = os.Getenv("APP_CRON_SECRET")
	cfg.Timezone = getenvDefault("APP_TIMEZONE", "UTC")
	cfg.RosterFile = os.Getenv("APP_ROSTER_FILE")
	cfg.Log.Level = strings.ToLower(getenvDefault("APP_LOG_LEVEL", "info"))
	cfg.Log.Format = strings.ToLower(getenvDefault("APP_LOG_FORMAT", "text"))
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	var err error
	if cfg.CacheTTL, err = getenvDuration("APP_EVENT_CACHE_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Sync.Workers, err = getenvInt("APP_SYNC_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.Sync.QueueSize, err = getenvInt("APP_SYNC_QUEUE_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.Sync.RunTimeout, err = getenvDuration("APP_SYNC_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Sync.RenewWithin, err = getenvDuration("APP_RENEW_WITHIN", 6*time.Hour); err != nil {
		return nil, err
	}

	switch cfg.Store {
	case StorePostgres, StoreMemory:
	default:
		return nil, fmt.Errorf("APP_STORE must be %q or %q (got %q)", StorePostgres, StoreMemory, cfg.Store)
	}
	switch cfg.EventCache {
	case StorePostgres, StoreMemory, CacheBadger:
	default:
		return nil, fmt.Errorf("APP_EVENT_CACHE must be %q, %q or %q (got %q)", StorePostgres, CacheBadger, StoreMemory, cfg.EventCache)
	}
	// cached_events references calendar_subscriptions, so the Postgres cache
	// only works next to the Postgres record store.
	if cfg.EventCache == StorePostgres && cfg.Store != StorePostgres {
		return nil, fmt.Errorf("APP_EVENT_CACHE=%q requires APP_STORE=%q (got %q)", StorePostgres, StorePostgres, cfg.Store)
	}
	needsDB := cfg.Store == StorePostgres
	if needsDB && cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.OAuth.ClientID == "" || cfg.OAuth.ClientSecret == "" {
		return nil, fmt.Errorf("oauth configuration is required: client id and secret")
	}
	if cfg.Session.Secret == "" {
		return nil, errors.New("APP_SESSION_SECRET is required")
	}
	if len(cfg.Session.Secret) < 32 {
		return nil, fmt.Errorf("APP_SESSION_SECRET must be at least 32 characters long (got %d)", len(cfg.Session.Secret))
	}
	if len(cfg.EncryptionKey) < 32 {
		return nil, fmt.Errorf("APP_ENCRYPTION_KEY must be at least 32 characters long (got %d)", len(cfg.EncryptionKey))
	}
	if cfg.Sync.Workers < 1 {
		return nil, fmt.Errorf("APP_SYNC_WORKERS must be positive (got %d)", cfg.Sync.Workers)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("APP_TIMEZONE: %w", err)
	}

	if cfg.CronSecret == "" {
		cfg.Warnings = append(cfg.Warnings, "APP_CRON_SECRET is not set; cron endpoints accept unauthenticated requests")
	}
	if len(cfg.TrustedProxies) == 0 {
		cfg.Warnings = append(cfg.Warnings, "no APP_TRUSTED_PROXIES configured; X-Forwarded-For is ignored and rate limits key on the peer address")
	}

	return cfg, nil
}

// Location returns the configured timezone. Load has already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WebhookURL is the push notification callback registered with Google.
func (c *Config) WebhookURL() string {
	return c.BaseURL + "/api/google-calendar/webhook"
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
