package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr    = ":8080"
	defaultMetricsAddr = ":9090"

	defaultSyncInterval         = 15 * time.Minute
	defaultRefreshCheckInterval = time.Minute
	defaultRefreshMargin        = 10 * time.Minute
	defaultSyncMaxAttempts      = 5
	defaultSyncFailureBackoff   = 2 * time.Second
	defaultSyncOrgWorkers       = 4
	defaultMicrosoftWorkers     = 4

	defaultElbaAPIBaseURL = "https://api.elba.io"
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	MetricsAddr string

	ElbaAPIBaseURL string
	ElbaAPIKey     string
	WebhookSecret  string

	EncryptionKey       string
	VaultTransitAddress string
	VaultTransitToken   string
	VaultTransitKey     string

	SyncInterval          time.Duration
	SyncMaxAttempts       int
	SyncFailureBackoff    time.Duration
	SyncFailureBackoffMax time.Duration
	SyncOrgWorkers        int
	MicrosoftWorkers      int

	RefreshCheckInterval time.Duration
	RefreshMargin        time.Duration

	CalendlyClientID      string
	CalendlyClientSecret  string
	HarvestClientID       string
	HarvestClientSecret   string
	MicrosoftClientID     string
	MicrosoftClientSecret string
}

type LoadOptions struct {
	RequireDatabaseURL bool
	RequireElbaAPIKey  bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true, RequireElbaAPIKey: true})
}

func LoadOptionalElba() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		HTTPAddr:             getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:          getenvDefault("METRICS_ADDR", defaultMetricsAddr),
		ElbaAPIBaseURL:       getenvDefault("ELBA_API_BASE_URL", defaultElbaAPIBaseURL),
		ElbaAPIKey:           strings.TrimSpace(os.Getenv("ELBA_API_KEY")),
		WebhookSecret:        strings.TrimSpace(os.Getenv("ELBA_WEBHOOK_SECRET")),
		EncryptionKey:        strings.TrimSpace(os.Getenv("ENCRYPTION_KEY")),
		VaultTransitAddress:  strings.TrimSpace(os.Getenv("VAULT_TRANSIT_ADDR")),
		VaultTransitToken:    strings.TrimSpace(os.Getenv("VAULT_TRANSIT_TOKEN")),
		VaultTransitKey:      getenvDefault("VAULT_TRANSIT_KEY", "elba-connect-credentials"),
		SyncInterval:         defaultSyncInterval,
		SyncMaxAttempts:      getenvIntDefault("SYNC_MAX_ATTEMPTS", defaultSyncMaxAttempts),
		SyncFailureBackoff:   defaultSyncFailureBackoff,
		SyncOrgWorkers:       getenvIntDefault("SYNC_ORG_WORKERS", defaultSyncOrgWorkers),
		MicrosoftWorkers:     getenvIntDefault("SYNC_MICROSOFT_WORKERS", defaultMicrosoftWorkers),
		RefreshCheckInterval: defaultRefreshCheckInterval,
		RefreshMargin:        defaultRefreshMargin,

		CalendlyClientID:      strings.TrimSpace(os.Getenv("CALENDLY_CLIENT_ID")),
		CalendlyClientSecret:  strings.TrimSpace(os.Getenv("CALENDLY_CLIENT_SECRET")),
		HarvestClientID:       strings.TrimSpace(os.Getenv("HARVEST_CLIENT_ID")),
		HarvestClientSecret:   strings.TrimSpace(os.Getenv("HARVEST_CLIENT_SECRET")),
		MicrosoftClientID:     strings.TrimSpace(os.Getenv("MICROSOFT_CLIENT_ID")),
		MicrosoftClientSecret: strings.TrimSpace(os.Getenv("MICROSOFT_CLIENT_SECRET")),
	}

	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SyncInterval = d
		}
	}
	if v := os.Getenv("SYNC_FAILURE_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SyncFailureBackoff = d
		}
	}
	if v := os.Getenv("SYNC_FAILURE_BACKOFF_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SyncFailureBackoffMax = d
		}
	}
	if v := os.Getenv("TOKEN_REFRESH_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RefreshCheckInterval = d
		}
	}
	if v := os.Getenv("TOKEN_REFRESH_MARGIN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RefreshMargin = d
		}
	}

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}
	if opts.RequireElbaAPIKey && cfg.ElbaAPIKey == "" {
		return cfg, errors.New("ELBA_API_KEY is required")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
