package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Browser   BrowserConfig
	Scraper   ScraperConfig
	Scheduler SchedulerConfig
	Reconcile ReconcileConfig
	Redis     RedisConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host     string
	Port     int
	APIToken string
	MCPStdio bool
}

type StorageConfig struct {
	DataDir string
	// DSN selects Postgres when set to a postgres:// URL; otherwise SQLite in DataDir.
	DSN string
}

type BrowserConfig struct {
	MaxSessions       int
	MaxIdle           int
	Headless          bool
	ChromePath        string
	UserAgent         string
	NavigationTimeout string
	RatePerSecond     float64
	RateBurst         int
}

type ScraperConfig struct {
	BaseURL           string
	MaxRetries        int
	RetryBackoff      string
	DetailConcurrency int
}

type SchedulerConfig struct {
	RunTimeout        string
	DefaultInterval   int
	EnrichDetails     bool
	EnrichConcurrency int
	EnrichLimit       int
	// SeedJobs is a JSON array of job definitions created at startup if missing.
	SeedJobs string
}

type ReconcileConfig struct {
	DeletionThreshold int
}

type RedisConfig struct {
	URL           string
	CacheTTL      string
	EventsChannel string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Browser: BrowserConfig{
			MaxSessions:       5,
			MaxIdle:           5,
			Headless:          true,
			UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			NavigationTimeout: "45s",
			RatePerSecond:     2,
			RateBurst:         4,
		},
		Scraper: ScraperConfig{
			BaseURL:           "https://www.kleinanzeigen.de",
			MaxRetries:        2,
			RetryBackoff:      "1s",
			DetailConcurrency: 5,
		},
		Scheduler: SchedulerConfig{
			RunTimeout:        "10m",
			DefaultInterval:   3600,
			EnrichDetails:     false,
			EnrichConcurrency: 3,
			EnrichLimit:       25,
		},
		Reconcile: ReconcileConfig{
			DeletionThreshold: 1,
		},
		Redis: RedisConfig{
			CacheTTL:      "5m",
			EventsChannel: "klwatch:events",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in increasing precedence: defaults, the JSON file
// at $XDG_CONFIG_HOME/klwatch/config.json, a .env file in the working
// directory, and KLWATCH_* environment variables.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load .env: %v\n", err)
	}
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	applyLegacyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Browser.MaxSessions < 1 {
		return fmt.Errorf("invalid config: browser.max_sessions must be at least 1, got %d", c.Browser.MaxSessions)
	}
	if c.Scraper.MaxRetries < 0 {
		return fmt.Errorf("invalid config: scraper.max_retries must not be negative, got %d", c.Scraper.MaxRetries)
	}
	if c.Reconcile.DeletionThreshold < 1 {
		return fmt.Errorf("invalid config: reconcile.deletion_threshold must be at least 1, got %d", c.Reconcile.DeletionThreshold)
	}
	return nil
}

// Duration parses a duration-valued config key, falling back to def and
// logging when the value is malformed.
func Duration(key, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration in config, using default", "key", key, "value", value, "default", def)
		return def
	}
	return d
}

// LogLevel maps log.level onto a slog level.
func (c Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
