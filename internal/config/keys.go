package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "KLWATCH_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "KLWATCH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "KLWATCH_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.mcp_stdio", typ: kBool, env: "KLWATCH_MCP_STDIO",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPStdio = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPStdio },
	},
	{
		key: "storage.data_dir", typ: kString, env: "KLWATCH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.dsn", typ: kString, env: "KLWATCH_DATABASE_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DSN },
	},
	{
		key: "browser.max_sessions", typ: kInt, env: "KLWATCH_BROWSER_MAX_SESSIONS",
		apply:   func(cfg *Config, v any) { cfg.Browser.MaxSessions = v.(int) },
		extract: func(cfg Config) any { return cfg.Browser.MaxSessions },
	},
	{
		key: "browser.max_idle", typ: kInt, env: "KLWATCH_BROWSER_MAX_IDLE",
		apply:   func(cfg *Config, v any) { cfg.Browser.MaxIdle = v.(int) },
		extract: func(cfg Config) any { return cfg.Browser.MaxIdle },
	},
	{
		key: "browser.headless", typ: kBool, env: "KLWATCH_BROWSER_HEADLESS",
		apply:   func(cfg *Config, v any) { cfg.Browser.Headless = v.(bool) },
		extract: func(cfg Config) any { return cfg.Browser.Headless },
	},
	{
		key: "browser.chrome_path", typ: kString, env: "KLWATCH_BROWSER_CHROME_PATH",
		apply:   func(cfg *Config, v any) { cfg.Browser.ChromePath = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.ChromePath },
	},
	{
		key: "browser.user_agent", typ: kString, env: "KLWATCH_BROWSER_USER_AGENT",
		apply:   func(cfg *Config, v any) { cfg.Browser.UserAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.UserAgent },
	},
	{
		key: "browser.navigation_timeout", typ: kString, env: "KLWATCH_BROWSER_NAVIGATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Browser.NavigationTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.NavigationTimeout },
	},
	{
		key: "browser.rate_per_second", typ: kFloat, env: "KLWATCH_BROWSER_RATE_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Browser.RatePerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Browser.RatePerSecond },
	},
	{
		key: "browser.rate_burst", typ: kInt, env: "KLWATCH_BROWSER_RATE_BURST",
		apply:   func(cfg *Config, v any) { cfg.Browser.RateBurst = v.(int) },
		extract: func(cfg Config) any { return cfg.Browser.RateBurst },
	},
	{
		key: "scraper.base_url", typ: kString, env: "KLWATCH_SCRAPER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Scraper.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Scraper.BaseURL },
	},
	{
		key: "scraper.max_retries", typ: kInt, env: "KLWATCH_SCRAPER_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Scraper.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Scraper.MaxRetries },
	},
	{
		key: "scraper.retry_backoff", typ: kString, env: "KLWATCH_SCRAPER_RETRY_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Scraper.RetryBackoff = v.(string) },
		extract: func(cfg Config) any { return cfg.Scraper.RetryBackoff },
	},
	{
		key: "scraper.detail_concurrency", typ: kInt, env: "KLWATCH_SCRAPER_DETAIL_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Scraper.DetailConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Scraper.DetailConcurrency },
	},
	{
		key: "scheduler.run_timeout", typ: kString, env: "KLWATCH_SCHEDULER_RUN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.RunTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.RunTimeout },
	},
	{
		key: "scheduler.default_interval", typ: kInt, env: "KLWATCH_SCHEDULER_DEFAULT_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.DefaultInterval = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.DefaultInterval },
	},
	{
		key: "scheduler.enrich_details", typ: kBool, env: "KLWATCH_SCHEDULER_ENRICH_DETAILS",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.EnrichDetails = v.(bool) },
		extract: func(cfg Config) any { return cfg.Scheduler.EnrichDetails },
	},
	{
		key: "scheduler.enrich_concurrency", typ: kInt, env: "KLWATCH_SCHEDULER_ENRICH_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.EnrichConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.EnrichConcurrency },
	},
	{
		key: "scheduler.enrich_limit", typ: kInt, env: "KLWATCH_SCHEDULER_ENRICH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.EnrichLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.EnrichLimit },
	},
	{
		key: "scheduler.seed_jobs", typ: kString, env: "KLWATCH_SCHEDULER_SEED_JOBS",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.SeedJobs = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.SeedJobs },
	},
	{
		key: "reconcile.deletion_threshold", typ: kInt, env: "KLWATCH_RECONCILE_DELETION_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Reconcile.DeletionThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Reconcile.DeletionThreshold },
	},
	{
		key: "redis.url", typ: kString, env: "KLWATCH_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Redis.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.URL },
	},
	{
		key: "redis.cache_ttl", typ: kString, env: "KLWATCH_REDIS_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Redis.CacheTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.CacheTTL },
	},
	{
		key: "redis.events_channel", typ: kString, env: "KLWATCH_REDIS_EVENTS_CHANNEL",
		apply:   func(cfg *Config, v any) { cfg.Redis.EventsChannel = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.EventsChannel },
	},
	{
		key: "log.level", typ: kString, env: "KLWATCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applyLegacyEnv honours the variable names used by earlier deployments when
// their KLWATCH_* counterparts are unset.
func applyLegacyEnv(cfg *Config) {
	if cfg.Scheduler.SeedJobs == "" {
		cfg.Scheduler.SeedJobs = os.Getenv("SCRAPER_JOBS")
	}
	if os.Getenv("KLWATCH_SCHEDULER_DEFAULT_INTERVAL") == "" {
		if raw := os.Getenv("SCRAPER_INTERVAL_SECONDS"); raw != "" {
			if i, err := strconv.Atoi(raw); err == nil && i > 0 {
				cfg.Scheduler.DefaultInterval = i
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse env var SCRAPER_INTERVAL_SECONDS=%q. Using default value.\n", raw)
			}
		}
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = os.Getenv("DATABASE_URL")
	}
}
