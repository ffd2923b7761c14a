package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/kalambet/klwatch/internal/api"
	"github.com/kalambet/klwatch/internal/browser"
	"github.com/kalambet/klwatch/internal/cache"
	"github.com/kalambet/klwatch/internal/config"
	"github.com/kalambet/klwatch/internal/events"
	"github.com/kalambet/klwatch/internal/metrics"
	"github.com/kalambet/klwatch/internal/reconcile"
	"github.com/kalambet/klwatch/internal/runner"
	"github.com/kalambet/klwatch/internal/scheduler"
	"github.com/kalambet/klwatch/internal/scraper"
	"github.com/kalambet/klwatch/internal/search"
	"github.com/kalambet/klwatch/internal/storage"
)

const schedulerShutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the klwatch server and scheduler (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running klwatch server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show klwatch server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "klwatch.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "klwatch version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))

	apiToken, err := config.APIToken(cfg, config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := cfg.Storage.DSN
	if dsn == "" {
		dsn = cfg.Storage.DataDir
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()
	slog.Info("storage ready", "dialect", store.Dialect())

	chrome, err := browser.StartChrome(browser.ChromeOptions{
		Headless:          cfg.Browser.Headless,
		ExecPath:          cfg.Browser.ChromePath,
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: config.Duration("browser.navigation_timeout", cfg.Browser.NavigationTimeout, 45*time.Second),
	})
	if err != nil {
		return fmt.Errorf("starting browser: %w", err)
	}
	defer chrome.Close()

	pool := browser.NewPool(chrome, browser.PoolOptions{
		MaxSessions:   cfg.Browser.MaxSessions,
		MaxIdle:       cfg.Browser.MaxIdle,
		RatePerSecond: cfg.Browser.RatePerSecond,
		RateBurst:     cfg.Browser.RateBurst,
	})
	defer pool.Close()

	scraperOpts := scraper.Options{
		BaseURL:    cfg.Scraper.BaseURL,
		MaxRetries: cfg.Scraper.MaxRetries,
		Backoff:    config.Duration("scraper.retry_backoff", cfg.Scraper.RetryBackoff, time.Second),
	}
	extractor := scraper.NewExtractor(pool, scraperOpts)
	details := scraper.NewDetailFetcher(pool, scraperOpts)

	// Redis is optional: without it there is no search cache and no events.
	var (
		publisher   scheduler.EventPublisher
		searchCache search.Cache
	)
	if cfg.Redis.URL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err := events.Connect(connectCtx, cfg.Redis.URL)
		cancel()
		if err != nil {
			slog.Warn("redis unavailable, continuing without cache and events", "error", err)
		} else {
			defer rdb.Close()
			publisher = events.NewPublisher(rdb, cfg.Redis.EventsChannel)
			searchCache = cache.New(rdb, config.Duration("redis.cache_ttl", cfg.Redis.CacheTTL, 5*time.Minute))
			slog.Info("redis connected", "events_channel", cfg.Redis.EventsChannel)
		}
	}

	exec := runner.New(extractor, details, reconcile.New(store, cfg.Reconcile.DeletionThreshold), store, runner.Options{
		RunTimeout:        config.Duration("scheduler.run_timeout", cfg.Scheduler.RunTimeout, 10*time.Minute),
		EnrichDetails:     cfg.Scheduler.EnrichDetails,
		EnrichConcurrency: cfg.Scheduler.EnrichConcurrency,
		EnrichLimit:       cfg.Scheduler.EnrichLimit,
	})

	m := metrics.New(pool)
	sched := scheduler.New(store, exec, scheduler.Publishers(publisher, m), scheduler.Options{
		DefaultInterval: cfg.Scheduler.DefaultInterval,
		SeedJobs:        cfg.Scheduler.SeedJobs,
	})
	m.WatchJobs(sched)
	if err := sched.Load(ctx); err != nil {
		return fmt.Errorf("loading scheduler: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), schedulerShutdownTimeout)
		defer cancel()
		if err := sched.Shutdown(shutdownCtx); err != nil {
			slog.Warn("scheduler shutdown incomplete", "error", err)
		}
	}()

	searchSvc := search.New(extractor, details, searchCache, search.Options{
		BaseURL:           cfg.Scraper.BaseURL,
		DetailConcurrency: cfg.Scraper.DetailConcurrency,
	})

	handler := api.NewHandler(api.Deps{
		Jobs:     sched,
		Listings: store,
		Search:   searchSvc,
		Metrics:  m.Handler(),
		Token:    apiToken,
	})

	if cfg.Server.MCPStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Jobs:     sched,
			Listings: store,
			Search:   searchSvc,
			Version:  version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("klwatch listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("klwatch is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop klwatch (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to klwatch (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		printError("%v", err)
		return nil
	}
	client.httpClient = &http.Client{Timeout: 2 * time.Second}

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running at %s", client.baseURL)

	if resp, err := client.get(ctx, "/metrics"); err == nil {
		families, err := parseMetrics(resp)
		if err == nil {
			printStatus("Armed jobs", "%.0f", gaugeValue(families, metrics.ArmedJobsName))
			if _, ok := families[metrics.PoolMaxSessionsName]; ok {
				printStatus("Browser sessions", "%.0f in use, %.0f idle, max %.0f",
					gaugeValue(families, metrics.PoolInUseName),
					gaugeValue(families, metrics.PoolIdleName),
					gaugeValue(families, metrics.PoolMaxSessionsName))
			}
		}
	}

	var page struct {
		Total int `json:"total"`
	}
	if resp, err := client.get(ctx, "/stored-listings?limit=1"); err == nil && decodeJSON(resp, &page) == nil {
		printStatus("Stored listings", "%d", page.Total)
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func parseMetrics(resp *http.Response) (map[string]*dto.MetricFamily, error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	var parser expfmt.TextParser
	return parser.TextToMetricFamilies(resp.Body)
}

func gaugeValue(families map[string]*dto.MetricFamily, name string) float64 {
	mf, ok := families[name]
	if !ok || len(mf.GetMetric()) == 0 {
		return 0
	}
	return mf.GetMetric()[0].GetGauge().GetValue()
}
