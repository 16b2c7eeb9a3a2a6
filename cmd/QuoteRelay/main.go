package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/QuoteRelay/internal/api"
	"github.com/BTreeMap/QuoteRelay/internal/cache"
	"github.com/BTreeMap/QuoteRelay/internal/clients"
	"github.com/BTreeMap/QuoteRelay/internal/delivery"
	"github.com/BTreeMap/QuoteRelay/internal/lockfile"
	"github.com/BTreeMap/QuoteRelay/internal/metrics"
	"github.com/BTreeMap/QuoteRelay/internal/notify"
	"github.com/BTreeMap/QuoteRelay/internal/recovery"
	"github.com/BTreeMap/QuoteRelay/internal/router"
	"github.com/BTreeMap/QuoteRelay/internal/scheduler"
	"github.com/BTreeMap/QuoteRelay/internal/store"
	"github.com/BTreeMap/QuoteRelay/internal/util"
	"github.com/BTreeMap/QuoteRelay/internal/worker"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for QuoteRelay state data
	DefaultStateDir = "/var/lib/quoterelay"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "quoterelay.db"
	// DefaultCacheFileName is the bbolt file holding cache partitions
	DefaultCacheFileName = "cache.db"
	// DefaultOrigin is where the quotation front-end is served from
	DefaultOrigin = "http://localhost:5173"
	// DefaultAPIEndpoint is the remote quotation API base URL
	DefaultAPIEndpoint = "http://localhost:4000"
)

var validate = validator.New()

// Config holds the effective configuration after env and flags are merged.
type Config struct {
	LogLevel       string `validate:"oneof=debug info warn error"`
	StateDir       string `validate:"required"`
	DatabaseDSN    string `validate:"required"`
	Origin         string `validate:"required,url"`
	APIEndpoint    string `validate:"required,url"`
	APIAddr        string `validate:"required"`
	ManifestPath   string
	OriginPatterns string
	Debounce       time.Duration `validate:"gte=0"`
	Pause          time.Duration `validate:"gte=0"`
	DedupeWindow   time.Duration `validate:"gte=0"`
	ProbeInterval  time.Duration `validate:"gt=0"`
	InstallFetches int           `validate:"gte=0"`
	ImmediateSend  bool
	SweepSchedule  string `validate:"required"`
	TerminalQR     bool
	TwilioSID      string
	TwilioToken    string `validate:"required_with=TwilioSID"`
	TwilioFrom     string `validate:"required_with=TwilioSID"`
	SMSTo          string `validate:"required_with=TwilioSID"`
}

func main() {
	// Initialize structured logger; re-initialized below once flags are known
	initializeLogger(os.Getenv("QUOTERELAY_LOG_LEVEL"))

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	config, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	initializeLogger(config.LogLevel)

	if err := validateConfig(config); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Ensure required directories exist
	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping QuoteRelay", "state_dir", config.StateDir, "origin", config.Origin, "api_endpoint", config.APIEndpoint, "api_addr", config.APIAddr)
	if err := run(ctx, config); err != nil {
		slog.Error("QuoteRelay failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("QuoteRelay exited successfully")
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		LogLevel:       strings.ToLower(util.GetenvDefault("QUOTERELAY_LOG_LEVEL", "info")),
		StateDir:       util.GetenvDefault("QUOTERELAY_STATE_DIR", DefaultStateDir),
		DatabaseDSN:    os.Getenv("DATABASE_URL"),
		Origin:         util.GetenvDefault("QUOTERELAY_ORIGIN", DefaultOrigin),
		APIEndpoint:    util.GetenvDefault("QUOTERELAY_API_ENDPOINT", DefaultAPIEndpoint),
		APIAddr:        util.GetenvDefault("API_ADDR", api.DefaultAddr),
		ManifestPath:   os.Getenv("QUOTERELAY_MANIFEST"),
		OriginPatterns: os.Getenv("QUOTERELAY_WS_ORIGINS"),
		Debounce:       util.ParseDurationEnv("QUOTERELAY_DEBOUNCE", delivery.DefaultDebounce),
		Pause:          util.ParseDurationEnv("QUOTERELAY_PAUSE", delivery.DefaultPause),
		DedupeWindow:   util.ParseDurationEnv("QUOTERELAY_DEDUPE_WINDOW", router.DefaultDedupeWindow),
		ProbeInterval:  util.ParseDurationEnv("QUOTERELAY_PROBE_INTERVAL", delivery.DefaultProbeInterval),
		InstallFetches: util.ParseIntEnv("QUOTERELAY_INSTALL_CONCURRENCY", 0),
		ImmediateSend:  util.ParseBoolEnv("IMMEDIATE_SEND_ON_SAVE", true),
		SweepSchedule:  util.GetenvDefault("QUOTERELAY_SWEEP_SCHEDULE", scheduler.DefaultSweepSchedule),
		TerminalQR:     util.ParseBoolEnv("QUOTERELAY_TERMINAL_QR", false),
		TwilioSID:      os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:     os.Getenv("TWILIO_FROM_NUMBER"),
		SMSTo:          os.Getenv("QUOTERELAY_SMS_TO"),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}

	slog.Debug("environment variables loaded",
		"QUOTERELAY_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"QUOTERELAY_ORIGIN", config.Origin,
		"QUOTERELAY_API_ENDPOINT", config.APIEndpoint,
		"QUOTERELAY_MANIFEST", config.ManifestPath,
		"IMMEDIATE_SEND_ON_SAVE", config.ImmediateSend,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	envStateDir := config.StateDir
	envDSN := config.DatabaseDSN

	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $QUOTERELAY_LOG_LEVEL)")
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for QuoteRelay data (overrides $QUOTERELAY_STATE_DIR)")
	fs.StringVar(&config.DatabaseDSN, "db-dsn", config.DatabaseDSN, "SQLite path or Postgres DSN for pending quotations (overrides $DATABASE_URL)")
	fs.StringVar(&config.Origin, "origin", config.Origin, "origin serving the quotation front-end (overrides $QUOTERELAY_ORIGIN)")
	fs.StringVar(&config.APIEndpoint, "api-endpoint", config.APIEndpoint, "remote quotation API base URL (overrides $QUOTERELAY_API_ENDPOINT)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "listen address (overrides $API_ADDR)")
	fs.StringVar(&config.ManifestPath, "manifest", config.ManifestPath, "cache manifest JSON file, watched for changes (overrides $QUOTERELAY_MANIFEST)")
	fs.StringVar(&config.OriginPatterns, "ws-origins", config.OriginPatterns, "comma-separated extra origins allowed on the message channel (overrides $QUOTERELAY_WS_ORIGINS)")
	fs.DurationVar(&config.Debounce, "debounce", config.Debounce, "delay before a scheduled delivery pass (overrides $QUOTERELAY_DEBOUNCE)")
	fs.DurationVar(&config.Pause, "pause", config.Pause, "pause between deliveries (overrides $QUOTERELAY_PAUSE)")
	fs.DurationVar(&config.DedupeWindow, "dedupe-window", config.DedupeWindow, "duplicate submission window, 0 disables (overrides $QUOTERELAY_DEDUPE_WINDOW)")
	fs.DurationVar(&config.ProbeInterval, "probe-interval", config.ProbeInterval, "connectivity probe interval (overrides $QUOTERELAY_PROBE_INTERVAL)")
	fs.IntVar(&config.InstallFetches, "install-concurrency", config.InstallFetches, "parallel precache fetches, 0 uses the default (overrides $QUOTERELAY_INSTALL_CONCURRENCY)")
	fs.BoolVar(&config.ImmediateSend, "immediate-send", config.ImmediateSend, "schedule delivery right after a save when online (overrides $IMMEDIATE_SEND_ON_SAVE)")
	fs.StringVar(&config.SweepSchedule, "sweep-schedule", config.SweepSchedule, "cron expression for the periodic queue sweep (overrides $QUOTERELAY_SWEEP_SCHEDULE)")
	fs.BoolVar(&config.TerminalQR, "terminal-qr", config.TerminalQR, "print a QR code with each console notification (overrides $QUOTERELAY_TERMINAL_QR)")
	fs.StringVar(&config.SMSTo, "sms-to", config.SMSTo, "operator number mirrored by SMS (overrides $QUOTERELAY_SMS_TO)")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	slog.Debug("flags parsed",
		"logLevel", config.LogLevel,
		"stateDir", config.StateDir,
		"dbDSN_set", config.DatabaseDSN != "",
		"origin", config.Origin,
		"apiEndpoint", config.APIEndpoint,
		"apiAddr", config.APIAddr,
		"manifest", config.ManifestPath)

	// Update database DSN if not explicitly set but state directory is provided
	if config.DatabaseDSN == envDSN && envDSN == filepath.Join(envStateDir, DefaultDBFileName) && config.StateDir != envStateDir {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", envStateDir, "new_state_dir", config.StateDir)
	}
	return config, nil
}

func validateConfig(config Config) error {
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(config Config) error {
	if err := os.MkdirAll(config.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state directory %s: %w", config.StateDir, err)
	}
	if store.DetectDSNType(config.DatabaseDSN) == "sqlite3" {
		dir := filepath.Dir(strings.TrimPrefix(config.DatabaseDSN, "file:"))
		slog.Debug("Creating directory for file-based database", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	var storeOpts []store.Option
	switch store.DetectDSNType(config.DatabaseDSN) {
	case "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(config.DatabaseDSN))
	case "memory":
		slog.Debug("Memory DSN provided, pending quotations will not survive a restart")
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", config.DatabaseDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(config.DatabaseDSN))
	}
	return storeOpts
}

// buildCacheOptions constructs cache manager options shared by every manifest version.
// The connectivity monitor tracks the quotation API, not the origin, so cache misses
// always attempt the network and fall back only when that fetch fails.
func buildCacheOptions(config Config, registry *clients.Registry, m *metrics.Metrics) []cache.Option {
	cacheOpts := []cache.Option{
		cache.WithOrigin(config.Origin),
		cache.WithAPIOrigin(config.APIEndpoint),
		cache.WithClaimer(registry),
		cache.WithMetrics(m),
	}
	if config.InstallFetches > 0 {
		cacheOpts = append(cacheOpts, cache.WithInstallConcurrency(config.InstallFetches))
	}
	return cacheOpts
}

// buildDeliveryOptions constructs delivery processor options
func buildDeliveryOptions(config Config, registry *clients.Registry, presenter *notify.Presenter, m *metrics.Metrics) []delivery.Option {
	return []delivery.Option{
		delivery.WithDebounce(config.Debounce),
		delivery.WithPause(config.Pause),
		delivery.WithBroadcaster(registry),
		delivery.WithNotifier(presenter),
		delivery.WithMetrics(m),
	}
}

// buildRouterOptions constructs control-message router options
func buildRouterOptions(config Config, monitor *delivery.Monitor, skipWaiting func(context.Context) error, m *metrics.Metrics) []router.Option {
	routerOpts := []router.Option{
		router.WithDedupeWindow(config.DedupeWindow),
		router.WithSkipWaiting(skipWaiting),
		router.WithMetrics(m),
	}
	if config.ImmediateSend {
		routerOpts = append(routerOpts, router.WithImmediateSend(monitor.Online))
	}
	return routerOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	var apiOpts []api.Option
	if config.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(config.APIAddr))
	}
	if patterns := splitList(config.OriginPatterns); len(patterns) > 0 {
		apiOpts = append(apiOpts, api.WithOriginPatterns(patterns...))
	}
	return apiOpts
}

// buildSMSOptions constructs the Twilio mirror options; nil means the mirror is disabled
func buildSMSOptions(config Config) []notify.SMSOption {
	if config.TwilioSID == "" {
		return nil
	}
	return []notify.SMSOption{
		notify.WithAccountSID(config.TwilioSID),
		notify.WithAuthToken(config.TwilioToken),
		notify.WithFrom(config.TwilioFrom),
		notify.WithTo(config.SMSTo),
	}
}

// buildDisplays assembles every notification display the configuration enables
func buildDisplays(config Config, registry *clients.Registry) ([]notify.Display, error) {
	terminal, err := notify.NewTerminalDisplay(os.Stdout, config.Origin, config.TerminalQR)
	if err != nil {
		return nil, err
	}
	displays := []notify.Display{notify.NewClientDisplay(registry), terminal}
	if smsOpts := buildSMSOptions(config); smsOpts != nil {
		sms, err := notify.NewSMSDisplay(smsOpts...)
		if err != nil {
			return nil, fmt.Errorf("sms mirror: %w", err)
		}
		displays = append(displays, sms)
	}
	return displays, nil
}

// loadManifest reads the configured manifest, or falls back to the built-in one
func loadManifest(path string) (*cache.Manifest, error) {
	if path == "" {
		return cache.DefaultManifest(), nil
	}
	return cache.LoadManifest(path)
}

// newOriginProxy forwards requests to the front-end origin while no version is active
func newOriginProxy(origin string) (http.Handler, error) {
	target, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin %q: %w", origin, err)
	}
	return httputil.NewSingleHostReverseProxy(target), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, config Config) error {
	lock, err := lockfile.AcquireLock(config.StateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Error("Failed to release state directory lock", "error", err)
		}
	}()

	repo, err := store.NewStore(buildStoreOptions(config)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	storage, err := cache.NewBoltStorage(filepath.Join(config.StateDir, DefaultCacheFileName))
	if err != nil {
		return fmt.Errorf("open cache storage: %w", err)
	}
	defer storage.Close()

	m := &metrics.Metrics{}
	registry := clients.NewRegistry(m)
	monitor := delivery.NewMonitor(config.APIEndpoint, nil, config.ProbeInterval)

	displays, err := buildDisplays(config, registry)
	if err != nil {
		return err
	}
	presenter := notify.NewPresenter(registry, m, displays...)

	sender := delivery.NewHTTPSender(config.APIEndpoint, nil, delivery.DefaultSendTimeout)
	proc := delivery.NewProcessor(repo, sender, buildDeliveryOptions(config, registry, presenter, m)...)
	defer proc.Stop()
	monitor.OnChange(func(online bool) {
		if online {
			proc.Schedule()
		}
	})

	var w *worker.Worker
	skipWaiting := func(ctx context.Context) error { return w.SkipWaiting(ctx) }
	rt, err := router.NewRouter(repo, proc, buildRouterOptions(config, monitor, skipWaiting, m)...)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}

	fallback, err := newOriginProxy(config.Origin)
	if err != nil {
		return err
	}
	cacheOpts := buildCacheOptions(config, registry, m)
	w, err = worker.New(worker.Deps{
		NewManager: func(mf *cache.Manifest) (*cache.Manager, error) {
			return cache.NewManager(mf, storage, cacheOpts...)
		},
		Messages:     rt,
		Queue:        proc,
		Connectivity: monitor,
		Notifier:     presenter,
		Fallback:     fallback,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	manifest, err := loadManifest(config.ManifestPath)
	if err != nil {
		return err
	}

	// The origin may be down at boot; requests are proxied until a later install succeeds.
	rm := recovery.NewRecoveryManager(repo, proc)
	rm.RegisterRecoverable("cache-install", recovery.RecoverableFunc(func(ctx context.Context, _ *recovery.RecoveryRegistry) error {
		return w.Start(ctx, manifest)
	}))
	rm.RegisterRecoverable("delivery-queue", recovery.QueueRecovery{})
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob("queue-sweep", config.SweepSchedule, func() {
		if _, err := w.Dispatch(ctx, worker.Event{Type: worker.EventPeriodicSync}); err != nil {
			slog.Error("Queue sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}

	srv, err := api.NewServer(api.Deps{
		Worker:    w,
		Clients:   registry,
		Store:     repo,
		Processor: proc,
		Monitor:   monitor,
		Metrics:   m,
	}, buildAPIOptions(config)...)
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	if config.ManifestPath != "" {
		watcher := cache.NewManifestWatcher(config.ManifestPath, manifest.Version, func(next *cache.Manifest) {
			if _, err := w.Dispatch(gctx, worker.Event{Type: worker.EventManifestChange, Manifest: next}); err != nil {
				slog.Error("Manifest change install failed", "version", next.Version, "error", err)
			}
		})
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if active := w.Active(); active != nil {
		active.WaitIdle()
	}
	return nil
}
