package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/you/gnasty-live/internal/adapter"
	"github.com/you/gnasty-live/internal/bus"
	"github.com/you/gnasty-live/internal/config"
	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/errhandler"
	"github.com/you/gnasty-live/internal/harvester"
	"github.com/you/gnasty-live/internal/helix"
	httpadmin "github.com/you/gnasty-live/internal/http"
	"github.com/you/gnasty-live/internal/httpapi"
	"github.com/you/gnasty-live/internal/httpclient"
	"github.com/you/gnasty-live/internal/ingesttrace"
	"github.com/you/gnasty-live/internal/router"
	"github.com/you/gnasty-live/internal/sink"
	"github.com/you/gnasty-live/internal/tiktok"
	"github.com/you/gnasty-live/internal/twitch"
	"github.com/you/gnasty-live/internal/twitchauth"
	"github.com/you/gnasty-live/internal/version"
	"github.com/you/gnasty-live/internal/viewercount"
	"github.com/you/gnasty-live/internal/youtube"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	version         bool
	configFile      string
	logLevel        string
	dbPath          string
	twChannel       string
	twNick          string
	twTokenFile     string
	twRefreshFile   string
	twClientID      string
	twClientSecret  string
	twTLS           bool
	twEventSub      bool
	ytURL           string
	ttUser          string
	ttRelay         string
	httpAddr        string
	httpCorsOrigins string
	httpRateRPS     int
	httpRateBurst   int
	httpMetrics     bool
	httpAccessLog   bool
}

func main() {
	var f flags
	flag.BoolVar(&f.version, "version", false, "Print build version and exit")
	flag.StringVar(&f.configFile, "config", "", "YAML config file (overrides GNASTY_CONFIG_FILE)")
	flag.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&f.dbPath, "sqlite", "chat.db", "Path to SQLite database file")
	flag.StringVar(&f.twChannel, "twitch-channel", "", "Twitch channel to join (without #)")
	flag.StringVar(&f.twNick, "twitch-nick", "", "Twitch nickname to login as")
	flag.StringVar(&f.twTokenFile, "twitch-token-file", "", "Path to file containing the Twitch OAuth token")
	flag.StringVar(&f.twRefreshFile, "twitch-refresh-token-file", "", "Path to file containing the Twitch refresh token")
	flag.StringVar(&f.twClientID, "twitch-client-id", "", "Twitch application client ID")
	flag.StringVar(&f.twClientSecret, "twitch-client-secret", "", "Twitch application client secret")
	flag.BoolVar(&f.twTLS, "twitch-tls", true, "Use TLS (port 6697) for the Twitch IRC fallback")
	flag.BoolVar(&f.twEventSub, "twitch-eventsub", true, "Use EventSub instead of IRC for Twitch")
	flag.StringVar(&f.ytURL, "youtube-url", "", "YouTube live/watch URL, @handle or channel id")
	flag.StringVar(&f.ttUser, "tiktok-user", "", "TikTok unique id to follow")
	flag.StringVar(&f.ttRelay, "tiktok-relay", "", "TikTok relay websocket URL")
	flag.StringVar(&f.httpAddr, "http-addr", "", "HTTP status/stream address (e.g., :8765)")
	flag.StringVar(&f.httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&f.httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&f.httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.BoolVar(&f.httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&f.httpAccessLog, "http-access-log", true, "Log HTTP access records")
	flag.Parse()

	if f.version {
		fmt.Printf("harvester version: %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(fl *flag.Flag) { overrides[fl.Name] = true })

	if overrides["config"] {
		_ = os.Setenv("GNASTY_CONFIG_FILE", f.configFile)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "harvester: config: %v\n", err)
		os.Exit(2)
	}
	applyFlags(&cfg, f, overrides)

	logger := newLogger(cfg.General.LogLevel)
	slog.SetDefault(logger)
	logger.Info("harvester: starting", "version", version.Version, "commit", version.Commit)
	logger.Info(string(cfg.SummaryJSON()))

	if err := run(cfg, logger); err != nil {
		logger.Error("harvester: exiting", "err", err)
		os.Exit(1)
	}
}

// applyFlags lets explicitly set flags win over file and environment.
func applyFlags(cfg *config.Config, f flags, set map[string]bool) {
	if set["log-level"] {
		cfg.General.LogLevel = strings.ToLower(strings.TrimSpace(f.logLevel))
	}
	if set["sqlite"] {
		cfg.Sink.SQLite.Path = strings.TrimSpace(f.dbPath)
		if !cfg.HasSink("sqlite") {
			cfg.Sinks = append(cfg.Sinks, "sqlite")
		}
	}
	if set["twitch-channel"] {
		cfg.Twitch.Channel = strings.TrimPrefix(strings.TrimSpace(f.twChannel), "#")
		cfg.Twitch.Enabled = cfg.Twitch.Channel != ""
	}
	if set["twitch-nick"] {
		cfg.Twitch.Username = strings.TrimSpace(f.twNick)
	}
	if set["twitch-token-file"] {
		cfg.Twitch.TokenFile = strings.TrimSpace(f.twTokenFile)
	}
	if set["twitch-refresh-token-file"] {
		cfg.Twitch.RefreshTokenFile = strings.TrimSpace(f.twRefreshFile)
	}
	if set["twitch-client-id"] {
		cfg.Twitch.ClientID = strings.TrimSpace(f.twClientID)
	}
	if set["twitch-client-secret"] {
		cfg.Twitch.ClientSecret = strings.TrimSpace(f.twClientSecret)
	}
	if set["twitch-tls"] {
		cfg.Twitch.TLS = f.twTLS
	}
	if set["twitch-eventsub"] {
		cfg.Twitch.EventSubEnabled = f.twEventSub
	}
	if set["youtube-url"] {
		cfg.YouTube.LiveURL = strings.TrimSpace(f.ytURL)
		cfg.YouTube.Channel = cfg.YouTube.LiveURL
		cfg.YouTube.Enabled = cfg.YouTube.LiveURL != ""
	}
	if set["tiktok-user"] {
		cfg.TikTok.Username = strings.TrimSpace(f.ttUser)
		cfg.TikTok.Enabled = cfg.TikTok.Username != ""
	}
	if set["tiktok-relay"] {
		cfg.TikTok.RelayURL = strings.TrimSpace(f.ttRelay)
	}
	if set["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(f.httpAddr)
	}
	if set["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(f.httpCorsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, origin)
			}
		}
	}
	if set["http-rate-rps"] {
		cfg.HTTP.RateLimitRPS = f.httpRateRPS
	}
	if set["http-rate-burst"] {
		cfg.HTTP.RateLimitBurst = f.httpRateBurst
	}
	if set["http-metrics"] {
		cfg.HTTP.Metrics = f.httpMetrics
	}
	if set["http-access-log"] {
		cfg.HTTP.AccessLog = f.httpAccessLog
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	errs := errhandler.New(errhandler.Options{Logger: logger, Registerer: reg})
	eventBus := bus.New(bus.Options{Logger: logger, Errors: errs, Registerer: reg})
	trace := ingesttrace.NewTracker()
	scheduler := viewercount.New(viewercount.Options{
		Interval:   cfg.ViewerPollInterval(),
		Errors:     errs,
		Logger:     logger,
		Registerer: reg,
	})

	var (
		db       *sink.SQLiteSink
		recorder router.Recorder
		rawSink  adapter.LoggingSink
	)
	if cfg.HasSink("sqlite") {
		opened, err := sink.OpenSQLite(cfg.Sink.SQLite.Path)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		db = opened
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("harvester: closing sqlite", "err", err)
			}
		}()
		if err := migrateSQLite(ctx, db.RawDB(), logger); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
		rawSink = db
	} else {
		logger.Warn("harvester: sqlite sink disabled; events are not stored", "sinks", cfg.Sinks)
	}

	var api *httpapi.Server
	if cfg.HTTP.Addr != "" && db != nil {
		api = httpapi.New(db, httpapi.Options{
			Addr:            cfg.HTTP.Addr,
			CORSOrigins:     cfg.HTTP.CORSOrigins,
			RateLimitRPS:    cfg.HTTP.RateLimitRPS,
			RateLimitBurst:  cfg.HTTP.RateLimitBurst,
			EnableMetrics:   cfg.HTTP.Metrics,
			EnableAccessLog: cfg.HTTP.AccessLog,
			Build:           buildInfo(),
			Config:          func() any { return cfg.Redacted() },
			Viewers:         scheduler,
			Trace:           trace,
			Registerer:      reg,
			Gatherer:        reg,
			Logger:          logger,
		})
	} else if cfg.HTTP.Addr != "" {
		logger.Warn("harvester: http api requested but sqlite sink is disabled; skipping listener")
	}

	var buffered *sink.BufferedWriter
	if db != nil {
		var writer sink.Writer = db
		if api != nil {
			writer = sink.WithAPI(db, api)
		}
		buffered = sink.NewBufferedWriter(writer, sink.BufferedOptions{
			BatchSize:     cfg.Batch(),
			FlushInterval: cfg.FlushInterval(),
		})
		recorder = buffered
		defer func() {
			if err := buffered.Close(); err != nil {
				logger.Error("harvester: flush buffered sink", "err", err)
			}
		}()
	}

	rt := router.New(router.Options{
		Bus:       eventBus,
		Scheduler: scheduler,
		Services:  router.Services{Recorder: recorder},
		Errors:    errs,
		Logger:    logger,
	})

	base := adapter.Options{
		Bus:         eventBus,
		Errors:      errs,
		Trace:       trace,
		LoggingSink: rawSink,
		Polling:     scheduler,
		Logger:      logger,
	}

	factories := make(map[core.Platform]harvester.Factory)
	tokens := make(map[core.Platform]harvester.TokenReloader)
	var tokenPaths []string

	if cfg.Twitch.Enabled {
		files := twitchauth.TokenFiles{
			AccessPath:   cfg.Twitch.TokenFile,
			RefreshPath:  cfg.Twitch.RefreshTokenFile,
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
		}
		provider := twitchauth.NewProvider(files, logger)
		if err := provider.Load(ctx); err != nil {
			logger.Warn("harvester: twitch token not loaded; adapter will report unavailable", "err", err)
		}
		provider.StartAuto(ctx)
		tokens[core.PlatformTwitch] = provider
		tokenPaths = append(tokenPaths, files.AccessPath, files.RefreshPath)

		helixClient := helix.New(cfg.Twitch.ClientID, cfg.Twitch.ClientSecret, provider.Token)
		opts := base
		opts.Config = cfg.Twitch.Adapter()
		opts.Auth = provider
		factories[core.PlatformTwitch] = func() harvester.Adapter {
			return twitch.New(twitch.Options{
				Options: opts,
				API:     helixClient,
				IRC: twitch.IRCOptions{
					UseTLS:     cfg.Twitch.TLS,
					DebugDrops: cfg.General.IRCDebugDrops,
				},
			})
		}
	}

	if cfg.YouTube.Enabled {
		client := httpclient.New()
		opts := base
		opts.Config = cfg.YouTube.Adapter()
		factories[core.PlatformYouTube] = func() harvester.Adapter {
			return youtube.New(youtube.Options{Options: opts, HTTP: client})
		}
	}

	if cfg.TikTok.Enabled {
		opts := base
		opts.Config = cfg.TikTok.Adapter()
		factories[core.PlatformTikTok] = func() harvester.Adapter {
			return tiktok.New(tiktok.Options{Options: opts, RelayURL: cfg.TikTok.RelayURL})
		}
	}

	if len(factories) == 0 {
		logger.Warn("harvester: no platforms enabled")
	}

	har := harvester.New(harvester.Options{
		Factories: factories,
		Tokens:    tokens,
		Handlers:  adapter.All(logEvent(logger)),
		Router:    rt,
		Scheduler: scheduler,
		Logger:    logger,
	})

	if api != nil {
		api.SetStatuses(har)
		httpadmin.New(har).Register(api.Mux())
		go func() {
			if err := api.Start(); err != nil {
				logger.Error("harvester: http api", "err", err)
				stop()
			}
		}()
	}

	if err := har.Start(ctx); err != nil {
		logger.Warn("harvester: some platforms failed to start", "err", err)
	}
	if len(tokenPaths) > 0 {
		if err := har.WatchTokenFiles(ctx, core.PlatformTwitch, tokenPaths...); err != nil {
			logger.Warn("harvester: token watch disabled", "err", err)
		}
	}

	<-ctx.Done()
	logger.Info("harvester: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	har.Stop(shutdownCtx)
	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Error("harvester: http shutdown", "err", err)
		}
	}
	return nil
}

// logEvent is the handler every adapter forwards canonical events to.
// Storage happens on the router side; this only traces the stream.
func logEvent(logger *slog.Logger) adapter.HandlerFunc {
	return func(ctx context.Context, ev core.Event) error {
		logger.DebugContext(ctx, "event",
			"platform", string(ev.Platform),
			"type", string(ev.Type),
			"correlation_id", ev.Metadata.CorrelationID,
			"error", ev.IsError,
		)
		return nil
	}
}

func buildInfo() httpapi.BuildInfo {
	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
		build.BuiltAt = t
	}
	return build
}
