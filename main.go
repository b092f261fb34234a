// Command twitching is the main entrypoint for the go-live notifier.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, directly or through an SSH tunnel, and runs
//     idempotent migrations.
//   - Starts the reconciliation loop that keeps Discord notifications in
//     sync with Twitch live status.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /metrics, and
//     the admin API for group configuration.
//
// Shutdown is graceful on SIGINT/SIGTERM; an in-flight reconciliation tick
// finishes before the database connection closes.
package main

import (
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"context"

	"github.com/joho/godotenv"
	"github.com/onnwee/twitching/config"
	"github.com/onnwee/twitching/db"
	"github.com/onnwee/twitching/discordapi"
	"github.com/onnwee/twitching/notify"
	"github.com/onnwee/twitching/server"
	"github.com/onnwee/twitching/telemetry"
	"github.com/onnwee/twitching/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("twitching", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()
	if telemetry.IsTracingEnabled() {
		slog.Info("otel tracing enabled", slog.String("component", "telemetry"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB: direct connection first, SSH tunnel fallback. Both failing is fatal.
	sup := db.NewSupervisor(cfg)
	if err := sup.Connect(ctx); err != nil {
		slog.Error("failed to connect to db on both paths", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := sup.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations using dual-system approach:
	// versioned migrations (golang-migrate) from db/migrations/, with the
	// embedded SQL schema as fallback for deployments without the migration
	// files on disk.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(sup.Pool()); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, sup); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}
	if version, dirty, err := db.GetMigrationVersion(sup.Pool()); err == nil && version > 0 {
		slog.Info("database schema version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty), slog.String("component", "db_migrate"))
	}

	go sup.StartHeartbeat(ctx, 30*time.Second)

	// Twitch app token, persisted so restarts reuse it until expiry.
	tokenSource := &twitchapi.TokenSource{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		Store:        &db.AppTokenStore{DB: sup},
	}
	helix := &twitchapi.HelixClient{AppTokenSource: tokenSource, ClientID: cfg.TwitchClientID}
	discord := &discordapi.Client{Token: cfg.DiscordBotToken}
	store := &db.Store{DB: sup}

	engine := &notify.Engine{
		Store:    store,
		Provider: helix,
		Sink:     discord,
		Interval: cfg.NotifyInterval,
		Workers:  cfg.NotifyWorkers,
	}
	if groups, err := store.ListNotifyGroups(ctx); err == nil {
		slog.Info("notifier ready",
			slog.String("db_mode", sup.Mode().String()),
			slog.Int("groups", len(groups)),
			slog.Duration("interval", cfg.NotifyInterval),
			slog.Int("workers", cfg.NotifyWorkers))
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.StartNotifyJob(ctx)
	}()

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics/admin)
	handlers := server.NewHandlers(store, sup, helix)
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown; let an in-flight tick finish before the deferred
	// database close runs.
	<-ctx.Done()
	slog.Info("shutting down")
	<-engineDone
}
