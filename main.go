// Command spotbot is the main entrypoint for the Spot Bot service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to MongoDB and wires the tally, referendum, and installation stores.
//   - Starts the referendum sweep scheduler.
//   - Exposes the HTTP surface: Slack events, OAuth install flow,
//     /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kelpworks/spotbot/config"
	"github.com/kelpworks/spotbot/referendum"
	"github.com/kelpworks/spotbot/server"
	"github.com/kelpworks/spotbot/slackapi"
	"github.com/kelpworks/spotbot/spot"
	"github.com/kelpworks/spotbot/store"
	"github.com/kelpworks/spotbot/telemetry"
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
		// unknown level -> keep info but note once using temporary logger
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
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateSlackReady(); err != nil {
		// The install flow and event endpoint will refuse traffic until the
		// env is complete, but the process still serves health and metrics.
		slog.Warn("slack credentials incomplete", slog.Any("err", err))
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("spotbot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Mongo
	client, err := store.Connect(ctx, cfg.MongoURI)
	if err != nil {
		slog.Error("failed to connect to mongo", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(dctx); err != nil {
			slog.Error("failed to disconnect mongo", slog.Any("err", err))
		}
	}()

	tally := store.NewTally(client)
	referenda := store.NewReferenda(client, cfg.ReferendumExpiry)
	installs := store.NewInstalls(client)

	openLocation := func(locID string) spot.Store {
		return tally.ForLocation(locID)
	}
	messengerFor := func(inst *store.Installation) spot.Messenger {
		return slackapi.New(inst.BotToken).WithBotUser(inst.BotUserID)
	}

	// Referendum sweep loop
	sched := &referendum.Scheduler{
		Records:      referenda,
		OpenLocation: openLocation,
		Messenger: func(ctx context.Context, teamID string) (spot.Messenger, error) {
			inst, err := installs.Find(ctx, teamID)
			if err != nil {
				return nil, err
			}
			return messengerFor(inst), nil
		},
		Interval: cfg.ReferendumCheckInterval,
	}
	go sched.Start(ctx)

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

	// HTTP server (events/oauth/health/status/metrics)
	handlers := server.NewHandlers(cfg, server.Deps{
		OpenLocation: openLocation,
		Records:      referenda,
		Installs:     installs,
		Messenger:    messengerFor,
		Ready:        tally.Ping,
	})
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
