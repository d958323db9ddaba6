// Command chatfleet archives chat from Twitch's most-watched live channels.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres or SQLite and runs idempotent migrations.
//   - Discovers the top live channels and shards them across anonymous IRC sessions.
//   - Reconciles session membership against fresh discovery on a fixed interval.
//   - Batches every chat message into the store.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: channels are parted, sessions disconnect and the
// pending batch is flushed before the store closes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chatfleet/chat"
	"github.com/onnwee/chatfleet/config"
	"github.com/onnwee/chatfleet/db"
	"github.com/onnwee/chatfleet/fleet"
	"github.com/onnwee/chatfleet/ingest"
	"github.com/onnwee/chatfleet/server"
	"github.com/onnwee/chatfleet/telemetry"
	"github.com/onnwee/chatfleet/twitchapi"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// partAllTimeout bounds the best-effort PART sweep on shutdown.
const partAllTimeout = 15 * time.Second

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("chatfleet", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	store, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(ctx, store); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		_ = store.Close()
		os.Exit(1)
	}

	startPprof()

	code := 0
	if err := run(ctx, cfg, store); err != nil {
		slog.Error("chatfleet exited with error", slog.Any("err", err))
		code = 1
	}
	stop()
	if err := store.Close(); err != nil {
		slog.Error("failed to close database", slog.Any("err", err))
	}
	shutdownTracing()
	slog.Info("shutdown complete")
	os.Exit(code)
}

// run builds the fleet and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, cfg *config.Config, store db.Store) error {
	disc := twitchapi.NewDiscovery(cfg.TwitchClientID, cfg.HelixBaseURL, cfg.HelixTimeout)
	n := cfg.Sessions()
	shards := fleet.Assign(ctx, disc, cfg.TopChannels, cfg.ChannelsPerSession, n, nil)

	router := ingest.NewRouter(cfg.QueueSize)
	sessions := make([]*chat.Session, n)
	members := make([]fleet.Session, n)
	for i := range sessions {
		sessions[i] = chat.NewSession(chat.SessionConfig{
			Index:         i,
			Address:       cfg.IRCAddress,
			JoinTimeout:   cfg.JoinTimeout,
			SubmitTimeout: cfg.SubmitTimeout,
		}, shards[i], router)
		members[i] = sessions[i]
	}
	fl := fleet.New(members, disc, fleet.Config{
		TopChannels: cfg.TopChannels,
		Capacity:    cfg.ChannelsPerSession,
		Interval:    cfg.ReconcileInterval,
		JoinRate:    cfg.JoinRatePerSec,
		JoinBurst:   cfg.JoinBurst,
	})
	slog.Info("starting fleet",
		slog.Int("sessions", n),
		slog.Int("top_channels", cfg.TopChannels),
		slog.Int("channels_per_session", cfg.ChannelsPerSession))

	wcfg := ingest.WriterConfig{BatchSize: cfg.BatchSize, FlushTimeout: cfg.FlushTimeout}
	return ingest.WithWriter(ctx, store, router, wcfg, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)

		// Sessions outlive gctx so the PART sweep can still reach the server.
		sessCtx, stopSessions := context.WithCancel(context.WithoutCancel(gctx))
		defer stopSessions()
		for _, s := range sessions {
			g.Go(func() error { return s.Run(sessCtx) })
		}

		g.Go(func() error {
			defer stopSessions()
			if err := waitReady(gctx, sessions, cfg.StartupTimeout); err != nil {
				return err
			}
			slog.Info("all sessions connected", slog.Int("sessions", len(sessions)))
			err := fl.Run(gctx)

			pctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), partAllTimeout)
			defer cancel()
			fl.PartAll(pctx)
			return err
		})

		g.Go(func() error {
			return server.Start(gctx, cfg.HTTPAddr, server.NewMux(store, fl))
		})

		// Forward queue depth to metrics while running.
		g.Go(func() error {
			t := time.NewTicker(5 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					telemetry.SetQueueDepth(router.Len())
				}
			}
		})

		return g.Wait()
	})
}

// waitReady fails if any session has not connected within timeout.
func waitReady(ctx context.Context, sessions []*chat.Session, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, s := range sessions {
		if err := s.WaitReady(ctx); err != nil {
			return fmt.Errorf("initial session pool not ready within %s: %w", timeout, err)
		}
	}
	return nil
}

// setupLogging configures the default logger (level + format). Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
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
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// startPprof serves /debug/pprof when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
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
