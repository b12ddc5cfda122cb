// Command torchvox relays requested audio clips into a game server's voice
// channel, enforcing per-player usage limits and vote-based moderation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/torchvox/internal/bridge"
	"github.com/MrWong99/torchvox/internal/command"
	"github.com/MrWong99/torchvox/internal/config"
	"github.com/MrWong99/torchvox/internal/health"
	"github.com/MrWong99/torchvox/internal/ledger"
	"github.com/MrWong99/torchvox/internal/observe"
	"github.com/MrWong99/torchvox/internal/relay"
	"github.com/MrWong99/torchvox/internal/voice"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "torchvox: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "torchvox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("torchvox starting",
		"version", version,
		"config", *configPath,
		"voice_server", net.JoinHostPort(cfg.Voice.Host, strconv.Itoa(cfg.Voice.Port)),
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Usage ledger (optionally backed by Postgres) ──────────────────────────
	usage := ledger.New()
	var store ledger.Store
	var pool *pgxpool.Pool
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pool.Close()

		pg := ledger.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("failed to migrate usage schema", "err", err)
			return 1
		}
		entries, err := pg.Load(ctx)
		if err != nil {
			slog.Warn("failed to load persisted usage, starting empty", "err", err)
		} else {
			usage.Restore(entries)
			slog.Info("usage ledger restored", "players", len(entries))
		}
		store = pg
	}

	// ── Chat bridge, registry, command handler ────────────────────────────────
	// The bridge doubles as the notifier even when no URL is configured;
	// outbound messages are then dropped with a warning.
	br := bridge.New(bridge.Config{URL: cfg.Bridge.URL, Metrics: metrics})

	mgr := relay.NewManager(relay.ManagerConfig{
		Policy:   policyFromConfig(cfg.AntiSpam),
		Ledger:   usage,
		Store:    store,
		Notifier: br,
		Metrics:  metrics,
		NewPipeline: func() relay.AudioPlayer {
			return voice.NewPipeline(cfg.Voice, br)
		},
	})

	handler := command.NewHandler(command.HandlerConfig{
		Manager:  mgr,
		Notifier: br,
		Metrics:  metrics,
		Commands: command.Builtins(mgr, br, cfg.Commands),
	})
	br.Bind(handler, mgr)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		slog.Info("configuration reloaded, resetting usage policy")
		mgr.Reload(policyFromConfig(next.AntiSpam))
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP server (metrics + health) ────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		probes := []health.Probe{
			health.VoiceServer(net.JoinHostPort(cfg.Voice.Host, strconv.Itoa(cfg.Voice.Port))),
		}
		if pool != nil {
			probes = append(probes, health.Database(pool))
		}
		health.New(probes...).Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())

		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           observe.Middleware(metrics)(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	// ── Chat bridge loop ──────────────────────────────────────────────────────
	if cfg.Bridge.URL != "" {
		g.Go(func() error {
			return br.Run(gctx)
		})
	} else {
		slog.Warn("no chat bridge configured, running without game-server connection")
		g.Go(func() error {
			<-gctx.Done()
			return gctx.Err()
		})
	}

	slog.Info("torchvox ready, press Ctrl+C to shut down")

	err = g.Wait()

	// Kill any still-streaming pipelines before the process exits.
	mgr.ForceStopAll()

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// policyFromConfig maps the antispam configuration onto the registry policy.
func policyFromConfig(cfg config.AntiSpamConfig) relay.Policy {
	return relay.Policy{
		StopLevel:     cfg.StopLevel,
		ImmunityLevel: cfg.ImmunityLevel,
		StopQuorum:    cfg.StopQuorum,
		Tiers:         cfg.Tiers,
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
