// Command voxwire runs the real-time voice transport client: it captures
// audio, streams it to a remote speech service over WebSocket, and plays
// synthesized replies, with adaptive buffering and network resilience in
// between. A small HTTP control surface exposes health, metrics, and
// session lifecycle endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/diagstore"
	"github.com/voxwire/voxwire/internal/health"
	"github.com/voxwire/voxwire/internal/jitter"
	"github.com/voxwire/voxwire/internal/netres"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/session"
	"github.com/voxwire/voxwire/internal/vad"
	"github.com/voxwire/voxwire/pkg/audio"
	"github.com/voxwire/voxwire/pkg/audio/mock"
)

// version is stamped via -ldflags at release time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxwire.yaml", "path to the YAML configuration file")
	autostart := flag.Bool("autostart", false, "start a voice session immediately instead of waiting for the HTTP API")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("voxwire", version)
		return 0
	}

	// ── Load configuration (with hot reload) ──────────────────────────────────
	// The manager is built further down, after telemetry and the archive;
	// the watcher callback fires from the poll goroutine, so the handle is
	// published through an atomic pointer.
	var mgr atomic.Pointer[session.Manager]
	level := new(slog.LevelVar)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.VADChanged || d.JitterChanged {
			if m := mgr.Load(); m != nil {
				m.ApplyTunables(vadOptions(new.VAD), jitterOptions(new.Jitter))
			}
		}
		if d.RestartRequired {
			slog.Warn("config change requires restart to take effect")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxwire: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxwire: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxwire starting",
		"version", version,
		"config", *configPath,
		"remote", cfg.Remote.URL,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Diagnostics archive (optional) ────────────────────────────────────────
	var (
		archive session.Archiver
		store   *diagstore.PostgresStore
		pool    *pgxpool.Pool
	)
	if dsn := cfg.Diagnostics.PostgresDSN; dsn != "" {
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to create database pool", "err", err)
			return 1
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			slog.Error("database unreachable", "err", err)
			return 1
		}

		store = diagstore.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			return 1
		}
		archive = store
		slog.Info("session archive enabled")

		if cfg.Diagnostics.Retention > 0 {
			go pruneLoop(ctx, store, cfg.Diagnostics.Retention)
		}
	}

	// ── Session manager ───────────────────────────────────────────────────────
	manager := session.NewManager(session.ManagerConfig{
		Devices: synthDevices{blockSize: cfg.Audio.BlockSize},
		URL:     cfg.Remote.URL,
		Session: session.Config{
			BlockSize:    cfg.Audio.BlockSize,
			ChunkMillis:  cfg.Audio.ChunkMillis,
			ErrorBudget:  cfg.Resilience.ErrorBudget,
			ReadyTimeout: cfg.Remote.ReadyTimeout,
			VAD:          vadOptions(cfg.VAD),
			Jitter:       jitterOptions(cfg.Jitter),
			Resilience:   resilienceOptions(cfg.Resilience),
		},
		Archive: archive,
		Reconnect: session.ReconnectorConfig{
			MaxRetries: cfg.Remote.Reconnect.MaxRetries,
			Backoff:    cfg.Remote.Reconnect.Backoff,
			MaxBackoff: cfg.Remote.Reconnect.MaxBackoff,
		},
		Observer: metrics.RecordEvents,
	})
	mgr.Store(manager)

	// ── HTTP control surface ──────────────────────────────────────────────────
	mux := http.NewServeMux()

	checkers := []health.Checker{health.TransportChecker(manager)}
	if pool != nil {
		checkers = append(checkers, health.DatabaseChecker(pool))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/session/start", sessionStart(ctx, manager, metrics))
	mux.HandleFunc("POST /api/session/stop", sessionStop(manager, metrics))
	mux.HandleFunc("GET /api/session", sessionInfo(manager))
	if store != nil {
		mux.HandleFunc("GET /api/sessions", sessionHistory(store))
	}

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("control surface listening", "addr", cfg.Server.ListenAddr)
		serverErr <- server.ListenAndServe()
	}()

	// ── Optional autostart ────────────────────────────────────────────────────
	if *autostart {
		if err := manager.Start(ctx); err != nil {
			slog.Error("failed to start session", "err", err)
			return 1
		}
		metrics.ActiveSessions.Add(ctx, 1)
	}

	slog.Info("voxwire ready")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if manager.Active() {
		if err := manager.Stop(shutdownCtx); err != nil {
			slog.Warn("session stop error", "err", err)
		} else {
			metrics.ActiveSessions.Add(shutdownCtx, -1)
		}
	}

	slog.Info("goodbye")
	return 0
}

// ── Session API handlers ──────────────────────────────────────────────────────

func sessionStart(appCtx context.Context, mgr *session.Manager, m *observe.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Sessions outlive the HTTP request; start against the app context.
		if err := mgr.Start(appCtx); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		m.ActiveSessions.Add(r.Context(), 1)
		info, _ := mgr.Info()
		writeJSON(w, http.StatusCreated, map[string]string{"session_id": info.SessionID})
	}
}

func sessionStop(mgr *session.Manager, m *observe.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.Stop(r.Context()); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		m.ActiveSessions.Add(r.Context(), -1)
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	}
}

func sessionInfo(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		info, active := mgr.Info()
		if !active {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": info.SessionID,
			"url":        info.URL,
			"started_at": info.StartedAt,
		})
	}
}

func sessionHistory(store *diagstore.PostgresStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		recs, err := store.Recent(r.Context(), limit)
		if err != nil {
			slog.Warn("session history query failed", "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "archive unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": recs})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode error", "err", err)
	}
}

// ── Background maintenance ────────────────────────────────────────────────────

// pruneLoop deletes archived session records older than retention, once at
// startup and then every six hours.
func pruneLoop(ctx context.Context, store *diagstore.PostgresStore, retention time.Duration) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for {
		if n, err := store.Prune(ctx, retention); err != nil {
			slog.Warn("archive prune failed", "err", err)
		} else if n > 0 {
			slog.Info("archive pruned", "records", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ── Devices ───────────────────────────────────────────────────────────────────

// synthDevices opens synthetic audio endpoints. Host device bindings
// implement [session.Devices] against audio.Source and audio.Sink; the
// synthetic pair lets the full transport stack run without one.
type synthDevices struct {
	blockSize int
}

func (d synthDevices) OpenSource(context.Context) (audio.Source, error) {
	size := d.blockSize
	if size <= 0 {
		size = 320
	}
	return mock.NewPacedSource(audio.CaptureFormat, size), nil
}

func (d synthDevices) OpenSink(context.Context) (audio.Sink, error) {
	return mock.NewSink(audio.PlaybackFormat), nil
}

// ── Config to tunables ────────────────────────────────────────────────────────

// vadOptions translates the config section into detector options, keeping
// package defaults for unset fields.
func vadOptions(c config.VADConfig) []vad.Option {
	var opts []vad.Option
	if c.BaseThreshold > 0 {
		opts = append(opts, vad.WithBaseThreshold(c.BaseThreshold))
	}
	if c.MinSpeechFrames > 0 {
		opts = append(opts, vad.WithMinSpeechFrames(c.MinSpeechFrames))
	}
	if c.MinSilenceFrames > 0 {
		opts = append(opts, vad.WithMinSilenceFrames(c.MinSilenceFrames))
	}
	return opts
}

func jitterOptions(c config.JitterConfig) []jitter.BufferOption {
	var opts []jitter.BufferOption
	if c.MinFill > 0 {
		opts = append(opts, jitter.WithMinFill(c.MinFill))
	}
	if c.GracePeriod > 0 {
		opts = append(opts, jitter.WithGracePeriod(c.GracePeriod))
	}
	return opts
}

func resilienceOptions(c config.ResilienceConfig) []netres.ManagerOption {
	var opts []netres.ManagerOption
	if c.Breaker.FailureThreshold > 0 || c.Breaker.OpenTimeout > 0 {
		var bopts []netres.BreakerOption
		if c.Breaker.FailureThreshold > 0 {
			bopts = append(bopts, netres.WithFailureThreshold(c.Breaker.FailureThreshold))
		}
		if c.Breaker.OpenTimeout > 0 {
			bopts = append(bopts, netres.WithOpenTimeout(c.Breaker.OpenTimeout))
		}
		opts = append(opts, netres.WithBreaker(netres.NewBreaker(bopts...)))
	}
	var bpOpts []netres.BackpressureOption
	if c.Backpressure.LowWatermark > 0 && c.Backpressure.HighWatermark > 0 && c.Backpressure.MaxWatermark > 0 {
		bpOpts = append(bpOpts, netres.WithWatermarks(
			c.Backpressure.LowWatermark, c.Backpressure.HighWatermark, c.Backpressure.MaxWatermark))
	}
	if c.Backpressure.QueueLimit > 0 {
		bpOpts = append(bpOpts, netres.WithQueueLimit(c.Backpressure.QueueLimit))
	}
	if len(bpOpts) > 0 {
		opts = append(opts, netres.WithBackpressureOptions(bpOpts...))
	}
	return opts
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
