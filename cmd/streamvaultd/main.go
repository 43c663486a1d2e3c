// Package main implements streamvaultd, the StreamVault recording daemon.
//
// streamvaultd is designed for 24/7 unattended operation: it consumes
// validated stream lifecycle events (see internal/events), supervises one
// capture subprocess per live channel, rotates segments, and drives
// post-processing (merge, transmux, thumbnail, metadata, chapters, cleanup)
// to completion.
//
// Usage:
//
//	streamvaultd [options]
//
// Options:
//
//	--config=PATH    Path to config file (default: /etc/streamvault/config.yaml)
//	--lock-path=PATH Path to the single-instance lock file
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--help           Show this help message
//
// The daemon automatically:
//   - Reconciles state left behind by a prior crash before accepting events
//   - Restarts the pipeline workers, rotation monitor and HTTP servers
//     (health, metrics, optional ingress) on panic or unexpected error
//   - Handles SIGINT/SIGTERM for graceful shutdown, terminating every live
//     capture subprocess within its configured grace period
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamvault/core/internal/capture"
	"github.com/streamvault/core/internal/config"
	"github.com/streamvault/core/internal/events"
	"github.com/streamvault/core/internal/health"
	"github.com/streamvault/core/internal/ids"
	"github.com/streamvault/core/internal/ingress"
	"github.com/streamvault/core/internal/lifecycle"
	"github.com/streamvault/core/internal/lock"
	"github.com/streamvault/core/internal/pipeline"
	"github.com/streamvault/core/internal/reconcile"
	"github.com/streamvault/core/internal/state"
	"github.com/streamvault/core/internal/store"
	"github.com/streamvault/core/internal/supervisor"
)

// Build information (set by ldflags).
var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	configPath = flag.String("config", "/etc/streamvault/config.yaml", "Path to configuration file")
	lockPath   = flag.String("lock-path", "/var/run/streamvaultd.lock", "Path to the single-instance lock file")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	logger := newLogger(*logLevel)
	logger.Info("streamvaultd starting", "version", Version, "commit", Commit)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func run(logger *slog.Logger) error {
	fl, err := lock.NewFileLock(*lockPath)
	if err != nil {
		return fmt.Errorf("create lock: %w", err)
	}
	if err := fl.Acquire(10 * time.Second); err != nil {
		return fmt.Errorf("another streamvaultd instance holds %s: %w", *lockPath, err)
	}
	defer fl.Release()

	loader, err := config.NewLoader(config.WithYAMLFile(*configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	globals, err := loader.Load()
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}
	logger.Info("configuration loaded", "path", *configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.OpenPostgres(ctx, globals.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	clock := ids.SystemClock{}
	gen := ids.NewGenerator(clock)

	runner := capture.NewRunner(globals.CaptureBinary, globals.LogDir, logger)
	states := state.NewManager()
	lc := lifecycle.New(runner, states, db, gen, clock, *globals, logger)

	reconciler := reconcile.New(db, lc, gen, clock, *globals, logger)
	logger.Info("running startup reconciliation")
	if err := reconciler.Run(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	dispatcher := events.New(db, lc, gen, clock, *globals, logger, events.DefaultDedupTTL)

	tasks := pipeline.NewTasks(globals.FFmpegBinary, db)
	pool := pipeline.New(db, tasks, *globals, logger)
	rotationMonitor := lifecycle.NewRotationMonitor(lc)

	statusBoard := &statusProvider{}
	healthHandler := health.NewHandler(statusBoard)

	sup := supervisor.New(supervisor.Config{
		ShutdownTimeout: globals.ShutdownGrace,
		Logger:          os.Stderr,
	})
	statusBoard.sup = sup

	if err := sup.Add(pool); err != nil {
		return fmt.Errorf("register pipeline service: %w", err)
	}
	if err := sup.Add(rotationMonitor); err != nil {
		return fmt.Errorf("register rotation monitor: %w", err)
	}
	if err := sup.Add(newHTTPService("health", globals.HealthAddr, healthHandler)); err != nil {
		return fmt.Errorf("register health server: %w", err)
	}
	if err := sup.Add(newHTTPService("metrics", globals.MetricsAddr, healthHandler)); err != nil {
		return fmt.Errorf("register metrics server: %w", err)
	}

	if globals.WebhookAddr != "" {
		ingressHandler, err := ingress.NewHandler(dispatcher, globals.WebhookSecret, logger)
		if err != nil {
			return fmt.Errorf("build ingress handler: %w", err)
		}
		if err := sup.Add(newHTTPService("ingress", globals.WebhookAddr, ingressHandler)); err != nil {
			return fmt.Errorf("register ingress server: %w", err)
		}
		logger.Info("ingress endpoint enabled", "addr", globals.WebhookAddr)
	} else {
		logger.Info("ingress endpoint disabled: webhook_addr not set")
	}

	logger.Info("accepting events", "health_addr", globals.HealthAddr, "metrics_addr", globals.MetricsAddr)

	supErr := sup.Run(ctx)

	logger.Info("stopping active recordings", "grace", globals.ShutdownGrace)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), globals.ShutdownGrace+5*time.Second)
	defer shutdownCancel()
	if err := lc.Shutdown(shutdownCtx); err != nil {
		logger.Error("lifecycle shutdown", "error", err)
	}

	return supErr
}

// statusProvider bridges supervisor.Supervisor's status snapshot to
// health.StatusProvider.
type statusProvider struct {
	sup *supervisor.Supervisor
}

func (p *statusProvider) Services() []health.ServiceInfo {
	if p.sup == nil {
		return nil
	}
	statuses := p.sup.Status()
	out := make([]health.ServiceInfo, 0, len(statuses))
	for _, st := range statuses {
		info := health.ServiceInfo{
			Name:     st.Name,
			State:    st.State.String(),
			Uptime:   st.Uptime,
			Healthy:  st.State == supervisor.ServiceStateRunning,
			Restarts: st.Restarts,
		}
		if st.LastError != nil {
			info.Error = st.LastError.Error()
		}
		out = append(out, info)
	}
	return out
}

// httpService adapts an http.Handler bound to a fixed address into a
// supervisor.Service.
type httpService struct {
	name    string
	addr    string
	handler http.Handler
}

func newHTTPService(name, addr string, handler http.Handler) *httpService {
	return &httpService{name: name, addr: addr, handler: handler}
}

func (s *httpService) Name() string { return s.name }

func (s *httpService) Run(ctx context.Context) error {
	return health.ListenAndServeReady(ctx, s.addr, s.handler, nil)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printUsage() {
	fmt.Println("streamvaultd - StreamVault recording daemon")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: streamvaultd [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown")
}
