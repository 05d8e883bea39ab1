// Command bayd runs Bay's control-plane daemon: the HTTP API, the
// background reaper, and the Docker driver wiring described in
// SPEC_FULL.md. Flag parsing, log-level resolution, and the signal-driven
// graceful shutdown are kept from the teacher's cmd/sandkasten/main.go
// daemon entrypoint (sandkasten), retargeted at Bay's managers.
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

	"github.com/baysandbox/bay/internal/api"
	"github.com/baysandbox/bay/internal/capability"
	"github.com/baysandbox/bay/internal/config"
	"github.com/baysandbox/bay/internal/driver/docker"
	"github.com/baysandbox/bay/internal/idempotency"
	"github.com/baysandbox/bay/internal/profile"
	"github.com/baysandbox/bay/internal/reaper"
	"github.com/baysandbox/bay/internal/sandbox"
	"github.com/baysandbox/bay/internal/session"
	"github.com/baysandbox/bay/internal/store"
	"github.com/baysandbox/bay/internal/workspace"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("bayd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cfgPath := fs.String("config", "", "path to bay.yaml")
	logLevelStr := fs.String("log-level", "", "log level: debug, info, warn, error (default from BAY_LOG or info)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logLevel := slog.LevelInfo
	levelName := *logLevelStr
	if levelName == "" {
		levelName = os.Getenv("BAY_LOG")
	}
	switch levelName {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	path := *cfgPath
	if path == "" {
		for _, p := range []string{"bay.yaml", "/etc/bay/bay.yaml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("load config", "error", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		return 1
	}
	logger.Debug("config loaded", "config_path", path, "db_path", cfg.DBPath, "listen", cfg.Listen, "network_mode", cfg.Driver.NetworkMode)

	st, err := store.New(cfg.DBPath, cfg.DBMaxOpenConns)
	if err != nil {
		logger.Error("open store", "error", err)
		return 1
	}
	defer st.Close()

	drv, err := docker.New(cfg.Driver)
	if err != nil {
		logger.Error("docker driver", "error", err)
		return 1
	}
	defer drv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := drv.Ping(ctx); err != nil {
		logger.Error("docker ping failed", "error", err)
		return 1
	}
	logger.Info("docker driver ready")

	profiles := profile.NewSet(cfg.Profiles)

	ws := workspace.NewManager(st, drv)
	sessions := session.NewManager(st, drv, logger)
	sandboxes := sandbox.NewManager(st, profiles, ws, sessions, logger)
	capRouter := capability.NewRouter(sandboxes, logger)
	idem := idempotency.NewService(st, cfg.Idempotency)

	interval := time.Duration(cfg.Reaper.IntervalSeconds) * time.Second
	rpr := reaper.New(st, drv, sessions, sandboxes, idem, interval, logger)
	go rpr.Run(ctx)

	srv := api.NewServer(cfg, sandboxes, capRouter, idem, logger)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen)
	fmt.Fprintf(os.Stderr, "\n  bay daemon ready\n  API: http://%s/v1\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		return 1
	}
	return 0
}
