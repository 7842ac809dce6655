// Command cloudboxd is the daemon: it owns the SessionRegistry, the
// Docker-backed SandboxDriver, the LspProxy, ExecuteJob, and the persisted
// execution store, and serves the terminal/filesystem/lsp WebSocket
// channels plus the /execute, /get_outputs, /ping HTTP endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudbox/cloudbox/internal/api"
	"github.com/cloudbox/cloudbox/internal/config"
	"github.com/cloudbox/cloudbox/internal/execjob"
	"github.com/cloudbox/cloudbox/internal/execstore"
	"github.com/cloudbox/cloudbox/internal/lsp"
	"github.com/cloudbox/cloudbox/internal/registry"
	"github.com/cloudbox/cloudbox/internal/sandbox"
	"github.com/cloudbox/cloudbox/internal/workspace"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("cloudboxd", flag.ContinueOnError)
	logLevelFlag := fs.String("log-level", "", "debug, info, warn or error (overrides CLOUDBOX_LOG)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	levelName := os.Getenv("CLOUDBOX_LOG")
	if *logLevelFlag != "" {
		levelName = *logLevelFlag
	}

	logLevel := slog.LevelInfo
	switch levelName {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	cfgPath := ""
	for _, p := range []string{"cloudbox.yaml", "/etc/cloudbox/cloudbox.yaml"} {
		if _, err := os.Stat(p); err == nil {
			cfgPath = p
			break
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		return 1
	}
	logger.Debug("config loaded", "config_path", cfgPath, "listen", cfg.Listen, "data_dir", cfg.DataDir)

	if cfg.APIKey == "" {
		if isListenNonLoopback(cfg.Listen) {
			logger.Error("refusing to start: api_key is empty and listen address is not loopback")
			return 1
		}
		logger.Warn("no api_key configured — running in open access mode (dev only)")
	}

	driver, err := sandbox.NewDockerDriver()
	if err != nil {
		logger.Error("docker driver", "error", err)
		return 1
	}

	store, err := execstore.New(cfg.DBPath, cfg.DBMaxOpenConns)
	if err != nil {
		logger.Error("open execution store", "error", err)
		return 1
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := registry.NewPool(cfg, driver, logger)
	if pool != nil {
		go pool.RefillAll(ctx)
	}

	reg := registry.New(cfg, driver, pool, logger)
	if cfg.Workspace.Enabled {
		reg.Workspace = workspace.NewManager(driver.DockerClient())
	}
	reg.Reconcile(ctx)
	lspProxy := lsp.NewProxy(driver, cfg.Lsp, logger)
	job := execjob.New(driver, store, cfg.Execute)

	srv := api.NewServer(cfg, driver, reg, lspProxy, job, store, logger)

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
	fmt.Fprintf(os.Stderr, "\n  cloudboxd ready — listening on %s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		return 1
	}
	return 0
}

// isListenNonLoopback reports whether listen binds a non-loopback interface.
func isListenNonLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil || host == "" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return true
	}
	return !ip.IsLoopback()
}
