package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/objectwire/objectwire/internal/app"
	iauth "github.com/objectwire/objectwire/internal/auth"
	"github.com/objectwire/objectwire/internal/maintenance"
	"github.com/objectwire/objectwire/internal/server"
	"github.com/objectwire/objectwire/internal/store"
	"github.com/objectwire/objectwire/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("objectwire-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	registry, err := demoRegistry()
	if err != nil {
		return fmt.Errorf("build schema registry: %w", err)
	}

	// A store that cannot recover its ID allocation state must not serve:
	// handing out an already-used resource ID corrupts the object graph.
	objects, err := store.Open(db, registry, cfg.Store.LastIDsPath)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	sessionSvc, err := iauth.NewSessionService(db, iauth.Config{TokenLength: cfg.Auth.TokenLength})
	if err != nil {
		return fmt.Errorf("initialise session service: %w", err)
	}

	cleaner := maintenance.NewCleaner(db, sessionSvc,
		maintenance.WithSessionTTL(cfg.Auth.SessionTTL),
		maintenance.WithSessionSchedule(cfg.Auth.SessionCleanupSchedule),
		maintenance.WithOrphanSchedule(cfg.Auth.OrphanCleanupSchedule),
	)
	if err := cleaner.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer func() {
		stopCtx := cleaner.Stop()
		if err := cleaner.RunOnce(stopCtx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}()

	srv, err := server.New(registry, objects, sessionSvc, server.Config{
		LoginPath:    cfg.Server.LoginPath,
		SearchPrefix: cfg.Server.SearchPrefix,
		Metrics:      cfg.Monitoring.Prometheus.Enabled,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}
