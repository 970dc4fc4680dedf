package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rzpsarthak13/docbatch/internal/journal"
	"github.com/rzpsarthak13/docbatch/internal/kvstore"
	"github.com/rzpsarthak13/docbatch/internal/registry"
	"github.com/rzpsarthak13/docbatch/internal/server"
	"github.com/rzpsarthak13/docbatch/pkg/docbatch"
)

func main() {
	configPath := flag.String("config", os.Getenv("DOCBATCH_CONFIG"), "path to a YAML or JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("docbatch server failed", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(configPath string) error {
	// 1. Load configuration: defaults, then file, then environment.
	cm := registry.NewConfigManager()
	if configPath != "" {
		if err := cm.LoadFromFile(configPath); err != nil {
			return err
		}
	}
	if err := cm.LoadFromEnv(); err != nil {
		return err
	}
	cfg := cm.GetConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Connect the backend and the journal.
	backend, err := kvstore.Create(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	mj, err := journal.New(ctx, cfg.Journal, cfg.Backend, logger)
	if err != nil {
		return err
	}
	if mj != nil {
		defer mj.Close()
	}

	// 3. Build the store and the HTTP front end.
	storeOpts := []docbatch.Option{docbatch.WithLogger(logger)}
	if mj != nil {
		storeOpts = append(storeOpts, docbatch.WithJournal(mj))
	}
	store, err := docbatch.New(&docbatch.Config{Bucket: backend}, storeOpts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.New(store, mj, logger, cfg.Server.MaxBodyBytes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("docbatch server starting",
			"addr", cfg.Server.ListenAddr,
			"backend", cfg.Backend.Type,
			"journal", cfg.Journal.Type,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 4. Graceful shutdown.
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("docbatch server stopped")
	return nil
}
