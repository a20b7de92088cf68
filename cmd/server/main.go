// Command server runs the explanation engine: it loads configuration, wires
// the pipeline behind the REST, WebSocket and gRPC surfaces, optionally tails
// an adaptation log, and shuts down gracefully on SIGINT or SIGTERM.
//
// Configuration comes from a YAML file (-config), KUBILITICS_* environment
// variables and built-in defaults. Changes to logging.level in the file are
// applied without a restart.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-explain/internal/config"
	"github.com/kubilitics/kubilitics-explain/internal/logging"
	"github.com/kubilitics/kubilitics-explain/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/kubilitics/explain.yaml", "path to the YAML configuration file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, err := config.NewConfigManager(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create config manager: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.Validate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Get(ctx)

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	srv, err := server.NewServer(cfg, logger.Logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}
	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	// Only the log level is reloadable; everything else needs a restart.
	go func() {
		for updated := range mgr.Watch(ctx) {
			if err := logger.SetLevel(updated.Logging.Level); err != nil {
				logger.Warn("ignoring logging level from reloaded config", zap.Error(err))
				continue
			}
			logger.Info("logging level reloaded", zap.String("level", updated.Logging.Level))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	if err := srv.Stop(); err != nil {
		logger.Error("error stopping server", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
