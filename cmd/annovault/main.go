package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/asierdev/annovault/internal/config"
	"github.com/asierdev/annovault/internal/logger"
	"github.com/asierdev/annovault/internal/server"
)

func main() {
	configPath := flag.String("config", "annovault.yaml", "path to the config file")
	logConfigPath := flag.String("log-config", "log.config.json", "path to the log config file")
	flag.Parse()

	logManager, err := logger.NewManager(*logConfigPath)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	appLogger := logManager.Get("annovault")

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.Fatal("Failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(appLogger); err != nil {
		appLogger.Fatal("Invalid config", zap.Error(err))
	}

	errChan := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, cfg, logManager, errChan)
	if err != nil {
		appLogger.Fatal("Failed to build server", zap.Error(err))
	}
	srv.Start()

	run(srv, errChan, appLogger)
}

// run blocks until a shutdown signal or a fatal server error, then drains
// the server within a deadline.
func run(srv *server.Server, errChan <-chan error, appLogger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		appLogger.Warn("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errChan:
		appLogger.Error("Server error triggered shutdown", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Shutdown did not complete cleanly", zap.Error(err))
		os.Exit(1)
	}
	appLogger.Info("Server shutdown completed")
}
