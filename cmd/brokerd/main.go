package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/brokerdata/internal/control"
	"github.com/vietddude/brokerdata/internal/core/config"
	"github.com/vietddude/brokerdata/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional env file with broker credentials")
	isDebug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Credentials usually come from the environment, so load it before expanding the config
	_ = godotenv.Load(*envFile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	if *isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}
	if cfg.Logging.Format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})))
	} else {
		stylelog.InitDefault(
			&tint.Options{
				Level:      slogLevel,
				TimeFormat: time.RFC3339,
			})
	}
	slog.Info("Logger initialized", "level", slogLevel.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := control.NewService(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize service", "error", err)
		os.Exit(1)
	}
	svc.Start(ctx)

	srv := server.New(svc, cfg.Server.Port, cfg.Server.QueryConcurrency)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", cfg.Server.Port)
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
			exitCode = 1
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)

	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		exitCode = 1
	}
	if err := svc.Close(); err != nil {
		slog.Error("Error closing connections", "error", err)
		exitCode = 1
	}

	shutdownCancel()

	if exitCode == 0 {
		slog.Info("Broker data service stopped gracefully")
	}
	os.Exit(exitCode)
}
