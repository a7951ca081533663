package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"unimanager/internal/api"
	"unimanager/internal/app"
	"unimanager/internal/config"
	"unimanager/internal/logging"
)

func main() {
	configDir, err := config.DefaultDir()
	if err != nil {
		log.Fatalf("Error getting config directory: %v", err)
	}

	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Dev)
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, configDir, logger); err != nil {
		logger.Fatal("daemon stopped", zap.Error(err))
	}
}

func run(cfg config.Config, configDir string, logger *zap.Logger) error {
	logger.Info("starting unimanager daemon",
		zap.String("config_dir", configDir),
		zap.String("database", cfg.DatabasePath),
		zap.Bool("auto_billing", cfg.EnableAutoBilling),
		zap.Bool("auto_shutdown", cfg.EnableAutoShutdown),
	)

	container, err := app.New(cfg, logger, app.Options{WithHub: true})
	if err != nil {
		return fmt.Errorf("wiring engine: %w", err)
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Warn("closing engine", zap.Error(err))
		}
	}()

	go container.Hub.Run()
	defer container.Hub.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container.Scheduler.Start(ctx)

	apiServer := &api.Server{
		Jobs:     container.Scheduler,
		Store:    container.Store,
		Audit:    container.Store,
		Events:   container.Hub,
		Gatherer: container.Registry,
		Token:    cfg.APIToken,
		Logger:   logger.Named("api"),
	}
	if cfg.APIToken == "" {
		logger.Warn("api_token is empty; job triggers and the event feed are unauthenticated")
	}

	err = apiServer.Start(ctx, cfg.ListenAddr)
	stop()

	// Jobs already running finish their batch before the store closes.
	container.Scheduler.Wait()
	logger.Info("daemon stopped")

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
