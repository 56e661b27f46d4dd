package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kurihiro0119/octomirror/internal/aggregator"
	"github.com/kurihiro0119/octomirror/internal/api"
	"github.com/kurihiro0119/octomirror/internal/auth"
	"github.com/kurihiro0119/octomirror/internal/broker"
	"github.com/kurihiro0119/octomirror/internal/config"
	"github.com/kurihiro0119/octomirror/internal/storage/factory"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load(os.Getenv("OCTOMIRROR_CONFIG"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize storage
	store, err := factory.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize %s storage: %w", cfg.StorageType, err)
	}
	defer store.Close()

	// Initialize credential broker
	key, err := cfg.PrivateKeyPEM()
	if err != nil {
		return err
	}
	b, err := broker.New(cfg, key, broker.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create credential broker: %w", err)
	}
	if err := b.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize credential broker: %w", err)
	}

	// Inbound authorization
	validator, err := auth.NewRequestValidator(ctx, cfg.GHESURL, logger)
	if err != nil {
		return err
	}

	handler := api.NewHandler(aggregator.NewAggregator(store), b)
	router := api.SetupRoutes(handler, validator, logger)

	addr := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting API server", "addr", addr, "storage", cfg.StorageType)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
