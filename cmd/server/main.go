package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/flatbush-harlem/ampersand-server/pkg/config"
	"github.com/flatbush-harlem/ampersand-server/pkg/elevenlabs"
	"github.com/flatbush-harlem/ampersand-server/pkg/telephony"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadEnv(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg, err := config.NewFromEnv(context.Background())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("service starting",
		zap.Int("port", cfg.Port),
		zap.String("public_host", cfg.PublicHost),
		zap.String("agent_id", cfg.ElevenLabs.AgentID),
		zap.Duration("ai_setup_timeout", cfg.ElevenLabs.SetupTimeout),
		zap.Bool("call_store_enabled", cfg.DatabaseURL != ""),
	)

	var store telephony.CallStore = telephony.NopCallStore{}
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to create postgres pool: %w", err)
		}
		defer pool.Close()
		store = telephony.NewPostgresCallStore(pool, logger)
	}

	sessions := elevenlabs.NewClient(
		cfg.ElevenLabs.BaseURL,
		cfg.ElevenLabs.APIKey,
		cfg.ElevenLabs.AgentID,
		cfg.ElevenLabs.SetupTimeout,
		logger,
	)

	registry := telephony.NewRegistry(logger)

	initiator := telephony.NewInitiator(
		cfg.Twilio.AccountSID,
		cfg.Twilio.AuthToken,
		cfg.Twilio.PhoneNumber,
		store,
		logger,
	)

	bridgeCfg := telephony.BridgeConfig{
		SetupTimeout: cfg.ElevenLabs.SetupTimeout,
	}

	handlers := telephony.NewHandlers(initiator, registry, sessions, store, bridgeCfg, cfg.PublicHost, logger)

	router := mux.NewRouter()
	handlers.RegisterRoutes(router)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		return err
	}

	logger.Info("service stopped")
	return nil
}
