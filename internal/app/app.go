// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownTimeout bounds the graceful shutdown of every service.
var ShutdownTimeout = 15 * time.Second

// Service is a long-running component with a blocking Start.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Run executes the main application lifecycle for the relay service. It starts
// both the API service and the realtime relay, listens for OS signals, and
// performs a graceful shutdown of both. A failure of either service shuts the
// other down too.
func Run(
	ctx context.Context,
	logger zerolog.Logger,
	apiService Service,
	relay Service,
) {
	var wg sync.WaitGroup
	wg.Add(2)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer wg.Done()
		logger.Info().Msg("Starting API Service...")
		if err := apiService.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("API Service failed")
			cancel()
		}
	}()

	go func() {
		defer wg.Done()
		logger.Info().Msg("Starting Realtime Relay...")
		if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Realtime Relay failed")
			cancel()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)
	select {
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, initiating shutdown.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	logger.Info().Msg("Shutting down API Service...")
	if err := apiService.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API Service shutdown failed.")
	}

	logger.Info().Msg("Shutting down Realtime Relay...")
	if err := relay.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Realtime Relay shutdown failed.")
	}

	wg.Wait()
	logger.Info().Msg("All services shut down gracefully.")
}
