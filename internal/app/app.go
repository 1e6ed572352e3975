// Package app contains the shared logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tarboucha/CommMobile-sub001/deliveryservice"
)

const defaultShutdownTimeout = 15 * time.Second

// Run executes the main application lifecycle: it starts the service,
// listens for OS signals, and performs a graceful shutdown bounded by
// shutdownTimeout.
func Run(
	ctx context.Context,
	logger zerolog.Logger,
	service *deliveryservice.Wrapper,
	shutdownTimeout time.Duration,
) {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info().Msg("Starting delivery service...")
		err := service.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Delivery service failed.")
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-done:
		logger.Info().Msg("Service stopped, initiating shutdown.")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Service shutdown failed.")
	}

	<-done
	logger.Info().Msg("All services shut down gracefully.")
}
