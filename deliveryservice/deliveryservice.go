// Package deliveryservice wires the realtime delivery core together: change
// listener, delivery router, websocket transport, push fallback, and the
// device/health HTTP API.
package deliveryservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tarboucha/CommMobile-sub001/deliveryservice/config"
	"github.com/Tarboucha/CommMobile-sub001/internal/api"
	"github.com/Tarboucha/CommMobile-sub001/internal/listener"
	"github.com/Tarboucha/CommMobile-sub001/internal/realtime"
	"github.com/Tarboucha/CommMobile-sub001/internal/router"
	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

// Wrapper owns every component of the delivery service and their start and
// shutdown ordering.
type Wrapper struct {
	registry    *realtime.RoomRegistry
	connManager *realtime.ConnectionManager
	listener    *listener.Listener
	apiServer   *http.Server
	backoff     time.Duration
	logger      zerolog.Logger
}

// health adapts the listener and registry to api.HealthReporter.
type health struct {
	listener *listener.Listener
	registry *realtime.RoomRegistry
}

func (h health) ListenerConnected() bool { return h.listener.Connected() }
func (h health) LiveConnections() int    { return h.registry.ConnectionCount() }

// New creates and wires up the entire delivery service. The registry is
// constructed here and handed to the transport and router explicitly; the
// externally built collaborators arrive through deps.
func New(
	cfg *config.AppConfig,
	deps *delivery.ServiceDependencies,
	authMiddleware func(http.Handler) http.Handler,
	logger zerolog.Logger,
) (*Wrapper, error) {
	if deps == nil || deps.Source == nil || deps.Tokens == nil || deps.Push == nil {
		return nil, fmt.Errorf("service dependencies are incomplete")
	}

	registry := realtime.NewRoomRegistry(logger)

	connManager, err := realtime.NewConnectionManager(":"+cfg.WebSocketPort, authMiddleware, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	deliveryRouter, err := router.New(registry, deps.Push, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery router: %w", err)
	}

	backoff := time.Duration(cfg.ReconnectBackoffSeconds) * time.Second
	changeListener := listener.New(deps.Source, backoff, logger)
	changeListener.RegisterChannel(delivery.ChannelNotifications, deliveryRouter.HandleNotification)
	changeListener.RegisterChannel(delivery.ChannelMessages, deliveryRouter.HandleMessage)

	apiHandler := api.NewAPI(deps.Tokens, health{listener: changeListener, registry: registry}, logger)

	mux := http.NewServeMux()
	mux.Handle("POST /api/devices", authMiddleware(http.HandlerFunc(apiHandler.RegisterDeviceHandler)))
	mux.Handle("DELETE /api/devices", authMiddleware(http.HandlerFunc(apiHandler.DeleteDeviceHandler)))
	mux.HandleFunc("GET /healthz", apiHandler.HealthzHandler)

	return &Wrapper{
		registry:    registry,
		connManager: connManager,
		listener:    changeListener,
		apiServer:   &http.Server{Addr: ":" + cfg.APIPort, Handler: mux},
		backoff:     changeListener.Backoff(),
		logger:      logger.With().Str("component", "DeliveryService").Logger(),
	}, nil
}

// Start runs both servers and establishes the subscription link. It blocks
// until a server fails or ctx is cancelled.
func (w *Wrapper) Start(ctx context.Context) error {
	errChan := make(chan error, 2)

	go func() {
		w.logger.Info().Str("addr", w.apiServer.Addr).Msg("API server starting...")
		if err := w.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server failed: %w", err)
		}
	}()

	go func() {
		if err := w.connManager.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	// The initial connect is retried here at the listener's own backoff;
	// once the link is up the listener owns all reconnection.
	go w.establishLink(ctx)

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Wrapper) establishLink(ctx context.Context) {
	for {
		err := w.listener.Connect(ctx)
		if err == nil {
			return
		}
		w.logger.Warn().Err(err).Dur("retry_in", w.backoff).Msg("Initial change feed connect failed.")
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.backoff):
		}
	}
}

// Shutdown gracefully stops all service components: the listener first so no
// new events arrive, then the transport, then the API server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	var finalErr error

	if err := w.listener.Disconnect(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Listener shutdown failed.")
		finalErr = err
	}
	if err := w.connManager.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		finalErr = err
	}
	if err := w.apiServer.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("API server shutdown failed.")
		finalErr = err
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}
