// Package realtime provides the websocket transport: connection handshake,
// room membership, and fan-out to live clients.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tarboucha/CommMobile-sub001/internal/middleware"
	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

// ConnectionManager authenticates incoming websocket connections, places
// them into rooms, and runs their read/write loops. It owns a dedicated
// HTTP server for the /connect endpoint.
type ConnectionManager struct {
	server      *http.Server
	upgrader    websocket.Upgrader
	registry    *RoomRegistry
	connections sync.Map // socket id -> *Connection
	logger      zerolog.Logger
	instanceID  string
}

// NewConnectionManager creates and wires up a new websocket connection manager.
// Authentication happens in authMiddleware before the upgrade, so a rejected
// handshake never creates any room state.
func NewConnectionManager(
	addr string,
	authMiddleware func(http.Handler) http.Handler,
	registry *RoomRegistry,
	logger zerolog.Logger,
) (*ConnectionManager, error) {
	if registry == nil {
		return nil, fmt.Errorf("room registry cannot be nil")
	}

	instanceID := uuid.NewString()
	cm := &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict origins once the app's web build ships
				return true
			},
		},
		registry:   registry,
		logger:     logger.With().Str("component", "ConnectionManager").Str("instance", instanceID).Logger(),
		instanceID: instanceID,
	}

	mux := http.NewServeMux()
	mux.Handle("/connect", authMiddleware(http.HandlerFunc(cm.connectHandler)))
	cm.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return cm, nil
}

// Start runs the HTTP server for websocket connections. It blocks until the
// server stops.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	cm.logger.Info().Str("addr", cm.server.Addr).Msg("WebSocket server starting...")
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown stops the listener, then force-closes any connection still open
// once the ctx deadline passes rather than hanging on slow peers.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")

	err := cm.server.Shutdown(ctx)

	// http.Server.Shutdown does not touch hijacked connections; close the
	// sockets ourselves so read loops unblock and room state is torn down.
	cm.connections.Range(func(_, value any) bool {
		value.(*Connection).close()
		return true
	})

	deadline := time.After(100 * time.Millisecond)
	if d, ok := ctx.Deadline(); ok {
		deadline = time.After(time.Until(d))
	}
	for cm.registry.ConnectionCount() > 0 {
		select {
		case <-deadline:
			cm.logger.Warn().Int("remaining", cm.registry.ConnectionCount()).Msg("Forced shutdown with connections still draining.")
			return err
		case <-time.After(10 * time.Millisecond):
		}
	}

	cm.logger.Info().Msg("WebSocket service shut down.")
	return err
}

// ConnectionCount reports the number of live connections on this instance.
func (cm *ConnectionManager) ConnectionCount() int {
	return cm.registry.ConnectionCount()
}

// connectHandler upgrades an authenticated request and manages the
// connection's lifecycle until disconnect.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	profileID, ok := middleware.ProfileIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	conn := newConnection(uuid.NewString(), profileID, ws, cm.logger)
	cm.registry.Register(conn)
	cm.registry.Join(conn, delivery.UserRoom(profileID))
	cm.connections.Store(conn.ID, conn)

	defer func() {
		// Room cleanup happens before the handler returns so a delivery
		// decision made after the disconnect never sees this connection.
		cm.registry.RemoveAll(conn)
		cm.connections.Delete(conn.ID)
		conn.close()
		cm.logger.Info().Str("profile", profileID).Str("socket", conn.ID).Msg("User disconnected.")
	}()

	go conn.writePump()

	cm.sendConnected(conn)
	cm.logger.Info().Str("profile", profileID).Str("socket", conn.ID).Msg("User connected via WebSocket.")

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return // client closed or network drop
		}
		if err := cm.handleCommand(conn, data); err != nil {
			// Mid-session protocol errors close the connection; no partial
			// recovery. The client reconnects from scratch.
			cm.logger.Warn().Err(err).Str("socket", conn.ID).Msg("Protocol error, closing connection.")
			return
		}
	}
}

func (cm *ConnectionManager) sendConnected(conn *Connection) {
	payload, err := json.Marshal(delivery.ConnectedPayload{
		SocketID:  conn.ID,
		UserID:    conn.ProfileID,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	frame, err := json.Marshal(delivery.ServerEvent{Event: delivery.EventConnected, Data: payload})
	if err != nil {
		return
	}
	conn.trySend(frame)
}

// handleCommand applies one client frame to the registry.
func (cm *ConnectionManager) handleCommand(conn *Connection, data []byte) error {
	var cmd delivery.ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("unparseable command frame: %w", err)
	}

	room, join, err := roomForCommand(cmd)
	if err != nil {
		return err
	}

	if join {
		cm.registry.Join(conn, room)
	} else {
		cm.registry.Leave(conn, room)
	}
	return nil
}

// roomForCommand resolves a client action to a room and join/leave direction.
func roomForCommand(cmd delivery.ClientCommand) (delivery.Room, bool, error) {
	if cmd.ID == "" {
		return "", false, fmt.Errorf("command %q missing id", cmd.Action)
	}
	switch cmd.Action {
	case delivery.ActionJoinCommunity:
		return delivery.CommunityRoom(cmd.ID), true, nil
	case delivery.ActionLeaveCommunity:
		return delivery.CommunityRoom(cmd.ID), false, nil
	case delivery.ActionJoinBooking:
		return delivery.BookingRoom(cmd.ID), true, nil
	case delivery.ActionLeaveBooking:
		return delivery.BookingRoom(cmd.ID), false, nil
	case delivery.ActionJoinConversation:
		return delivery.ConversationRoom(cmd.ID), true, nil
	case delivery.ActionLeaveConversation:
		return delivery.ConversationRoom(cmd.ID), false, nil
	default:
		return "", false, fmt.Errorf("unknown action %q", cmd.Action)
	}
}
