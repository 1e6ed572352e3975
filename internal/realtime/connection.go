package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// sendQueueSize bounds the per-connection outbound buffer. A consumer
	// that cannot drain this many frames is kicked rather than allowed to
	// stall broadcasts for everyone else.
	sendQueueSize = 64

	writeWait = 10 * time.Second
)

// Connection is one authenticated transport session. Its lifetime runs from
// a successful handshake to disconnect; room memberships die with it.
type Connection struct {
	ID        string
	ProfileID string

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

func newConnection(id, profileID string, ws *websocket.Conn, logger zerolog.Logger) *Connection {
	return &Connection{
		ID:        id,
		ProfileID: profileID,
		ws:        ws,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		logger:    logger.With().Str("socket", id).Str("profile", profileID).Logger(),
	}
}

// trySend enqueues a frame without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *Connection) trySend(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// writePump serializes all writes to the underlying socket. gorilla/websocket
// permits at most one concurrent writer, so nothing else may call WriteMessage.
func (c *Connection) writePump() {
	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed, closing connection.")
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// close marks the connection dead and closes the socket, unblocking the read
// loop. Safe to call more than once.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}
