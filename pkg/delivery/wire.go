package delivery

import "encoding/json"

// Server-to-client event names.
const (
	EventConnected       = "connected"
	EventBadgeUpdate     = "notification:badge_update"
	EventNotificationNew = "notification:new"
	EventMessageNew      = "message:new"
)

// Client-to-server actions. Each carries the target id in the command frame.
const (
	ActionJoinCommunity     = "join:community"
	ActionLeaveCommunity    = "leave:community"
	ActionJoinBooking       = "join:booking"
	ActionLeaveBooking      = "leave:booking"
	ActionJoinConversation  = "join:conversation"
	ActionLeaveConversation = "leave:conversation"
)

// ClientCommand is the frame a client sends to join or leave a room.
type ClientCommand struct {
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
}

// ServerEvent is the frame the server sends for every event, including the
// initial connected acknowledgement.
type ServerEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConnectedPayload acknowledges a successful handshake.
type ConnectedPayload struct {
	SocketID  string `json:"socket_id"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

// BadgePayload carries an unread-count update.
type BadgePayload struct {
	BadgeCount int `json:"badge_count"`
}

// NotificationPayload is the full notification delivered to a live client.
type NotificationPayload struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt string          `json:"created_at"`
}
