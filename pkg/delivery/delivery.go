// Package delivery contains the public domain models, wire contract, and
// service interfaces for the realtime delivery core. It defines the contract
// between the change feed, the router, the transport, and clients.
package delivery

import (
	"encoding/json"
	"time"
)

// Channel names the change feed publishes on.
const (
	ChannelNotifications = "notification_events"
	ChannelMessages      = "message_events"
)

// Conversation types carried by message events.
const (
	ConversationDirect    = "direct"
	ConversationCommunity = "community"
	ConversationBooking   = "booking"
)

// ChangeEvent is one raw notification from the change feed. It is created,
// dispatched, and discarded within a single handler invocation.
type ChangeEvent struct {
	Channel string
	Payload []byte
}

// NotificationEvent is the decoded payload of the notification channel.
type NotificationEvent struct {
	ProfileID        string          `json:"profile_id"`
	NotificationID   string          `json:"notification_id"`
	NotificationType string          `json:"notification_type"`
	Title            string          `json:"title"`
	Body             string          `json:"body"`
	DataJSON         json.RawMessage `json:"data_json"`
	BadgeCount       int             `json:"badge_count"`
	CreatedAt        string          `json:"created_at"`
}

// MessageEvent is the decoded payload of the message channel.
type MessageEvent struct {
	MessageID        string `json:"message_id"`
	ConversationID   string `json:"conversation_id"`
	ConversationType string `json:"conversation_type"`
	CommunityID      string `json:"community_id,omitempty"`
	BookingID        string `json:"booking_id,omitempty"`
	SenderID         string `json:"sender_id"`
	Content          string `json:"content,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// Room returns the target room for the message. Community and booking
// conversations have their own shared rooms; everything else (including a
// community/booking event missing its id) falls back to the conversation room.
func (e MessageEvent) Room() Room {
	switch e.ConversationType {
	case ConversationCommunity:
		if e.CommunityID != "" {
			return CommunityRoom(e.CommunityID)
		}
	case ConversationBooking:
		if e.BookingID != "" {
			return BookingRoom(e.BookingID)
		}
	}
	return ConversationRoom(e.ConversationID)
}

// DeviceToken represents a push notification token for one of a recipient's
// devices.
type DeviceToken struct {
	ProfileID string    `json:"profile_id"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform"` // "ios" or "android"
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ValidPlatform reports whether p is a platform the registry accepts.
func ValidPlatform(p string) bool {
	return p == "ios" || p == "android"
}
