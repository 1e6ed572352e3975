package delivery

// Room names a multicast group of live connections. The convention is
// "kind:id"; membership is session-scoped and never persisted.
type Room string

// UserRoom is the per-recipient room every connection auto-joins at
// handshake time. Delivery decisions key off this room's size.
func UserRoom(profileID string) Room { return Room("user:" + profileID) }

// ConversationRoom is the room for one direct conversation.
func ConversationRoom(id string) Room { return Room("conversation:" + id) }

// CommunityRoom is the shared room for a community chat.
func CommunityRoom(id string) Room { return Room("community:" + id) }

// BookingRoom is the shared room for a booking chat.
func BookingRoom(id string) Room { return Room("booking:" + id) }
