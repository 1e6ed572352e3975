package delivery

import "context"

// Handler processes the raw payload of one change event. Errors are logged
// at the listener boundary and never stop the subscription link.
type Handler func(ctx context.Context, payload []byte) error

// ChangeSource is one subscription link to the change feed. Implementations
// are owned exclusively by the listener; handler code never touches them.
type ChangeSource interface {
	// Dial establishes the underlying link.
	Dial(ctx context.Context) error
	// Subscribe registers interest in the named channels. It must be called
	// after every successful Dial; subscriptions do not survive reconnects.
	Subscribe(ctx context.Context, channels []string) error
	// Receive blocks until the next event, a link error, or ctx cancellation.
	Receive(ctx context.Context) (ChangeEvent, error)
	// Close tears the link down. It must be safe to call on a dead link.
	Close(ctx context.Context) error
}

// Broadcaster is the delivery router's view of the realtime transport.
type Broadcaster interface {
	// BroadcastToRoom delivers data under the given event name to every
	// connection currently in the room. Zero members is not an error.
	BroadcastToRoom(room Room, event string, data any)
	// RoomSize reflects membership at call time, with no caching.
	RoomSize(room Room) int
}

// PushSender delivers a best-effort notification to all of a recipient's
// registered devices. Implementations log their own failures; callers treat
// the send as fire-and-forget.
type PushSender interface {
	SendToRecipient(ctx context.Context, profileID, title, body string, data map[string]string, badge int) error
}

// TokenStore is the device-token registry. Register is an upsert on token
// and Delete/DeleteMany are idempotent, so concurrent mutations converge.
type TokenStore interface {
	Register(ctx context.Context, token DeviceToken) error
	Delete(ctx context.Context, token string) error
	DeleteMany(ctx context.Context, tokens []string) error
	TokensForProfile(ctx context.Context, profileID string) ([]DeviceToken, error)
	Close() error
}

// ServiceDependencies holds the externally constructed collaborators the
// delivery service needs. The struct exists for dependency injection; nothing
// in the service reaches for process globals.
type ServiceDependencies struct {
	Source ChangeSource
	Tokens TokenStore
	Push   PushSender
}
