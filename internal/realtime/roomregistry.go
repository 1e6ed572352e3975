package realtime

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

// RoomRegistry holds all room membership for one server process. It is
// constructed once at startup and injected into everything that needs it;
// there is no package-level instance.
//
// All mutations happen under one mutex, so a membership check immediately
// after a disconnect never observes the departed connection.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[delivery.Room]map[*Connection]struct{}
	conns map[*Connection]map[delivery.Room]struct{}

	logger zerolog.Logger
}

// NewRoomRegistry creates an empty registry.
func NewRoomRegistry(logger zerolog.Logger) *RoomRegistry {
	return &RoomRegistry{
		rooms:  make(map[delivery.Room]map[*Connection]struct{}),
		conns:  make(map[*Connection]map[delivery.Room]struct{}),
		logger: logger.With().Str("component", "RoomRegistry").Logger(),
	}
}

// Join adds c to room. Joining a room twice is a no-op.
func (r *RoomRegistry) Join(c *Connection, room delivery.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	memberships, ok := r.conns[c]
	if !ok {
		// Connection already removed; discard the late join entirely rather
		// than leave half-applied room state behind.
		return
	}
	if _, ok := memberships[room]; ok {
		return
	}
	memberships[room] = struct{}{}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Connection]struct{})
		r.rooms[room] = members
	}
	members[c] = struct{}{}

	r.logger.Debug().Str("room", string(room)).Str("socket", c.ID).Msg("Joined room.")
}

// Leave removes c from room. Leaving a room not joined is a no-op.
func (r *RoomRegistry) Leave(c *Connection, room delivery.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(c, room)
}

func (r *RoomRegistry) leaveLocked(c *Connection, room delivery.Room) {
	if memberships, ok := r.conns[c]; ok {
		delete(memberships, room)
	}
	if members, ok := r.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

// Register makes the connection known to the registry. Must be called before
// any Join.
func (r *RoomRegistry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = make(map[delivery.Room]struct{})
}

// RemoveAll removes the connection from every room it holds and forgets it.
// Called synchronously on disconnect.
func (r *RoomRegistry) RemoveAll(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range r.conns[c] {
		r.leaveLocked(c, room)
	}
	delete(r.conns, c)
}

// RoomSize reports current membership. The router's online/offline decision
// reads this at event-handling time.
func (r *RoomRegistry) RoomSize(room delivery.Room) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// ConnectionCount reports the number of live connections, for health checks.
func (r *RoomRegistry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// BroadcastToRoom delivers data under the given event name to every current
// member of the room. Zero members is not an error. A member whose send
// buffer is full is kicked; it reconnects from scratch.
func (r *RoomRegistry) BroadcastToRoom(room delivery.Room, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal broadcast payload.")
		return
	}
	frame, err := json.Marshal(delivery.ServerEvent{Event: event, Data: raw})
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event frame.")
		return
	}

	r.mu.RLock()
	members := make([]*Connection, 0, len(r.rooms[room]))
	for c := range r.rooms[room] {
		members = append(members, c)
	}
	r.mu.RUnlock()

	for _, c := range members {
		if !c.trySend(frame) {
			c.logger.Warn().Str("room", string(room)).Msg("Send buffer full, kicking slow consumer.")
			c.close()
		}
	}

	r.logger.Debug().Str("room", string(room)).Str("event", event).Int("members", len(members)).Msg("Broadcast.")
}
