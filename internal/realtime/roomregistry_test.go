package realtime

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

func newTestConnection(t *testing.T, id, profileID string) *Connection {
	t.Helper()
	return newConnection(id, profileID, nil, zerolog.Nop())
}

func TestRoomRegistryJoinLeave(t *testing.T) {
	registry := NewRoomRegistry(zerolog.Nop())
	conn := newTestConnection(t, "s1", "P1")
	registry.Register(conn)

	room := delivery.ConversationRoom("c1")

	t.Run("joining twice then leaving once leaves zero memberships", func(t *testing.T) {
		registry.Join(conn, room)
		registry.Join(conn, room)
		assert.Equal(t, 1, registry.RoomSize(room))

		registry.Leave(conn, room)
		assert.Equal(t, 0, registry.RoomSize(room))
	})

	t.Run("leaving an unjoined room is a no-op", func(t *testing.T) {
		registry.Leave(conn, delivery.ConversationRoom("never-joined"))
		assert.Equal(t, 0, registry.RoomSize(delivery.ConversationRoom("never-joined")))
	})

	t.Run("join after removal is discarded", func(t *testing.T) {
		registry.RemoveAll(conn)
		registry.Join(conn, room)
		assert.Equal(t, 0, registry.RoomSize(room))
	})
}

func TestRoomRegistryRemoveAll(t *testing.T) {
	registry := NewRoomRegistry(zerolog.Nop())
	conn := newTestConnection(t, "s1", "P1")
	other := newTestConnection(t, "s2", "P2")
	registry.Register(conn)
	registry.Register(other)

	userRoom := delivery.UserRoom("P1")
	shared := delivery.CommunityRoom("C1")
	registry.Join(conn, userRoom)
	registry.Join(conn, shared)
	registry.Join(other, shared)

	require.Equal(t, 2, registry.ConnectionCount())
	require.Equal(t, 2, registry.RoomSize(shared))

	registry.RemoveAll(conn)

	assert.Equal(t, 0, registry.RoomSize(userRoom), "user room must be empty immediately after disconnect")
	assert.Equal(t, 1, registry.RoomSize(shared), "other members stay in shared rooms")
	assert.Equal(t, 1, registry.ConnectionCount())
}

func TestRoomRegistryBroadcast(t *testing.T) {
	registry := NewRoomRegistry(zerolog.Nop())
	room := delivery.BookingRoom("B1")

	member := newTestConnection(t, "s1", "P1")
	outsider := newTestConnection(t, "s2", "P2")
	registry.Register(member)
	registry.Register(outsider)
	registry.Join(member, room)
	registry.Join(outsider, delivery.BookingRoom("B2"))

	registry.BroadcastToRoom(room, delivery.EventBadgeUpdate, delivery.BadgePayload{BadgeCount: 3})

	select {
	case frame := <-member.send:
		var ev delivery.ServerEvent
		require.NoError(t, json.Unmarshal(frame, &ev))
		assert.Equal(t, delivery.EventBadgeUpdate, ev.Event)

		var badge delivery.BadgePayload
		require.NoError(t, json.Unmarshal(ev.Data, &badge))
		assert.Equal(t, 3, badge.BadgeCount)
	default:
		t.Fatal("expected a frame on the member connection")
	}

	assert.Empty(t, outsider.send, "connections outside the room receive nothing")

	// Zero members is not an error.
	registry.BroadcastToRoom(delivery.BookingRoom("empty"), delivery.EventBadgeUpdate, delivery.BadgePayload{})
}

func TestRoomRegistryBroadcastKicksSlowConsumer(t *testing.T) {
	registry := NewRoomRegistry(zerolog.Nop())
	room := delivery.ConversationRoom("c1")

	slow := newTestConnection(t, "s1", "P1")
	registry.Register(slow)
	registry.Join(slow, room)

	for i := 0; i < sendQueueSize+1; i++ {
		registry.BroadcastToRoom(room, delivery.EventMessageNew, delivery.MessageEvent{MessageID: "m"})
	}

	select {
	case <-slow.done:
	default:
		t.Fatal("expected the slow consumer to be closed")
	}
}
