package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

// wsServer is a scriptable server side: it greets each connection with a
// connected event and records every command frame it receives.
type wsServer struct {
	server *httptest.Server

	mu         sync.Mutex
	handshakes int
	reject     bool
	queries    []map[string]string
	commands   []delivery.ClientCommand
	conns      []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.handshakes++
	reject := s.reject
	s.mu.Unlock()

	if reject {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	query := map[string]string{
		"token":      r.URL.Query().Get("token"),
		"profile_id": r.URL.Query().Get("profile_id"),
	}
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.conns = append(s.conns, ws)
	s.mu.Unlock()

	payload, _ := json.Marshal(delivery.ConnectedPayload{
		SocketID:  "sock-1",
		UserID:    query["profile_id"],
		Timestamp: time.Now().Unix(),
	})
	frame, _ := json.Marshal(delivery.ServerEvent{Event: delivery.EventConnected, Data: payload})
	_ = ws.WriteMessage(websocket.TextMessage, frame)

	for {
		var cmd delivery.ClientCommand
		if err := ws.ReadJSON(&cmd); err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()
	}
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/connect"
}

func (s *wsServer) handshakeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

func (s *wsServer) recordedCommands() []delivery.ClientCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery.ClientCommand(nil), s.commands...)
}

func (s *wsServer) lastQuery() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queries) == 0 {
		return nil
	}
	return s.queries[len(s.queries)-1]
}

// dropConnections closes every live server-side socket, simulating a network
// drop from the client's point of view.
func (s *wsServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func newManager(t *testing.T, url string) *Manager {
	t.Helper()
	m, err := New(Config{
		URL:               url,
		MaxRetries:        3,
		InitialRetryDelay: 20 * time.Millisecond,
		MaxRetryDelay:     100 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		2*time.Second, 10*time.Millisecond, "expected state %s", want)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestConnectAfterSignIn(t *testing.T) {
	server := newWSServer(t)
	m := newManager(t, server.url())

	assert.Equal(t, StateDisconnected, m.State(), "no connection before credentials arrive")

	m.SetAuthenticated("jwt-token", "P1")
	waitForState(t, m, StateConnected)

	query := server.lastQuery()
	assert.Equal(t, "jwt-token", query["token"])
	assert.Equal(t, "P1", query["profile_id"])

	select {
	case ev := <-m.Events():
		assert.Equal(t, delivery.EventConnected, ev.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the connected event on the events channel")
	}
}

func TestDesiredRoomsReplayAfterReconnect(t *testing.T) {
	server := newWSServer(t)
	m := newManager(t, server.url())

	require.NoError(t, m.JoinRoom(RoomRef{Kind: "community", ID: "C1"}))

	m.SetAuthenticated("tok", "P1")
	waitForState(t, m, StateConnected)

	require.Eventually(t, func() bool { return len(server.recordedCommands()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, delivery.ClientCommand{Action: "join:community", ID: "C1"}, server.recordedCommands()[0])

	server.dropConnections()
	require.Eventually(t, func() bool { return server.handshakeCount() == 2 && m.State() == StateConnected },
		2*time.Second, 10*time.Millisecond, "manager reconnects on its own")

	require.Eventually(t, func() bool { return len(server.recordedCommands()) == 2 },
		2*time.Second, 10*time.Millisecond, "desired rooms are re-joined after the reconnect")
	assert.Equal(t, delivery.ClientCommand{Action: "join:community", ID: "C1"}, server.recordedCommands()[1])
}

func TestJoinAndLeaveWhileConnected(t *testing.T) {
	server := newWSServer(t)
	m := newManager(t, server.url())
	m.SetAuthenticated("tok", "P1")
	waitForState(t, m, StateConnected)

	require.NoError(t, m.JoinRoom(RoomRef{Kind: "booking", ID: "B1"}))
	require.NoError(t, m.LeaveRoom(RoomRef{Kind: "booking", ID: "B1"}))

	require.Eventually(t, func() bool { return len(server.recordedCommands()) == 2 },
		2*time.Second, 10*time.Millisecond)
	cmds := server.recordedCommands()
	assert.Equal(t, delivery.ClientCommand{Action: "join:booking", ID: "B1"}, cmds[0])
	assert.Equal(t, delivery.ClientCommand{Action: "leave:booking", ID: "B1"}, cmds[1])
}

func TestInvalidRoomRef(t *testing.T) {
	server := newWSServer(t)
	m := newManager(t, server.url())

	assert.Error(t, m.JoinRoom(RoomRef{Kind: "community"}))
	assert.Error(t, m.JoinRoom(RoomRef{Kind: "planet", ID: "earth"}))
	assert.Error(t, m.LeaveRoom(RoomRef{Kind: "", ID: "x"}))
}

func TestBackgroundingSuspendsAndForegroundingReconnects(t *testing.T) {
	server := newWSServer(t)
	m := newManager(t, server.url())
	m.SetAuthenticated("tok", "P1")
	waitForState(t, m, StateConnected)
	require.Equal(t, 1, server.handshakeCount())

	m.SetForeground(false)
	assert.Equal(t, StateSuspended, m.State())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, server.handshakeCount(), "no reconnect attempts while backgrounded")

	m.SetForeground(true)
	waitForState(t, m, StateConnected)
	assert.Equal(t, 2, server.handshakeCount())
}

func TestUnauthorizedConnectIsTerminal(t *testing.T) {
	server := newWSServer(t)
	server.reject = true
	m := newManager(t, server.url())

	m.SetAuthenticated("expired-token", "P1")

	require.Eventually(t, func() bool { return m.AuthFailed() },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, server.handshakeCount(), "a rejected credential is never retried")

	t.Run("fresh credentials clear the failure", func(t *testing.T) {
		server.mu.Lock()
		server.reject = false
		server.mu.Unlock()

		m.SetAuthenticated("new-token", "P1")
		waitForState(t, m, StateConnected)
		assert.False(t, m.AuthFailed())
	})
}

func TestRetriesAreBounded(t *testing.T) {
	server := newWSServer(t)
	m := newManager(t, server.url())
	m.SetAuthenticated("tok", "P1")
	waitForState(t, m, StateConnected)
	require.Equal(t, 1, server.handshakeCount())

	// Take the server away entirely; every further dial fails at the
	// transport level.
	server.server.CloseClientConnections()
	server.server.Close()
	// CloseClientConnections does not reach hijacked (websocket) conns;
	// sever the established socket explicitly.
	server.dropConnections()

	require.Eventually(t, func() bool { return m.State() == StateDisconnected },
		2*time.Second, 10*time.Millisecond)

	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State(), "manager gives up after the retry budget")
	assert.False(t, m.AuthFailed(), "transport failures are not auth failures")
}

func TestSignOutDisconnectsAndStaysDown(t *testing.T) {
	server := newWSServer(t)
	m := newManager(t, server.url())
	m.SetAuthenticated("tok", "P1")
	waitForState(t, m, StateConnected)

	m.SetSignedOut()
	assert.Equal(t, StateDisconnected, m.State())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, server.handshakeCount(), "no reconnect after an explicit sign-out")
}
