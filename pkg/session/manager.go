// Package session owns the lifecycle of one client's transport connection
// relative to auth state and app foreground/background transitions.
package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

// State is the manager's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateSuspended is reached from Connected when the app backgrounds; the
	// manager disconnects proactively instead of waiting for the OS to kill
	// the socket.
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	default:
		return "disconnected"
	}
}

// RoomRef names a room the UI currently cares about. The desired set is
// replayed after every successful connect because the server does not
// preserve membership across reconnects.
type RoomRef struct {
	Kind string // "community", "booking", or "conversation"
	ID   string
}

func (r RoomRef) joinAction() string { return "join:" + r.Kind }

func (r RoomRef) leaveAction() string { return "leave:" + r.Kind }

func (r RoomRef) valid() bool {
	if r.ID == "" {
		return false
	}
	switch r.Kind {
	case "community", "booking", "conversation":
		return true
	}
	return false
}

// Config controls the manager's connection behavior.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/connect.
	URL string
	// MaxRetries bounds automatic reconnect attempts per connectivity
	// episode. The counter resets on success, sign-in, and foregrounding.
	MaxRetries int
	// InitialRetryDelay doubles per attempt up to MaxRetryDelay.
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	// EventBuffer sizes the Events channel.
	EventBuffer int
	Dialer      *websocket.Dialer
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.InitialRetryDelay <= 0 {
		c.InitialRetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 32
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// Manager drives one client connection. Every public method returns
// immediately; connects and disconnects happen on background goroutines so
// the UI is never blocked on connection state.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
	events chan delivery.ServerEvent

	mu         sync.Mutex
	state      State
	token      string
	profileID  string
	authed     bool
	foreground bool
	authFailed bool
	desired    map[RoomRef]struct{}
	conn       *websocket.Conn
	gen        int // invalidates stale dials and read loops
	retries    int
	retryTimer *time.Timer

	writeMu sync.Mutex
}

// New creates a manager. The app starts foregrounded.
func New(cfg Config, logger zerolog.Logger) (*Manager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket url is required")
	}
	cfg.applyDefaults()
	return &Manager{
		cfg:        cfg,
		logger:     logger.With().Str("component", "SessionManager").Logger(),
		events:     make(chan delivery.ServerEvent, cfg.EventBuffer),
		foreground: true,
		desired:    make(map[RoomRef]struct{}),
	}, nil
}

// Events delivers server events to the UI. Events are dropped, not blocked
// on, when the consumer falls behind.
func (m *Manager) Events() <-chan delivery.ServerEvent { return m.events }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AuthFailed reports whether the last connect was rejected as unauthorized.
// The manager will not retry until new credentials arrive; the UI should
// prompt for re-login.
func (m *Manager) AuthFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authFailed
}

// SetAuthenticated supplies credentials and triggers a connect attempt when
// the app is foregrounded.
func (m *Manager) SetAuthenticated(token, profileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.profileID = profileID
	m.authed = true
	m.authFailed = false
	m.retries = 0
	m.maybeConnectLocked()
}

// SetSignedOut drops credentials and tears the connection down. Any pending
// reconnect attempt is cancelled.
func (m *Manager) SetSignedOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authed = false
	m.authFailed = false
	m.token = ""
	m.profileID = ""
	m.cancelRetryLocked()
	m.teardownLocked(StateDisconnected)
}

// SetForeground reports app foreground/background transitions. Backgrounding
// while connected disconnects proactively and moves to Suspended;
// foregrounding reconnects.
func (m *Manager) SetForeground(foreground bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.foreground = foreground

	if !foreground {
		m.cancelRetryLocked()
		switch m.state {
		case StateConnected:
			m.teardownLocked(StateSuspended)
		case StateConnecting:
			// Abandon the in-flight attempt.
			m.gen++
			m.state = StateDisconnected
		}
		return
	}

	m.retries = 0
	m.maybeConnectLocked()
}

// JoinRoom adds a room to the desired set and joins it now when connected.
func (m *Manager) JoinRoom(room RoomRef) error {
	if !room.valid() {
		return fmt.Errorf("invalid room %q:%q", room.Kind, room.ID)
	}
	m.mu.Lock()
	m.desired[room] = struct{}{}
	ws := m.connectedConnLocked()
	m.mu.Unlock()

	if ws != nil {
		m.writeCommand(ws, room.joinAction(), room.ID)
	}
	return nil
}

// LeaveRoom removes a room from the desired set and leaves it now when
// connected.
func (m *Manager) LeaveRoom(room RoomRef) error {
	if !room.valid() {
		return fmt.Errorf("invalid room %q:%q", room.Kind, room.ID)
	}
	m.mu.Lock()
	delete(m.desired, room)
	ws := m.connectedConnLocked()
	m.mu.Unlock()

	if ws != nil {
		m.writeCommand(ws, room.leaveAction(), room.ID)
	}
	return nil
}

// Close tears everything down. The manager is not reusable afterwards.
func (m *Manager) Close() {
	m.SetSignedOut()
}

func (m *Manager) connectedConnLocked() *websocket.Conn {
	if m.state == StateConnected {
		return m.conn
	}
	return nil
}

// maybeConnectLocked starts a dial when signed in, foregrounded, not already
// connecting, and not blocked by a terminal auth failure.
func (m *Manager) maybeConnectLocked() {
	if !m.authed || !m.foreground || m.authFailed {
		return
	}
	if m.state == StateConnected || m.state == StateConnecting {
		return
	}
	m.state = StateConnecting
	m.gen++
	go m.dial(m.gen)
}

// teardownLocked closes the live socket (if any) and invalidates its read
// loop.
func (m *Manager) teardownLocked(next State) {
	m.gen++
	if m.conn != nil {
		m.writeMu.Lock()
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = next
}

func (m *Manager) dial(gen int) {
	m.mu.Lock()
	token, profileID := m.token, m.profileID
	m.mu.Unlock()

	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		m.logger.Error().Err(err).Msg("Invalid websocket URL.")
		m.mu.Lock()
		if gen == m.gen {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		return
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("profile_id", profileID)
	u.RawQuery = q.Encode()

	ws, resp, err := m.cfg.Dialer.Dial(u.String(), nil)

	m.mu.Lock()
	if gen != m.gen {
		// Cancelled by sign-out or backgrounding while dialing.
		m.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}

	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			// Terminal: bad or mismatched credential. No retry storm.
			m.authFailed = true
			m.state = StateDisconnected
			m.mu.Unlock()
			m.logger.Warn().Msg("Connect rejected as unauthorized; waiting for new credentials.")
			return
		}
		m.state = StateDisconnected
		m.scheduleRetryLocked()
		m.mu.Unlock()
		m.logger.Debug().Err(err).Msg("Connect attempt failed.")
		return
	}

	m.conn = ws
	m.state = StateConnected
	m.retries = 0
	rooms := make([]RoomRef, 0, len(m.desired))
	for room := range m.desired {
		rooms = append(rooms, room)
	}
	m.mu.Unlock()

	m.logger.Info().Msg("Connected.")

	// Membership is not preserved across reconnects; re-issue every join the
	// UI currently cares about.
	for _, room := range rooms {
		m.writeCommand(ws, room.joinAction(), room.ID)
	}

	go m.readLoop(gen, ws)
}

func (m *Manager) readLoop(gen int, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if gen == m.gen {
				// Unexpected drop: reconnect with bounded backoff.
				m.conn = nil
				m.state = StateDisconnected
				m.scheduleRetryLocked()
			}
			m.mu.Unlock()
			return
		}

		var ev delivery.ServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			m.logger.Warn().Err(err).Msg("Dropping unparseable server frame.")
			continue
		}
		select {
		case m.events <- ev:
		default:
			m.logger.Warn().Str("event", ev.Event).Msg("Event buffer full, dropping event.")
		}
	}
}

// scheduleRetryLocked arms the single retry timer with an increasing,
// capped delay. Gives up after MaxRetries; a later sign-in or foreground
// transition starts a fresh episode.
func (m *Manager) scheduleRetryLocked() {
	if m.retryTimer != nil {
		return
	}
	if m.retries >= m.cfg.MaxRetries {
		m.logger.Warn().Int("attempts", m.retries).Msg("Giving up automatic reconnects.")
		return
	}

	delay := m.cfg.InitialRetryDelay << m.retries
	if delay > m.cfg.MaxRetryDelay || delay <= 0 {
		delay = m.cfg.MaxRetryDelay
	}
	m.retries++

	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retryTimer = nil
		m.maybeConnectLocked()
		m.mu.Unlock()
	})
}

func (m *Manager) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) writeCommand(ws *websocket.Conn, action, id string) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := ws.WriteJSON(delivery.ClientCommand{Action: action, ID: id}); err != nil {
		m.logger.Debug().Err(err).Str("action", action).Msg("Failed to send command.")
	}
}
