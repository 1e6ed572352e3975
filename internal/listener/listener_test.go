package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

// fakeSource is a scriptable change feed. Events pushed with emit flow out of
// Receive; pushing an error drops the link.
type fakeSource struct {
	mu          sync.Mutex
	dialErr     error
	dialCount   int
	dialStarted chan struct{}
	dialGate    chan struct{}
	subscribed  [][]string
	closed      int

	events chan delivery.ChangeEvent
	errs   chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan delivery.ChangeEvent, 16),
		errs:   make(chan error, 1),
	}
}

func (s *fakeSource) Dial(context.Context) error {
	s.mu.Lock()
	s.dialCount++
	started, gate := s.dialStarted, s.dialGate
	s.dialStarted, s.dialGate = nil, nil
	err := s.dialErr
	s.mu.Unlock()

	if gate != nil {
		close(started)
		<-gate
	}
	return err
}

// stallNextDial makes the next Dial close started, then block until gate is
// closed.
func (s *fakeSource) stallNextDial(started, gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialStarted, s.dialGate = started, gate
}

func (s *fakeSource) Subscribe(_ context.Context, channels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, channels)
	return nil
}

func (s *fakeSource) Receive(ctx context.Context) (delivery.ChangeEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.errs:
		return delivery.ChangeEvent{}, err
	case <-ctx.Done():
		return delivery.ChangeEvent{}, ctx.Err()
	}
}

func (s *fakeSource) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSource) emit(channel, payload string) {
	s.events <- delivery.ChangeEvent{Channel: channel, Payload: []byte(payload)}
}

func (s *fakeSource) dropLink() {
	s.errs <- errors.New("link reset")
}

func (s *fakeSource) dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialCount
}

func (s *fakeSource) lastSubscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subscribed) == 0 {
		return nil
	}
	return s.subscribed[len(s.subscribed)-1]
}

// recorder collects handler invocations for assertions.
type recorder struct {
	mu       sync.Mutex
	payloads []string
}

func (r *recorder) handle(_ context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(payload))
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func TestConnectSubscribesRegisteredChannels(t *testing.T) {
	source := newFakeSource()
	l := New(source, time.Second, zerolog.Nop())

	rec := &recorder{}
	l.RegisterChannel(delivery.ChannelNotifications, rec.handle)
	l.RegisterChannel(delivery.ChannelMessages, rec.handle)

	require.NoError(t, l.Connect(context.Background()))
	defer l.Disconnect(context.Background())

	assert.True(t, l.Connected())
	assert.ElementsMatch(t,
		[]string{delivery.ChannelNotifications, delivery.ChannelMessages},
		source.lastSubscribed())

	t.Run("second connect while up is rejected", func(t *testing.T) {
		assert.Error(t, l.Connect(context.Background()))
	})
}

func TestConnectDialFailure(t *testing.T) {
	source := newFakeSource()
	source.dialErr = errors.New("no route")
	l := New(source, time.Second, zerolog.Nop())

	err := l.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, delivery.ErrConnection)
	assert.False(t, l.Connected())
}

func TestDispatchRoutesByChannel(t *testing.T) {
	source := newFakeSource()
	l := New(source, time.Second, zerolog.Nop())

	notifs := &recorder{}
	msgs := &recorder{}
	l.RegisterChannel(delivery.ChannelNotifications, notifs.handle)
	l.RegisterChannel(delivery.ChannelMessages, msgs.handle)

	require.NoError(t, l.Connect(context.Background()))
	defer l.Disconnect(context.Background())

	source.emit(delivery.ChannelNotifications, `{"profile_id":"P1"}`)
	source.emit(delivery.ChannelMessages, `{"message_id":"m1"}`)

	require.Eventually(t, func() bool {
		return len(notifs.seen()) == 1 && len(msgs.seen()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"profile_id":"P1"}`, notifs.seen()[0])
	assert.Equal(t, `{"message_id":"m1"}`, msgs.seen()[0])
}

func TestDispatchSurvivesBadEvents(t *testing.T) {
	source := newFakeSource()
	l := New(source, time.Second, zerolog.Nop())

	rec := &recorder{}
	l.RegisterChannel(delivery.ChannelNotifications, rec.handle)
	l.RegisterChannel(delivery.ChannelMessages, func(context.Context, []byte) error {
		panic("handler bug")
	})

	require.NoError(t, l.Connect(context.Background()))
	defer l.Disconnect(context.Background())

	source.emit("unknown_channel", `{}`)                    // no handler
	source.emit(delivery.ChannelNotifications, `{not json`) // invalid payload
	source.emit(delivery.ChannelMessages, `{}`)             // panicking handler
	source.emit(delivery.ChannelNotifications, `{"ok":true}`)

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 },
		2*time.Second, 10*time.Millisecond, "valid event after bad ones still gets through")
	assert.Equal(t, `{"ok":true}`, rec.seen()[0])
	assert.True(t, l.Connected(), "bad events never drop the link")
}

func TestReconnectAfterLinkDrop(t *testing.T) {
	source := newFakeSource()
	l := New(source, 20*time.Millisecond, zerolog.Nop())

	rec := &recorder{}
	l.RegisterChannel(delivery.ChannelNotifications, rec.handle)

	require.NoError(t, l.Connect(context.Background()))
	require.Equal(t, 1, source.dials())

	source.dropLink()

	require.Eventually(t, func() bool { return l.Connected() && source.dials() == 2 },
		2*time.Second, 5*time.Millisecond, "one reconnect after backoff")
	assert.ElementsMatch(t, []string{delivery.ChannelNotifications}, source.lastSubscribed(),
		"reconnect resubscribes every registered channel")

	// Events flow again on the new link.
	source.emit(delivery.ChannelNotifications, `{"after":"reconnect"}`)
	require.Eventually(t, func() bool { return len(rec.seen()) == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Disconnect(context.Background()))
}

func TestReconnectRetriesAfterFailedDial(t *testing.T) {
	source := newFakeSource()
	l := New(source, 20*time.Millisecond, zerolog.Nop())
	l.RegisterChannel(delivery.ChannelNotifications, (&recorder{}).handle)

	require.NoError(t, l.Connect(context.Background()))

	source.mu.Lock()
	source.dialErr = errors.New("still down")
	source.mu.Unlock()
	source.dropLink()

	require.Eventually(t, func() bool { return source.dials() >= 3 },
		2*time.Second, 5*time.Millisecond, "failed attempts keep rescheduling")
	assert.False(t, l.Connected())

	source.mu.Lock()
	source.dialErr = nil
	source.mu.Unlock()

	require.Eventually(t, func() bool { return l.Connected() },
		2*time.Second, 5*time.Millisecond)
	require.NoError(t, l.Disconnect(context.Background()))
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	source := newFakeSource()
	l := New(source, 250*time.Millisecond, zerolog.Nop())
	l.RegisterChannel(delivery.ChannelNotifications, (&recorder{}).handle)

	require.NoError(t, l.Connect(context.Background()))
	require.Equal(t, 1, source.dials())

	source.dropLink()
	require.Eventually(t, func() bool { return !l.Connected() },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, l.Disconnect(context.Background()))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, source.dials(), "no reconnect fires after an explicit disconnect")
}

func TestDisconnectDuringReconnectDial(t *testing.T) {
	source := newFakeSource()
	l := New(source, 20*time.Millisecond, zerolog.Nop())

	rec := &recorder{}
	l.RegisterChannel(delivery.ChannelNotifications, rec.handle)

	require.NoError(t, l.Connect(context.Background()))
	require.Equal(t, 1, source.dials())

	// Stall the reconnect attempt mid-dial, then disconnect underneath it.
	started := make(chan struct{})
	gate := make(chan struct{})
	source.stallNextDial(started, gate)
	source.dropLink()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect dial never started")
	}

	require.NoError(t, l.Disconnect(context.Background()))
	close(gate)

	time.Sleep(200 * time.Millisecond)
	assert.False(t, l.Connected(), "listener must stay down after an explicit disconnect")
	assert.Equal(t, 2, source.dials(), "the abandoned attempt must not reschedule")

	// A link abandoned this way must not dispatch either.
	source.emit(delivery.ChannelNotifications, `{"late":true}`)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.seen())
}

func TestZeroBackoffSelectsDefault(t *testing.T) {
	l := New(newFakeSource(), 0, zerolog.Nop())
	assert.Equal(t, DefaultReconnectBackoff, l.Backoff())
}
