// Package listener maintains the single subscription link to the change
// feed and dispatches parsed events to per-channel handlers.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

// State is the listener's link state. Transitions only happen inside the
// listener, under its mutex, so overlapping connect attempts are impossible.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	// DefaultReconnectBackoff is the fixed delay between losing the link and
	// the single scheduled reconnect attempt.
	DefaultReconnectBackoff = 5 * time.Second

	dialTimeout = 10 * time.Second
)

// Listener owns exactly one subscription link. Handlers are registered by
// channel name before Connect; re-registration replaces the handler.
type Listener struct {
	source  delivery.ChangeSource
	backoff time.Duration
	logger  zerolog.Logger

	mu         sync.Mutex
	state      State
	epoch      int // bumped by Disconnect to abort in-flight connects
	handlers   map[string]delivery.Handler
	reconnect  *time.Timer
	cancelRecv context.CancelFunc
}

// New creates a listener over the given source. A zero backoff selects
// DefaultReconnectBackoff.
func New(source delivery.ChangeSource, backoff time.Duration, logger zerolog.Logger) *Listener {
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}
	return &Listener{
		source:   source,
		backoff:  backoff,
		logger:   logger.With().Str("component", "ChangeListener").Logger(),
		handlers: make(map[string]delivery.Handler),
	}
}

// Backoff returns the reconnect delay in effect.
func (l *Listener) Backoff() time.Duration { return l.backoff }

// RegisterChannel associates a handler with a channel name. Registering the
// same name again replaces the handler.
func (l *Listener) RegisterChannel(name string, handler delivery.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[name] = handler
}

// Connected reports whether the subscription link is currently up. This is
// the operator-facing liveness signal for the listener.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateConnected
}

// Connect opens the subscription link, subscribes every registered channel,
// and begins receiving. It fails if a connect is already in flight or the
// link is already up, and wraps dial failures in delivery.ErrConnection so
// the caller can decide whether to retry immediately or schedule.
func (l *Listener) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateDisconnected {
		l.mu.Unlock()
		return fmt.Errorf("connect called while %s", l.state)
	}
	l.state = StateConnecting
	epoch := l.epoch
	channels := make([]string, 0, len(l.handlers))
	for name := range l.handlers {
		channels = append(channels, name)
	}
	l.mu.Unlock()

	fail := func(err error) error {
		l.mu.Lock()
		if l.state == StateConnecting {
			l.state = StateDisconnected
		}
		l.mu.Unlock()
		return fmt.Errorf("%w: %w", delivery.ErrConnection, err)
	}

	if err := l.source.Dial(ctx); err != nil {
		return fail(err)
	}
	if err := l.source.Subscribe(ctx, channels); err != nil {
		_ = l.source.Close(context.Background())
		return fail(err)
	}

	recvCtx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	if l.epoch != epoch {
		// Disconnect ran while we were dialing; the fresh link must not
		// outlive it.
		l.mu.Unlock()
		cancel()
		_ = l.source.Close(context.Background())
		return fmt.Errorf("%w: disconnected while connecting", delivery.ErrConnection)
	}
	l.state = StateConnected
	l.cancelRecv = cancel
	l.mu.Unlock()

	l.logger.Info().Strs("channels", channels).Msg("Subscription link established.")
	go l.receiveLoop(recvCtx)
	return nil
}

// Disconnect gracefully closes the link and cancels any pending reconnect.
// If the graceful close does not finish before ctx expires, Disconnect
// returns without waiting further; the link is abandoned either way.
func (l *Listener) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	l.epoch++
	if l.reconnect != nil {
		l.reconnect.Stop()
		l.reconnect = nil
	}
	if l.state != StateConnected {
		l.state = StateDisconnected
		l.mu.Unlock()
		return nil
	}
	l.state = StateDisconnected
	cancel := l.cancelRecv
	l.cancelRecv = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	closed := make(chan error, 1)
	go func() { closed <- l.source.Close(ctx) }()
	select {
	case err := <-closed:
		l.logger.Info().Msg("Subscription link closed.")
		return err
	case <-ctx.Done():
		l.logger.Warn().Msg("Graceful close timed out, abandoning link.")
		return ctx.Err()
	}
}

func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		ev, err := l.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // explicit Disconnect
			}
			l.logger.Warn().Err(err).Msg("Subscription link lost.")
			l.onLinkDown()
			return
		}
		l.dispatch(ctx, ev)
	}
}

// dispatch routes one event to its handler. A malformed payload, a missing
// handler, a handler error, or even a handler panic must never break the
// link or stall other channels.
func (l *Listener) dispatch(ctx context.Context, ev delivery.ChangeEvent) {
	l.mu.Lock()
	handler, ok := l.handlers[ev.Channel]
	l.mu.Unlock()

	log := l.logger.With().Str("channel", ev.Channel).Logger()

	if !ok {
		log.Warn().Msg("No handler registered for channel, dropping event.")
		return
	}
	if !json.Valid(ev.Payload) {
		log.Warn().Msg("Dropping event with invalid JSON payload.")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Handler panicked, event dropped.")
		}
	}()

	if err := handler(ctx, ev.Payload); err != nil {
		log.Error().Err(err).Msg("Handler failed, event dropped.")
	}
}

// onLinkDown transitions to disconnected and schedules exactly one reconnect
// attempt after the fixed backoff.
func (l *Listener) onLinkDown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateConnected {
		return
	}
	l.state = StateDisconnected
	l.cancelRecv = nil

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = l.source.Close(closeCtx)
	cancel()

	l.scheduleReconnectLocked()
}

func (l *Listener) scheduleReconnectLocked() {
	if l.reconnect != nil {
		return
	}
	l.logger.Info().Dur("backoff", l.backoff).Msg("Scheduling reconnect.")
	l.reconnect = time.AfterFunc(l.backoff, l.tryReconnect)
}

// tryReconnect runs on the backoff timer. On failure it schedules the next
// attempt; the subscription link retries forever at the fixed delay.
func (l *Listener) tryReconnect() {
	l.mu.Lock()
	l.reconnect = nil
	if l.state != StateDisconnected {
		l.mu.Unlock()
		return
	}
	epoch := l.epoch
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := l.Connect(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("Reconnect attempt failed.")
		l.mu.Lock()
		if l.state == StateDisconnected && l.epoch == epoch {
			l.scheduleReconnectLocked()
		}
		l.mu.Unlock()
		return
	}
	l.logger.Info().Msg("Reconnected to change feed.")
}
