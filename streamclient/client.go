// Package streamclient implements the resilient subscriber client: a
// per-stream event subscription with automatic reconnect, exponential
// backoff with jitter, resume-from-last-confirmed, and dedup across the
// promotion window. It is re-targeted from stream.Subscriber's "bridge
// inbound wire events into a typed channel the application consumes" role
// to the generic SubscriptionEvent shape this system's events carry,
// rather than a hooks-specific translation.
package streamclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/telemetry"
	"github.com/runledger/runledger/wire"
)

const (
	// DefaultHeartbeatTimeout is how long the client waits for any inbound
	// frame before treating the connection as dead and reconnecting.
	DefaultHeartbeatTimeout = 45 * time.Second

	backoffInitialInterval     = 1 * time.Second
	backoffMaxInterval         = 30 * time.Second
	backoffRandomizationFactor = 0.25
)

var (
	errClientClosed     = errors.New("streamclient: closed")
	errHeartbeatTimeout = errors.New("streamclient: heartbeat timeout")
)

// Options configures a Client.
type Options struct {
	// MaxReconnectAttempts caps consecutive failed reconnect attempts
	// before the client gives up and surfaces a terminal error. Zero means
	// unbounded.
	MaxReconnectAttempts int
	HeartbeatTimeout     time.Duration
	Logger               telemetry.Logger
}

func (o Options) heartbeatTimeout() time.Duration {
	if o.HeartbeatTimeout > 0 {
		return o.HeartbeatTimeout
	}
	return DefaultHeartbeatTimeout
}

func (o Options) logger() telemetry.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return telemetry.NewNoopLogger()
}

// clientState is the connect state machine position.
type clientState int

const (
	stateDisconnected clientState = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateClosed
)

// SubscriptionEvent is yielded on a subscription's channel: either a stored
// event (Event non-nil) or a PromotionMarker (Promotion true, Event nil)
// marking the replay-to-live boundary for the current connection.
type SubscriptionEvent struct {
	Event     *ledgermodel.StoredEvent
	Promotion bool
}

type clientSubscription struct {
	streamID string
	ch       chan SubscriptionEvent

	mu               sync.Mutex
	lastConfirmedSeq uint64
	live             bool
	lastReplaySeq    uint64
	closed           bool
}

func (s *clientSubscription) push(ev SubscriptionEvent) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		// Slow consumer: drop rather than block the connection's read
		// loop. The application is expected to drain its subscription
		// channel promptly; a bounded channel with a generous capacity
		// makes this a last resort, not the common case.
	}
}

func (s *clientSubscription) closeChan() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.ch)
}

// Client is the resilient subscriber: it owns one logical connection to a
// streamserver.Server at a time, reconnecting transparently on failure.
type Client struct {
	id   string
	dial Dialer
	opts Options

	mu    sync.Mutex
	state clientState
	subs  map[string]*clientSubscription

	connMu sync.Mutex
	conn   Transport

	errCh     chan error
	closeCh   chan struct{}
	closeOnce sync.Once
	doneCh    chan struct{}
}

// New constructs a Client and immediately starts its connect/reconnect loop
// in the background, bound to ctx. Cancel ctx or call Close to stop it.
func New(ctx context.Context, dial Dialer, opts Options) *Client {
	c := &Client{
		id:      uuid.NewString(),
		dial:    dial,
		opts:    opts,
		subs:    make(map[string]*clientSubscription),
		errCh:   make(chan error, 1),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// ID returns this client instance's stable identifier, generated once at
// construction and stable across reconnects. Useful for correlating log
// lines and errors from a specific client instance in a process that runs
// several.
func (c *Client) ID() string { return c.id }

// Errors returns the channel on which terminal errors (reconnect exhaustion,
// context cancellation) and non-fatal server-reported errors are surfaced.
func (c *Client) Errors() <-chan error { return c.errCh }

// Subscribe registers a lazy subscription to streamID starting after
// afterSeq, returning the channel the application drains for events and
// promotion markers. The subscription survives reconnects: on every
// successful handshake the client resubscribes at lastConfirmedSeq.
func (c *Client) Subscribe(streamID string, afterSeq uint64) <-chan SubscriptionEvent {
	sub := &clientSubscription{
		streamID:         streamID,
		ch:               make(chan SubscriptionEvent, 256),
		lastConfirmedSeq: afterSeq,
	}
	c.mu.Lock()
	if existing, ok := c.subs[streamID]; ok {
		existing.closeChan()
	}
	c.subs[streamID] = sub
	c.mu.Unlock()

	_ = c.send(wire.Subscribe{StreamID: streamID, AfterSeq: afterSeq})
	return sub.ch
}

// Unsubscribe cancels a subscription, closing its channel.
func (c *Client) Unsubscribe(streamID string) {
	c.mu.Lock()
	sub, ok := c.subs[streamID]
	if ok {
		delete(c.subs, streamID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	sub.closeChan()
	_ = c.send(wire.Unsubscribe{StreamID: streamID})
}

// Close shuts the client down: stops reconnecting, closes the active
// transport, and closes every subscription channel.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
	<-c.doneCh
}

func (c *Client) setState(s clientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) send(msg wire.ClientMessage) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil // no active connection; resent on next handshake
	}
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage([]byte(frame))
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitialInterval
	b.MaxInterval = backoffMaxInterval
	b.RandomizationFactor = backoffRandomizationFactor
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // unbounded; attempt count is capped separately
	return b
}

func (c *Client) run(ctx context.Context) {
	defer close(c.doneCh)
	defer c.shutdown()

	b := c.newBackoff()
	attempts := 0
	for {
		select {
		case <-c.closeCh:
			return
		case <-ctx.Done():
			c.errCh <- ctx.Err()
			return
		default:
		}

		c.setState(stateConnecting)
		err := c.runConnection(ctx, b)
		if errors.Is(err, errClientClosed) {
			return
		}
		if ctx.Err() != nil {
			c.errCh <- ctx.Err()
			return
		}

		// A connection that completed its handshake (server-hello) ends the
		// run of consecutive failures.
		c.mu.Lock()
		if c.state == stateConnected {
			attempts = 0
		}
		c.mu.Unlock()
		attempts++
		if c.opts.MaxReconnectAttempts > 0 && attempts >= c.opts.MaxReconnectAttempts {
			select {
			case c.errCh <- fmt.Errorf("streamclient: exhausted %d reconnect attempts: %w", attempts, err):
			default:
			}
			return
		}

		c.opts.logger().Warn(ctx, "streamclient: connection lost, reconnecting", "clientId", c.id, "error", err, "attempt", attempts)
		c.setState(stateReconnecting)
		d := b.NextBackOff()
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-c.closeCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			c.errCh <- ctx.Err()
			return
		}
	}
}

// runConnection dials, performs the handshake, and services one connection
// until it fails or the client is closed.
func (c *Client) runConnection(ctx context.Context, b *backoff.ExponentialBackOff) error {
	transport, err := c.dial.Dial(ctx)
	if err != nil {
		return err
	}
	defer transport.Close()

	c.connMu.Lock()
	c.conn = transport
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
	}()

	if err := c.send(wire.Hello{Version: wire.ProtocolVersion}); err != nil {
		return err
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			data, err := transport.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-readDone:
				return
			}
		}
	}()

	timeout := time.NewTimer(c.opts.heartbeatTimeout())
	defer timeout.Stop()

	for {
		select {
		case <-c.closeCh:
			return errClientClosed
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-timeout.C:
			return errHeartbeatTimeout
		case data := <-frames:
			if !timeout.Stop() {
				select {
				case <-timeout.C:
				default:
				}
			}
			timeout.Reset(c.opts.heartbeatTimeout())
			c.handleFrame(data, b)
		}
	}
}

func (c *Client) handleFrame(data []byte, b *backoff.ExponentialBackOff) {
	msg := wire.DecodeServer(data)
	if msg == nil {
		return // malformed frames from the server are ignored, not fatal
	}

	switch m := msg.(type) {
	case wire.ServerHello:
		b.Reset()
		c.setState(stateConnected)
		c.mu.Lock()
		subs := make([]*clientSubscription, 0, len(c.subs))
		for _, sub := range c.subs {
			subs = append(subs, sub)
		}
		c.mu.Unlock()
		for _, sub := range subs {
			sub.mu.Lock()
			sub.live = false
			sub.lastReplaySeq = 0
			afterSeq := sub.lastConfirmedSeq
			sub.mu.Unlock()
			_ = c.send(wire.Subscribe{StreamID: sub.streamID, AfterSeq: afterSeq})
		}

	case wire.EventMsg:
		c.mu.Lock()
		sub, ok := c.subs[m.StreamID]
		c.mu.Unlock()
		if !ok {
			return
		}
		sub.mu.Lock()
		if sub.live && m.Event.Seq <= sub.lastReplaySeq {
			sub.mu.Unlock()
			return
		}
		if sub.live && m.Event.Seq <= sub.lastConfirmedSeq {
			sub.mu.Unlock()
			return
		}
		sub.lastConfirmedSeq = m.Event.Seq
		sub.mu.Unlock()
		ev := m.Event
		sub.push(SubscriptionEvent{Event: &ev})

	case wire.ReplayEnd:
		c.mu.Lock()
		sub, ok := c.subs[m.StreamID]
		c.mu.Unlock()
		if !ok {
			return
		}
		sub.mu.Lock()
		sub.live = true
		sub.lastReplaySeq = m.LastReplaySeq
		if m.LastReplaySeq > sub.lastConfirmedSeq {
			sub.lastConfirmedSeq = m.LastReplaySeq
		}
		sub.mu.Unlock()
		sub.push(SubscriptionEvent{Promotion: true})

	case wire.Ping:
		_ = c.send(wire.Pong{})

	case wire.ErrorMsg:
		select {
		case c.errCh <- fmt.Errorf("streamclient: server error %s: %s", m.Code, m.Message):
		default:
		}
	}
}

func (c *Client) shutdown() {
	c.setState(stateClosed)
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connMu.Unlock()

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*clientSubscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.closeChan()
	}
}
