// Package streamserver implements the fan-out/subscribe server: it
// accepts a Transport per connection, runs the connection and
// per-subscription state machines, and performs the replay-then-live
// handover for each subscribe request. It is transport-agnostic; the
// concrete gorilla/websocket binding lives in streamserver/wsconn, mirroring
// the go-broker Broker's split between connection bookkeeping and the
// websocket upgrade/keepalive mechanics.
package streamserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runledger/runledger/eventstore"
	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/telemetry"
	"github.com/runledger/runledger/wire"
)

const (
	// DefaultMaxBufferSize bounds the per-connection outbound buffer.
	DefaultMaxBufferSize = 1024
	// DefaultHeartbeatInterval is how often the server sends a ping.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatTimeout is how long the server waits for any inbound
	// frame (a pong or otherwise) before closing an unresponsive connection.
	DefaultHeartbeatTimeout = 60 * time.Second
)

// EventSource is the subset of eventstore.Store the server needs: bounded
// replay and a head query to anchor the replay-to-live handover.
type EventSource interface {
	Replay(ctx context.Context, streamID string, opts eventstore.ReplayOptions) ([]ledgermodel.StoredEvent, error)
	Head(ctx context.Context, streamID string) (uint64, error)
}

// Broadcaster delivers newly appended events to local subscribers of a
// stream. *Server implements this directly; broadcast/pulse implements it
// for a distributed deployment where appends happen on one process and
// subscribers live on another.
type Broadcaster interface {
	Broadcast(streamID string, events []ledgermodel.StoredEvent)
}

var _ Broadcaster = (*Server)(nil)

// Options configures a Server. Zero-value fields take their defaults.
type Options struct {
	MaxBufferSize     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Logger            telemetry.Logger
}

func (o Options) maxBufferSize() int {
	if o.MaxBufferSize > 0 {
		return o.MaxBufferSize
	}
	return DefaultMaxBufferSize
}

func (o Options) heartbeatInterval() time.Duration {
	if o.HeartbeatInterval > 0 {
		return o.HeartbeatInterval
	}
	return DefaultHeartbeatInterval
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

// Server is the fan-out core. One Server instance is shared across all
// connections; each call to Accept runs one connection to completion.
type Server struct {
	events EventSource
	opts   Options

	mu            sync.Mutex
	subsByStream  map[string]map[*subscription]struct{}
}

// NewServer constructs a Server backed by events for replay and head
// queries.
func NewServer(events EventSource, opts Options) *Server {
	return &Server{
		events:       events,
		opts:         opts,
		subsByStream: make(map[string]map[*subscription]struct{}),
	}
}

// connState is the per-connection state machine position.
type connState int

const (
	connAwaitingHello connState = iota
	connHandshakeOK
	connClosed
)

// subState is the per-subscription state machine position.
type subState int

const (
	subReplaying subState = iota
	subLive
)

type subscription struct {
	streamID string
	conn     *connection

	mu            sync.Mutex
	state         subState
	lastReplaySeq uint64
	liveBuffer    []ledgermodel.StoredEvent
}

type connection struct {
	id        string
	transport Transport
	server    *Server

	mu    sync.Mutex
	state connState
	subs  map[string]*subscription

	outbound  chan []byte
	lastRecv  chan struct{} // signalled on every inbound frame, for heartbeat reset
	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// Accept runs one connection's lifecycle to completion over transport,
// blocking until the connection closes (by protocol error, transport
// failure, heartbeat timeout, or context cancellation). It is safe to call
// concurrently for independent transports.
func (s *Server) Accept(ctx context.Context, transport Transport) error {
	c := &connection{
		id:        "conn-" + uuid.NewString(),
		transport: transport,
		server:    s,
		state:     connAwaitingHello,
		subs:      make(map[string]*subscription),
		outbound:  make(chan []byte, s.opts.maxBufferSize()),
		lastRecv:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	go func() {
		<-ctx.Done()
		c.close(ctx.Err())
	}()

	wg.Wait()
	s.dropAllSubscriptions(c)
	return c.closeErr
}

func (c *connection) readLoop(ctx context.Context) {
	defer c.close(nil)
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			c.close(err)
			return
		}
		select {
		case c.lastRecv <- struct{}{}:
		default:
		}

		msg := wire.DecodeClient(data)
		if msg == nil {
			c.sendError(wire.InvalidMessage, "malformed or unrecognized message")
			continue
		}
		c.handle(ctx, msg)
		if c.isClosed() {
			return
		}
	}
}

func (c *connection) handle(ctx context.Context, msg wire.ClientMessage) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch m := msg.(type) {
	case wire.Hello:
		if state != connAwaitingHello {
			c.sendError(wire.InvalidMessage, "hello already completed")
			return
		}
		if m.Version != wire.ProtocolVersion {
			c.sendError(wire.VersionMismatch, "unsupported protocol version")
			c.close(fmt.Errorf("version mismatch"))
			return
		}
		c.mu.Lock()
		c.state = connHandshakeOK
		c.mu.Unlock()
		c.enqueue(wire.ServerHello{Version: wire.ProtocolVersion})

	case wire.Subscribe:
		if state != connHandshakeOK {
			c.sendError(wire.InvalidMessage, "subscribe before handshake")
			return
		}
		c.server.subscribe(ctx, c, m.StreamID, m.AfterSeq)

	case wire.Unsubscribe:
		if state != connHandshakeOK {
			c.sendError(wire.InvalidMessage, "unsubscribe before handshake")
			return
		}
		c.server.unsubscribe(c, m.StreamID)

	case wire.Pong:
		// Heartbeat liveness already recorded via lastRecv above.

	default:
		c.sendError(wire.InvalidMessage, "unexpected message type")
	}
}

func (c *connection) writeLoop(ctx context.Context) {
	heartbeat := time.NewTicker(c.server.opts.heartbeatInterval())
	defer heartbeat.Stop()

	timeout := time.NewTimer(c.server.opts.heartbeatTimeout())
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			c.close(ctx.Err())
			return

		case <-c.done:
			return

		case <-c.lastRecv:
			if !timeout.Stop() {
				select {
				case <-timeout.C:
				default:
				}
			}
			timeout.Reset(c.server.opts.heartbeatTimeout())

		case <-timeout.C:
			c.close(fmt.Errorf("heartbeat timeout"))
			return

		case <-heartbeat.C:
			frame, err := wire.Encode(wire.Ping{})
			if err != nil {
				continue
			}
			if err := c.transport.WriteMessage([]byte(frame)); err != nil {
				c.close(err)
				return
			}

		case data, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.transport.WriteMessage(data); err != nil {
				c.close(err)
				return
			}
		}
	}
}

// enqueue attempts a non-blocking send on the outbound buffer. On overflow
// it sends a BUFFER_OVERFLOW error (best-effort) and closes the connection,
// per the bounded-buffer backpressure policy.
func (c *connection) enqueue(msg any) {
	frame, err := wire.Encode(msg)
	if err != nil {
		return
	}
	c.enqueueRaw([]byte(frame))
}

func (c *connection) enqueueRaw(data []byte) bool {
	select {
	case c.outbound <- data:
		return true
	default:
	}
	c.sendError(wire.BufferOverflow, "outbound buffer exceeded")
	c.close(fmt.Errorf("outbound buffer overflow"))
	return false
}

// sendError best-effort enqueues an error frame, dropping it silently if the
// buffer is already full (the connection is being closed anyway in that
// case).
func (c *connection) sendError(code wire.ErrorCode, message string) {
	frame, err := wire.Encode(wire.ErrorMsg{Code: code, Message: message})
	if err != nil {
		return
	}
	select {
	case c.outbound <- []byte(frame):
	default:
	}
}

func (c *connection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *connection) close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = connClosed
		c.closeErr = err
		c.mu.Unlock()
		close(c.done)
		_ = c.transport.Close()
	})
}

// subscribe runs the replay-then-live handover for one subscription in
// five steps: record the bound, replay the bounded snapshot, buffer
// concurrently-arriving live events, flush the buffer filtering out
// anything already covered by replay, then go live.
func (s *Server) subscribe(ctx context.Context, c *connection, streamID string, afterSeq uint64) {
	headAtSubscribe, err := s.events.Head(ctx, streamID)
	if err != nil {
		c.sendError(wire.ReplayFailed, err.Error())
		return
	}

	sub := &subscription{streamID: streamID, conn: c, state: subReplaying}

	c.mu.Lock()
	if existing, ok := c.subs[streamID]; ok {
		s.detachSubscription(existing)
	}
	c.subs[streamID] = sub
	c.mu.Unlock()

	s.attachSubscription(sub)

	events, err := s.events.Replay(ctx, streamID, eventstore.ReplayOptions{AfterSeq: afterSeq, UpperBoundSeq: headAtSubscribe})
	if err != nil {
		s.detachSubscription(sub)
		c.mu.Lock()
		delete(c.subs, streamID)
		c.mu.Unlock()
		c.sendError(wire.ReplayFailed, err.Error())
		return
	}

	for _, ev := range events {
		if !c.enqueueRaw(mustEncodeEvent(streamID, ev)) {
			return
		}
	}

	// Replay-end and the filtered buffer are enqueued while sub.mu is held,
	// so a concurrent Broadcast cannot enqueue a live event ahead of them.
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.lastReplaySeq = headAtSubscribe
	buffered := sub.liveBuffer
	sub.liveBuffer = nil

	if !c.enqueueRaw(mustEncode(wire.ReplayEnd{StreamID: streamID, LastReplaySeq: headAtSubscribe})) {
		return
	}

	for _, ev := range buffered {
		if ev.Seq <= headAtSubscribe {
			continue
		}
		if !c.enqueueRaw(mustEncodeEvent(streamID, ev)) {
			return
		}
	}
	sub.state = subLive
}

func (s *Server) unsubscribe(c *connection, streamID string) {
	c.mu.Lock()
	sub, ok := c.subs[streamID]
	if ok {
		delete(c.subs, streamID)
	}
	c.mu.Unlock()
	if ok {
		s.detachSubscription(sub)
	}
}

func (s *Server) attachSubscription(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subsByStream[sub.streamID]
	if !ok {
		set = make(map[*subscription]struct{})
		s.subsByStream[sub.streamID] = set
	}
	set[sub] = struct{}{}
}

func (s *Server) detachSubscription(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.subsByStream[sub.streamID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.subsByStream, sub.streamID)
		}
	}
}

func (s *Server) dropAllSubscriptions(c *connection) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		s.detachSubscription(sub)
	}
}

// Broadcast delivers newly appended events to every subscription on
// streamID, across all connections. Callers (httpapi's append handler, or a
// broadcast/pulse Relay) invoke this once per Append batch. A
// subscription still in its replaying state buffers the events instead of
// sending them immediately, so the handover in subscribe can filter
// duplicates deterministically.
func (s *Server) Broadcast(streamID string, events []ledgermodel.StoredEvent) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subsByStream[streamID]))
	for sub := range s.subsByStream[streamID] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		live := sub.state == subLive
		if !live {
			sub.liveBuffer = append(sub.liveBuffer, events...)
		}
		sub.mu.Unlock()
		if live {
			for _, ev := range events {
				if !sub.conn.enqueueRaw(mustEncodeEvent(streamID, ev)) {
					break
				}
			}
		}
	}
}

func mustEncodeEvent(streamID string, ev ledgermodel.StoredEvent) []byte {
	return mustEncode(wire.EventMsg{StreamID: streamID, Event: ev})
}

func mustEncode(msg any) []byte {
	frame, err := wire.Encode(msg)
	if err != nil {
		// wire.Encode only fails for unregistered message types, which
		// never happens for the concrete types this package constructs.
		return nil
	}
	return []byte(frame)
}
