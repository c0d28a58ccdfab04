// Package wsconn supplies the concrete gorilla/websocket streamserver.Transport
// binding: the HTTP upgrade handler and the per-frame read/write mechanics,
// grounded on the go-broker Broker's serveWS handler.
package wsconn

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/runledger/runledger/streamserver"
)

const (
	writeWait          = 10 * time.Second
	pongWaitMultiplier = 2
	maxMessageBytes    = 1 << 20 // 1MiB

	// DefaultRateLimit and DefaultBurst throttle outbound frames ahead of
	// the server's hard per-connection buffer cap, so a bursty producer
	// degrades into steady delivery instead of an immediate
	// BUFFER_OVERFLOW close. Override via Conn.SetLimiter for a
	// connection that legitimately needs more headroom.
	DefaultRateLimit rate.Limit = 500
	DefaultBurst                = 1000
)

// Upgrader wraps websocket.Upgrader with permissive defaults suitable for a
// server sitting behind an embedding application's own origin checks.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn adapts a *websocket.Conn to streamserver.Transport.
type Conn struct {
	ws       *websocket.Conn
	limiter  *rate.Limiter
	readWait time.Duration
}

// SetLimiter replaces the connection's outbound rate limiter.
func (c *Conn) SetLimiter(l *rate.Limiter) { c.limiter = l }

// Upgrade upgrades an HTTP request to a websocket connection and wraps it as
// a streamserver.Transport. pingInterval must match the Server's configured
// heartbeat interval; the read deadline is set to pongWaitMultiplier times
// it and is renewed on every successfully read frame by ReadMessage, the
// same per-frame renewal go-broker's main.go applies in its read loop.
// SetPongHandler also renews the deadline, as a fallback in case a native
// WebSocket control-frame pong ever arrives, but this application's
// heartbeat runs entirely at the JSON/text-frame layer (wire.Ping/
// wire.Pong), so ReadMessage's renewal is what actually keeps a healthy
// connection's deadline from expiring.
func Upgrade(w http.ResponseWriter, r *http.Request, pingInterval time.Duration) (*Conn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	readWait := time.Duration(pongWaitMultiplier) * pingInterval
	c := &Conn{ws: ws, limiter: rate.NewLimiter(DefaultRateLimit, DefaultBurst), readWait: readWait}
	ws.SetReadLimit(maxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})
	return c, nil
}

// ReadMessage implements streamserver.Transport. It renews the read
// deadline after every successfully read frame, mirroring go-broker's
// "extend read deadline after every frame" step in its reader goroutine.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if err := c.ws.SetReadDeadline(time.Now().Add(c.readWait)); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteMessage implements streamserver.Transport. It waits for rate-limiter
// headroom (bounded by writeWait) before writing, smoothing bursts ahead of
// the server's hard per-connection buffer cap.
func (c *Conn) WriteMessage(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close implements streamserver.Transport.
func (c *Conn) Close() error {
	return c.ws.Close()
}

var _ streamserver.Transport = (*Conn)(nil)
