// Package wsdial supplies the concrete gorilla/websocket dial-side
// streamclient.Transport binding.
package wsdial

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/runledger/runledger/streamclient"
)

const writeWait = 10 * time.Second

// Dialer dials a fixed URL on every reconnect attempt.
type Dialer struct {
	URL    string
	Header http.Header
	Dialer websocket.Dialer
}

// NewDialer constructs a Dialer with sane websocket.Dialer defaults
// (10s handshake timeout).
func NewDialer(url string) *Dialer {
	return &Dialer{
		URL: url,
		Dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial implements streamclient.Dialer.
func (d *Dialer) Dial(ctx context.Context) (streamclient.Transport, error) {
	ws, _, err := d.Dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, err
	}
	return &conn{ws: ws}, nil
}

type conn struct {
	ws *websocket.Conn
}

func (c *conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *conn) WriteMessage(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) Close() error { return c.ws.Close() }

var _ streamclient.Transport = (*conn)(nil)
