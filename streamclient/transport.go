package streamclient

import "context"

// Transport is the minimal bidirectional message transport the client state
// machine needs. Defined independently from streamserver.Transport (same
// shape, different package) so the client never depends on the server
// package merely for an interface.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

// Dialer establishes a new Transport for one connection attempt. Dial is
// called once per connect/reconnect cycle.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a plain function to a Dialer.
type DialerFunc func(ctx context.Context) (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }
