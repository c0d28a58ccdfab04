package streamserver

// Transport is the minimal bidirectional message transport the connection
// state machine needs. It is satisfied by streamserver/wsconn's
// gorilla/websocket binding, or by any test double / alternate transport an
// embedding application supplies; upgrade handling and authentication
// remain the embedder's responsibility.
type Transport interface {
	// ReadMessage blocks until a text frame arrives, returning its bytes.
	// Returns an error (any error) when the underlying connection closes.
	ReadMessage() ([]byte, error)
	// WriteMessage sends a single text frame. A returned error is treated
	// as fatal to the connection.
	WriteMessage([]byte) error
	// Close closes the underlying connection. Idempotent.
	Close() error
}
