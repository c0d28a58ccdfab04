package wsconn_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/runledger/runledger/streamserver/wsconn"
)

func dialTestWebSocket(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(serverURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	return conn
}

// TestReadMessageRenewsDeadlineAcrossSlowFrames exercises exactly the
// regression a fixed-once read deadline produces: a connection whose
// frames keep arriving (just slower than the configured ping interval,
// faster than the pongWaitMultiplier*pingInterval deadline) must survive
// past that first deadline, because ReadMessage renews it on every
// successfully read frame instead of only inside the native-control-frame
// pong handler.
func TestReadMessageRenewsDeadlineAcrossSlowFrames(t *testing.T) {
	const pingInterval = 40 * time.Millisecond // deadline window = 80ms

	errc := make(chan error, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsconn.Upgrade(w, r, pingInterval)
		if err != nil {
			errc <- err
			return
		}
		defer conn.Close()
		for i := 0; i < 4; i++ {
			if _, err := conn.ReadMessage(); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}))
	defer server.Close()

	client := dialTestWebSocket(t, server.URL)
	defer client.Close()

	// Each gap is longer than pingInterval but shorter than the
	// pongWaitMultiplier*pingInterval deadline window, so the connection
	// only survives if the deadline renews on every frame.
	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		if err := client.WriteMessage(websocket.TextMessage, []byte("frame")); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("server-side read loop failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to finish reading frames")
	}
}

// TestReadMessageExpiresWithoutFrames confirms the deadline is real: a
// connection that sends nothing within the deadline window is closed by
// ReadMessage with a timeout error.
func TestReadMessageExpiresWithoutFrames(t *testing.T) {
	const pingInterval = 20 * time.Millisecond // deadline window = 40ms

	errc := make(chan error, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsconn.Upgrade(w, r, pingInterval)
		if err != nil {
			errc <- err
			return
		}
		defer conn.Close()
		_, err = conn.ReadMessage()
		errc <- err
	}))
	defer server.Close()

	client := dialTestWebSocket(t, server.URL)
	defer client.Close()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected a read deadline timeout error, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server read deadline to expire")
	}
}
