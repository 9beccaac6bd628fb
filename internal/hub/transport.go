package hub

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// CloseCode is a WebSocket close status code.
type CloseCode uint16

const (
	// CloseNormal ends a connection cleanly (idle timeout).
	CloseNormal CloseCode = 1000
	// CloseGoingAway signals the server is shutting down.
	CloseGoingAway CloseCode = 1001
	// CloseTryAgainLater rejects a connection over capacity.
	CloseTryAgainLater CloseCode = 1013
)

// Transport is the send/close capability of one client connection. The hub
// never touches the socket directly, so tests can substitute in-memory
// fakes and the WebSocket library stays confined to this file.
type Transport interface {
	// Send writes one text message. An error means the connection is
	// broken; the caller converts it into an unregister.
	Send(data []byte) error
	// Close writes a best-effort close frame and tears down the socket.
	Close(code CloseCode, reason string) error
}

// wsTransport wraps a hijacked net.Conn with gobwas/ws frame writing.
// Heartbeats, idle warnings, broadcasts and dispatch replies all write
// concurrently, so every write holds the mutex.
type wsTransport struct {
	conn         net.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewWSTransport wraps an upgraded WebSocket connection.
func NewWSTransport(conn net.Conn, writeTimeout time.Duration) Transport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return net.ErrClosed
	}
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return wsutil.WriteServerMessage(t.conn, ws.OpText, data)
}

func (t *wsTransport) Close(code CloseCode, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	frameErr := ws.WriteFrame(t.conn, ws.NewCloseFrame(body))
	closeErr := t.conn.Close()
	if frameErr != nil {
		return frameErr
	}
	return closeErr
}
