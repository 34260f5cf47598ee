// conn.go — Duplex channel abstraction over the browser's CDP websocket
// endpoint. Grounded in the teacher's bridge/conn.go error-classification
// idiom (errors.As over net errors before falling back to string matching),
// generalized from an HTTP health probe to a persistent websocket.
package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// wireConn is the minimal surface the transport needs from a live channel,
// so tests can substitute a fake without dialing a real browser.
type wireConn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a new wireConn to a CDP endpoint. The default implementation
// dials a real websocket; tests supply a fake.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (wireConn, error)
}

// WebsocketDialer dials the browser's `--remote-debugging-port` websocket
// endpoint directly (grounded in cklxx-elephant.ai's gorilla/websocket
// dependency — CDP is itself a JSON-over-websocket protocol, per spec §6).
type WebsocketDialer struct {
	Dialer websocket.Dialer
}

// NewWebsocketDialer returns a Dialer using gorilla's default handshake
// timeout behavior.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{Dialer: *websocket.DefaultDialer}
}

func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (wireConn, error) {
	conn, _, err := d.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaConn{conn: conn}, nil
}

type gorillaConn struct {
	conn *websocket.Conn
}

func (c *gorillaConn) WriteJSON(v any) error { return c.conn.WriteJSON(v) }

func (c *gorillaConn) ReadJSON(v any) error { return c.conn.ReadJSON(v) }

func (c *gorillaConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

func (c *gorillaConn) Close() error { return c.conn.Close() }

// isConnectionError returns true if err indicates the channel is dead
// outright rather than having rejected a single command.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if websocket.IsUnexpectedCloseError(err) || websocket.IsCloseError(err, 1000, 1001, 1006) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe")
}
