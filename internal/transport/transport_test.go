package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/unified-browser-kernel/internal/eventbus"
	"github.com/brennhill/unified-browser-kernel/internal/kernelerr"
	"github.com/brennhill/unified-browser-kernel/internal/metrics"
)

// fakeConn is an in-memory wireConn driven entirely by the test: writes are
// captured, reads are served from a channel the test feeds.
type fakeConn struct {
	mu      sync.Mutex
	writes  []frame
	reads   chan frame
	readErr chan error
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan frame, 16), readErr: make(chan error, 4)}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	raw, _ := json.Marshal(v)
	var f frame
	_ = json.Unmarshal(raw, &f)
	c.writes = append(c.writes, f)
	return nil
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case f := <-c.reads:
		raw, _ := json.Marshal(f)
		return json.Unmarshal(raw, v)
	case err := <-c.readErr:
		return err
	}
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	select {
	case c.readErr <- errClosed:
	default:
	}
	return nil
}

var errClosed = &netClosedErr{}

type netClosedErr struct{}

func (e *netClosedErr) Error() string { return "use of closed network connection" }

// fakeDialer hands out fakeConns from a queue, one per Dial call.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (wireConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return newFakeConn(), nil
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func newTestTransport(t *testing.T, dialer *fakeDialer) *Transport {
	t.Helper()
	bus := eventbus.New(64)
	met := metrics.New(prometheus.NewRegistry())
	tr := New(Config{
		Endpoint:          "ws://fake",
		Dialer:            dialer,
		HeartbeatInterval: time.Hour, // disabled for these tests
		BackoffInitial:    5 * time.Millisecond,
		BackoffCap:        20 * time.Millisecond,
	}, bus, met, logr.Discard())
	require.NoError(t, tr.Launch(context.Background()))
	t.Cleanup(tr.Shutdown)
	return tr
}

func TestSendCommandRoundTrip(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	tr := newTestTransport(t, dialer)

	go func() {
		for {
			conn.mu.Lock()
			n := len(conn.writes)
			conn.mu.Unlock()
			if n > 0 {
				conn.mu.Lock()
				req := conn.writes[0]
				conn.mu.Unlock()
				conn.reads <- frame{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	result, err := tr.SendCommand(context.Background(), "sess1", "Page.navigate", map[string]string{"url": "https://example.com"}, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
}

func TestSendCommandRemoteError(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	tr := newTestTransport(t, dialer)

	go func() {
		req := <-waitForWrite(conn)
		conn.reads <- frame{ID: req.ID, Error: &frameError{Code: -32000, Message: "boom"}}
	}()

	_, err := tr.SendCommand(context.Background(), "", "Page.navigate", nil, time.Now().Add(time.Second))
	require.Error(t, err)
	require.Equal(t, kernelerr.KindRemoteError, kernelerr.KindOf(err))
}

func TestSendCommandTimeout(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	tr := newTestTransport(t, dialer)

	_, err := tr.SendCommand(context.Background(), "", "Page.navigate", nil, time.Now().Add(10*time.Millisecond))
	require.Error(t, err)
	require.Equal(t, kernelerr.KindTimeout, kernelerr.KindOf(err))
}

func TestTransportResetOnReadError(t *testing.T) {
	conn := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn, conn2}}
	tr := newTestTransport(t, dialer)

	sub := eventBusSubscribe(tr)
	defer sub.Unsubscribe()

	conn.readErr <- errClosed

	select {
	case evt := <-sub.Events():
		_, ok := evt.Payload.(interface{})
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transport.reset")
	}

	require.Eventually(t, func() bool {
		return tr.State() == StateReady
	}, time.Second, 5*time.Millisecond)
}

func waitForWrite(conn *fakeConn) <-chan frame {
	ch := make(chan frame, 1)
	go func() {
		for {
			conn.mu.Lock()
			if len(conn.writes) > 0 {
				f := conn.writes[0]
				conn.mu.Unlock()
				ch <- f
				return
			}
			conn.mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}()
	return ch
}

func eventBusSubscribe(tr *Transport) *eventbus.Subscription {
	return tr.bus.Subscribe("transport.*")
}
