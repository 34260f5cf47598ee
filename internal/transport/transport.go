// transport.go — CDP Transport (spec §4.1): owns the single duplex channel
// to the browser, multiplexes command/response RPC by id, and fans decoded
// notifications out on a bounded Events() stream. Reconnect and heartbeat
// live in reconnect.go; the read pump lives in pump.go.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/brennhill/unified-browser-kernel/internal/eventbus"
	"github.com/brennhill/unified-browser-kernel/internal/kernelerr"
	"github.com/brennhill/unified-browser-kernel/internal/metrics"
	"github.com/brennhill/unified-browser-kernel/internal/obstrace"
)

// Config parameterizes one Transport instance.
type Config struct {
	// Endpoint is the browser's CDP websocket URL
	// (BROWSER_WEBSOCKET_URL per spec §6).
	Endpoint string
	Dialer   Dialer

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	BackoffInitial   time.Duration
	BackoffCap       time.Duration
	BackoffJitterPct float64

	EventBufferSize int
}

// withDefaults fills zero-valued fields with the spec's stated defaults.
func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Second
	}
	if c.BackoffJitterPct <= 0 {
		c.BackoffJitterPct = 0.20
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 1024
	}
	return c
}

// Transport is the kernel's single connection to a Chrome DevTools Protocol
// endpoint. All exported methods are safe for concurrent use.
type Transport struct {
	cfg Config
	bus *eventbus.Bus
	log logr.Logger
	met *metrics.Surface

	state atomic.Value // State

	connMu sync.Mutex
	conn   wireConn

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall
	nextID    atomic.Int64

	eventsMu sync.Mutex
	events   chan any // TransportEvent or Lagged

	breaker *gobreaker.CircuitBreaker

	epochMu      sync.RWMutex
	epoch        chan struct{}
	reconnecting sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Transport in state Init. Call Launch to dial and start
// the supervised read pump and heartbeat.
func New(cfg Config, bus *eventbus.Bus, met *metrics.Surface, log logr.Logger) *Transport {
	cfg = cfg.withDefaults()
	if cfg.Dialer == nil {
		cfg.Dialer = NewWebsocketDialer()
	}
	t := &Transport{
		cfg:     cfg,
		bus:     bus,
		met:     met,
		log:     log.WithName("transport"),
		pending: make(map[int64]*pendingCall),
		events:  make(chan any, cfg.EventBufferSize),
		epoch:   make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
	t.setState(StateInit)
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cdp-heartbeat",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.BackoffInitial,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.log.Info("heartbeat breaker state change", "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				t.onChannelDead("heartbeat_breaker_open")
			}
		},
	})
	return t
}

// State returns the transport's current state.
func (t *Transport) State() State { return t.state.Load().(State) }

func (t *Transport) setState(s State) {
	t.state.Store(s)
	if t.met != nil {
		t.met.SetTransportState(string(s), KnownStates)
	}
}

// Launch dials the configured endpoint and starts the read pump and
// heartbeat supervisor. Valid only from State Init; in any other state it
// returns an Internal error.
func (t *Transport) Launch(ctx context.Context) error {
	if t.State() != StateInit {
		return kernelerr.New(kernelerr.KindInternal, "transport: Launch called outside Init state")
	}
	t.setState(StateLaunching)
	if err := t.dial(ctx); err != nil {
		t.setState(StateFailed)
		return kernelerr.Wrap(kernelerr.KindTransportDisconnected, err, "transport: initial dial failed")
	}
	t.setState(StateReady)
	t.wg.Add(2)
	go t.supervisePump()
	go t.heartbeatLoop()
	return nil
}

func (t *Transport) dial(ctx context.Context) error {
	conn, err := t.cfg.Dialer.Dial(ctx, t.cfg.Endpoint)
	if err != nil {
		return err
	}
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	return nil
}

// SendCommand serializes method/params with a fresh monotonic id and blocks
// until a matching response arrives, deadline elapses, or the channel dies.
func (t *Transport) SendCommand(ctx context.Context, sessionKey, method string, params any, deadline time.Time) (json.RawMessage, error) {
	_, span := obstrace.Start(ctx, "transport.send_command")
	span.SetAttributes(
		attribute.String("cdp.method", method),
		attribute.String("cdp.session_key", sessionKey),
	)
	defer span.End()

	result, err := t.sendCommandTraced(ctx, sessionKey, method, params, deadline)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (t *Transport) sendCommandTraced(ctx context.Context, sessionKey, method string, params any, deadline time.Time) (json.RawMessage, error) {
	if t.State() != StateReady {
		return nil, kernelerr.New(kernelerr.KindTransportDisconnected, "transport: not ready")
	}

	id := t.nextID.Add(1)
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindInternal, err, "transport: marshal params")
	}

	call := &pendingCall{respCh: make(chan frame, 1)}
	t.pendingMu.Lock()
	t.pending[id] = call
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	f := frame{ID: id, SessionID: sessionKey, Method: method, Params: rawParams}
	t.connMu.Lock()
	conn := t.conn
	writeErr := error(nil)
	if conn == nil {
		writeErr = kernelerr.New(kernelerr.KindTransportDisconnected, "transport: no connection")
	} else {
		writeErr = conn.WriteJSON(f)
	}
	t.connMu.Unlock()
	if writeErr != nil {
		if isConnectionError(writeErr) {
			t.onChannelDead("write_error")
		}
		return nil, kernelerr.Wrap(kernelerr.KindTransportDisconnected, writeErr, "transport: send command")
	}

	var effectiveDeadline <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		effectiveDeadline = timer.C
	}

	epochCh := t.currentEpoch()

	select {
	case resp := <-call.respCh:
		if resp.Error != nil {
			return nil, kernelerr.RemoteError(resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-effectiveDeadline:
		return nil, kernelerr.New(kernelerr.KindTimeout, fmt.Sprintf("transport: %s timed out", method))
	case <-ctx.Done():
		return nil, kernelerr.Wrap(kernelerr.KindCancelled, ctx.Err(), "transport: command cancelled")
	case <-epochCh:
		return nil, kernelerr.New(kernelerr.KindTransportDisconnected, "transport: channel reset mid-call")
	case <-t.stopCh:
		return nil, kernelerr.New(kernelerr.KindTransportDisconnected, "transport: shutting down")
	}
}

func (t *Transport) currentEpoch() <-chan struct{} {
	t.epochMu.RLock()
	defer t.epochMu.RUnlock()
	return t.epoch
}

// closeEpoch wakes every in-flight SendCommand waiting on the current epoch
// with Disconnected, then installs a fresh epoch for calls issued after the
// next successful reconnect.
func (t *Transport) closeEpoch() {
	t.epochMu.Lock()
	defer t.epochMu.Unlock()
	close(t.epoch)
	t.epoch = make(chan struct{})
}

// Events returns the bounded stream of decoded notifications. Slow readers
// observe a Lagged marker in place of events they could not keep up with;
// per-subscriber — here, the single stream's — ordering is preserved around
// the marker.
func (t *Transport) Events() <-chan any { return t.events }

func (t *Transport) publishEvent(evt TransportEvent) {
	select {
	case t.events <- evt:
	default:
		t.eventsMu.Lock()
		// Buffer full: evict the oldest entries until a Lagged marker and evt
		// both fit, carrying the count of any evicted marker forward.
		lagged := 0
		for len(t.events) > 0 && len(t.events) >= cap(t.events)-1 {
			select {
			case old := <-t.events:
				if l, ok := old.(Lagged); ok {
					lagged += l.Count - 1
				}
				lagged++
			default:
			}
		}
		if lagged > 0 {
			t.pushLagged(lagged)
		}
		select {
		case t.events <- evt:
		default:
		}
		t.eventsMu.Unlock()
	}
}

func (t *Transport) pushLagged(n int) {
	select {
	case t.events <- Lagged{Count: n}:
	default:
	}
}

// Shutdown tears down the channel and stops the supervisor goroutines.
// Idempotent.
func (t *Transport) Shutdown() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.connMu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.connMu.Unlock()
		t.setState(StateClosed)
	})
	t.wg.Wait()
}
