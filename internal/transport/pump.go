// pump.go — Supervised read loop: decodes framed messages, routes
// responses back to their waiting SendCommand by id, and forwards
// notifications onto the bounded Events() stream. Grounded in the
// teacher's IsConnectionError classification (bridge/conn.go) generalized
// from an HTTP health check to a persistent duplex channel.
package transport

import (
	"time"
)

// supervisePump restarts runPumpOnce after any read error, following the
// same backoff-and-reconnect policy as the heartbeat (spec §4.1 "Event
// loop supervision").
func (t *Transport) supervisePump() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}
		if t.State() != StateReady {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-t.stopCh:
				return
			}
			continue
		}
		t.runPumpOnce()
	}
}

// runPumpOnce reads frames from the current connection until a read error,
// dispatching each to its pending call or to the event stream.
func (t *Transport) runPumpOnce() {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		t.onChannelDead("no_connection")
		return
	}

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.log.Error(err, "read pump error")
			t.onChannelDead("read_error")
			return
		}
		t.dispatch(f)
	}
}

func (t *Transport) dispatch(f frame) {
	if f.ID != 0 {
		t.pendingMu.Lock()
		call, ok := t.pending[f.ID]
		t.pendingMu.Unlock()
		if ok {
			select {
			case call.respCh <- f:
			default:
			}
		}
		return
	}
	if f.Method == "" {
		return
	}
	t.publishEvent(TransportEvent{SessionKey: f.SessionID, Method: f.Method, Params: f.Params})
}
