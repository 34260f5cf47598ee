// reconnect.go — Heartbeat-driven failure detection and exponential-backoff
// reconnect (spec §4.1). The heartbeat probe runs through a
// sony/gobreaker.CircuitBreaker configured to trip after three consecutive
// failures, generalizing the teacher's hand-rolled streak counter
// (capture/circuit_breaker.go) into the pack's breaker library.
package transport

import (
	"context"
	"math/rand"
	"time"
)

// heartbeatLoop issues Browser.getVersion at a fixed interval through the
// circuit breaker; three consecutive failures trip the breaker, which
// triggers onChannelDead via OnStateChange.
func (t *Transport) heartbeatLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if t.State() != StateReady {
				continue
			}
			_, _ = t.breaker.Execute(func() (any, error) {
				ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HeartbeatTimeout)
				defer cancel()
				_, err := t.SendCommand(ctx, "", "Browser.getVersion", struct{}{}, time.Now().Add(t.cfg.HeartbeatTimeout))
				return nil, err
			})
		}
	}
}

// onChannelDead transitions Ready → Reconnecting exactly once per death:
// closes outstanding response channels with Disconnected, emits a
// TransportReset event, and starts the backoff reconnect loop.
func (t *Transport) onChannelDead(reason string) {
	t.reconnecting.Lock()
	defer t.reconnecting.Unlock()

	if t.State() == StateReconnecting || t.State() == StateClosed {
		return
	}
	t.setState(StateReconnecting)
	t.closeEpoch()
	if t.met != nil {
		t.met.TransportReconnects.Inc()
	}
	if t.bus != nil {
		t.bus.Publish("transport.reset", TransportReset{Reason: reason})
	}
	t.log.Info("transport channel died, reconnecting", "reason", reason, "pending_calls", t.pendingCount())

	t.wg.Add(1)
	go t.reconnectLoop()
}

// reconnectLoop redials with exponential backoff (initial 500ms, cap 10s,
// ±20% jitter) until it succeeds or the transport is shut down.
func (t *Transport) reconnectLoop() {
	defer t.wg.Done()
	backoff := t.cfg.BackoffInitial

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := t.dial(ctx)
		cancel()
		if err == nil {
			t.setState(StateReady)
			t.log.Info("transport reconnected")
			return
		}

		t.log.Error(err, "reconnect attempt failed", "next_backoff", backoff)
		select {
		case <-time.After(jitter(backoff, t.cfg.BackoffJitterPct)):
		case <-t.stopCh:
			return
		}

		backoff *= 2
		if backoff > t.cfg.BackoffCap {
			backoff = t.cfg.BackoffCap
		}
	}
}

// jitter applies ±pct random jitter to d.
func jitter(d time.Duration, pct float64) time.Duration {
	if pct <= 0 {
		return d
	}
	delta := float64(d) * pct
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

// pendingCount reports in-flight SendCommand calls, for logging/metrics;
// callers themselves are woken by closeEpoch, not by iterating this map.
func (t *Transport) pendingCount() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}
