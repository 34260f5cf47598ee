// persistence.go — Optional best-effort ring snapshotting (spec §4.5): the
// in-memory rings stay authoritative; a background task periodically writes
// a snapshot envelope, and failures here never affect Insert/History.
package statecenter

import (
	"bytes"
	"encoding/gob"
	"io"
	"time"

	"github.com/go-logr/logr"
)

func init() {
	// Event.Payload is carried as `any`; gob requires every concrete type
	// that crosses an interface boundary to be registered once up front.
	// Callers that snapshot event logs whose payloads use richer types
	// should call gob.Register for those types before the first Snapshot.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// snapshotEnvelope is the opaque, replay-only persisted form of one global
// ring. Consumers are not expected to interpret this structure directly —
// only to round-trip it through Snapshot/Restore.
type snapshotEnvelope struct {
	TakenAt time.Time
	Events  []Event
}

// Snapshot serializes the current global ring to w. Best-effort: any error
// is returned to the caller, who decides whether a failed snapshot is fatal
// (it normally is not — the rings remain authoritative in memory).
func (l *EventLog) Snapshot(w io.Writer) error {
	l.mu.Lock()
	global := l.global
	l.mu.Unlock()
	env := snapshotEnvelope{TakenAt: time.Now(), Events: global.ReadAll()}
	return gob.NewEncoder(w).Encode(env)
}

// Restore replaces the global ring's contents with a previously written
// snapshot. Intended for cold-start warm-up, not for normal operation.
func (l *EventLog) Restore(r io.Reader) error {
	var env snapshotEnvelope
	if err := gob.NewDecoder(r).Decode(&env); err != nil {
		return err
	}
	rb := newRingBuffer[Event](l.sizes.Global)
	for _, e := range env.Events {
		rb.Write(e)
	}
	l.mu.Lock()
	l.global = rb
	l.mu.Unlock()
	return nil
}

// SnapshotTask periodically writes a snapshot via sink, logging (not
// failing) on error. It runs until stop is closed.
func (l *EventLog) SnapshotTask(interval time.Duration, sink func() io.WriteCloser, log logr.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w := sink()
			if w == nil {
				continue
			}
			var buf bytes.Buffer
			if err := l.Snapshot(&buf); err != nil {
				log.Error(err, "state center snapshot encode failed")
				w.Close()
				continue
			}
			if _, err := w.Write(buf.Bytes()); err != nil {
				log.Error(err, "state center snapshot write failed")
			}
			w.Close()
		case <-stop:
			return
		}
	}
}
