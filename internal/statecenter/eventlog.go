// eventlog.go — Append-only, redaction-aware event log with per-scope ring
// buffers (spec §4.5): a global ring plus one ring per session, page, and
// task/action, each policy-sized, each fed from a single redacted Event.
package statecenter

import (
	"sort"
	"sync"
	"time"

	"github.com/brennhill/unified-browser-kernel/internal/ids"
)

// Scope narrows an event to the session/page/task it pertains to. Any
// field may be empty; an Event is inserted into every ring whose scope key
// it satisfies (always the global ring, plus session/page/task rings when
// those ids are set).
type Scope struct {
	SessionID ids.SessionId
	PageID    ids.PageId
	TaskID    ids.TaskId
}

// Event is one entry in the log: a dispatch start/end, a perception trace,
// a network summary, a registry action, a self-heal decision, or a policy
// transition — anything export_replay must be able to reconstruct.
//
// Seq is dense and monotonic within the ring holding the event; the same
// logical insertion carries a different Seq in each ring it lands in, so a
// per-scope replay export always sees a contiguous run.
type Event struct {
	Seq       int64
	Topic     string
	Scope     Scope
	Timestamp time.Time
	Payload   any
	Truncated bool // set on the copy that caused a ring to evict its oldest entry
}

// Filter selects events for History.
type Filter struct {
	Scope Scope // zero fields are wildcards
	Topic string
	Since time.Time
	Until time.Time
}

func (f Filter) matches(e Event) bool {
	if f.Scope.SessionID != "" && f.Scope.SessionID != e.Scope.SessionID {
		return false
	}
	if f.Scope.PageID != "" && f.Scope.PageID != e.Scope.PageID {
		return false
	}
	if f.Scope.TaskID != "" && f.Scope.TaskID != e.Scope.TaskID {
		return false
	}
	if f.Topic != "" && f.Topic != e.Topic {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// RingSizes configures ring capacity per scope kind; the Kernel Facade
// supplies these from its Config (DefaultRingSizes when left zero).
type RingSizes struct {
	Global  int
	Session int
	Page    int
	Task    int
}

// DefaultRingSizes matches spec §4.5's "bounded memory use" intent with a
// generous but finite default.
var DefaultRingSizes = RingSizes{Global: 10000, Session: 2000, Page: 1000, Task: 500}

// EventLog is the State Center's core: a redactor in front of a set of
// ring buffers keyed by scope.
type EventLog struct {
	redactor *Redactor
	sizes    RingSizes

	mu      sync.Mutex // guards the global ring handle and creation of per-scope rings
	global  *ringBuffer[Event]
	session map[ids.SessionId]*ringBuffer[Event]
	page    map[ids.PageId]*ringBuffer[Event]
	task    map[ids.TaskId]*ringBuffer[Event]
}

// New creates an EventLog with the given redactor and ring sizes.
func New(redactor *Redactor, sizes RingSizes) *EventLog {
	return &EventLog{
		redactor: redactor,
		sizes:    sizes,
		global:   newRingBuffer[Event](sizes.Global),
		session:  make(map[ids.SessionId]*ringBuffer[Event]),
		page:     make(map[ids.PageId]*ringBuffer[Event]),
		task:     make(map[ids.TaskId]*ringBuffer[Event]),
	}
}

// Insert redacts payload and appends a new Event to every applicable ring.
// The returned copy carries the global ring's sequence number; its
// Truncated flag is the union of every ring's eviction decision.
func (l *EventLog) Insert(topic string, scope Scope, payload any) Event {
	redacted := payload
	if l.redactor != nil {
		redacted = l.redactor.Redact(payload)
	}

	base := Event{Topic: topic, Scope: scope, Timestamp: time.Now(), Payload: redacted}

	// Each ring decides its own sequence number and eviction independently
	// (a page ring can overflow while the global ring still has headroom),
	// so both must be baked in atomically with that ring's own write —
	// never set on a copy after the fact, which Write has already stored
	// by value under a different (pre-decision) copy.
	build := func(seq int64, evicted bool) Event {
		e := base
		e.Seq = seq
		e.Truncated = evicted
		return e
	}

	l.mu.Lock()
	global := l.global
	l.mu.Unlock()

	var out Event
	truncatedAny := global.WriteEvent(func(seq int64, evicted bool) Event {
		out = build(seq, evicted)
		return out
	})
	if scope.SessionID != "" {
		if l.ringFor(scope.SessionID, l.session, l.sizes.Session).WriteEvent(build) {
			truncatedAny = true
		}
	}
	if scope.PageID != "" {
		if l.ringForPage(scope.PageID).WriteEvent(build) {
			truncatedAny = true
		}
	}
	if scope.TaskID != "" {
		if l.ringForTask(scope.TaskID).WriteEvent(build) {
			truncatedAny = true
		}
	}

	out.Truncated = truncatedAny
	return out
}

// ringForScope selects the narrowest existing ring matching scope (task
// over page over session over global), or nil when no ring has been created
// for the named scope key yet.
func (l *EventLog) ringForScope(scope Scope) *ringBuffer[Event] {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case scope.TaskID != "":
		return l.task[scope.TaskID]
	case scope.PageID != "":
		return l.page[scope.PageID]
	case scope.SessionID != "":
		return l.session[scope.SessionID]
	default:
		return l.global
	}
}

func (l *EventLog) ringFor(id ids.SessionId, m map[ids.SessionId]*ringBuffer[Event], size int) *ringBuffer[Event] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rb, ok := m[id]; ok {
		return rb
	}
	rb := newRingBuffer[Event](size)
	m[id] = rb
	return rb
}

func (l *EventLog) ringForPage(id ids.PageId) *ringBuffer[Event] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rb, ok := l.page[id]; ok {
		return rb
	}
	rb := newRingBuffer[Event](l.sizes.Page)
	l.page[id] = rb
	return rb
}

func (l *EventLog) ringForTask(id ids.TaskId) *ringBuffer[Event] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rb, ok := l.task[id]; ok {
		return rb
	}
	rb := newRingBuffer[Event](l.sizes.Task)
	l.task[id] = rb
	return rb
}

// History returns events matching filter, most narrowly-scoped ring first,
// newest last, capped at limit (0 means unlimited).
func (l *EventLog) History(filter Filter, limit int) []Event {
	source := l.ringForScope(filter.Scope)
	if source == nil {
		return nil
	}

	all := source.ReadAll()
	out := make([]Event, 0, len(all))
	for _, e := range all {
		if filter.matches(e) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// ExportReplay returns a dense, sequence-ordered slice of events for scope
// between from_seq and to_seq inclusive, suitable for offline reconstruction.
func (l *EventLog) ExportReplay(scope Scope, fromSeq, toSeq int64) []Event {
	filter := Filter{Scope: scope}
	events := l.History(filter, 0)
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if e.Seq < fromSeq || (toSeq > 0 && e.Seq > toSeq) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
