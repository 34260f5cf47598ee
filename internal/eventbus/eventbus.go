// eventbus.go — In-process publish/subscribe for raw lifecycle events.
// Producers (transport, registry, scheduler) never block beyond an O(1)
// enqueue; slow subscribers lose their oldest buffered events and observe a
// Dropped(n) marker in their place rather than stalling the producer.
package eventbus

import (
	"strings"
	"sync"
)

// Event is a single published notification. Topic is dot-separated
// ("transport.reset", "registry.page.attached") so filters can match prefixes.
type Event struct {
	Topic   string
	Payload any
}

// Dropped is injected into a subscriber's stream in place of events it could
// not keep up with. No cross-subscriber ordering is promised, but per-subscriber
// ordering (including where a Dropped marker falls) is strict.
type Dropped struct {
	Count int
}

const defaultBufferSize = 256

// Bus is a bounded multi-producer/multi-consumer event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscription
	nextID      uint64
	bufferSize  int
}

type subscription struct {
	filter string
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// New creates an event bus whose subscriber channels buffer bufferSize events
// before dropping the oldest. A non-positive bufferSize falls back to a
// sensible default.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		subscribers: make(map[uint64]*subscription),
		bufferSize:  bufferSize,
	}
}

// Publish fans an event out to every matching subscriber. It never blocks on
// a slow consumer: a full subscriber buffer causes the oldest buffered event
// to be evicted in favor of a Dropped marker, not the new event.
func (b *Bus) Publish(topic string, payload any) {
	evt := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if !topicMatches(sub.filter, topic) {
			continue
		}
		sub.deliver(evt)
	}
}

func (s *subscription) deliver(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.ch) < cap(s.ch)-1 {
		select {
		case s.ch <- evt:
			return
		default:
		}
	}
	// Buffer full (the last slot is reserved for the marker): evict the
	// oldest entries until a Dropped marker and the new event both fit,
	// carrying the count of any evicted marker forward.
	dropped := 0
	for len(s.ch) >= cap(s.ch)-1 {
		select {
		case old := <-s.ch:
			if d, ok := old.Payload.(Dropped); ok {
				dropped += d.Count - 1
			}
			dropped++
		default:
		}
	}
	if dropped > 0 {
		s.pushDroppedMarker(dropped)
	}
	select {
	case s.ch <- evt:
	default:
	}
}

// pushDroppedMarker best-effort enqueues a Dropped marker. Caller holds s.mu.
func (s *subscription) pushDroppedMarker(n int) {
	select {
	case s.ch <- (Event{Topic: "bus.dropped", Payload: Dropped{Count: n}}):
	default:
	}
}

// Subscription is a handle to a bounded event stream. Events() yields the
// live channel; Unsubscribe() must be called to release the bus's reference.
type Subscription struct {
	bus *Bus
	id  uint64
	sub *subscription
}

// Events returns the channel of delivered events. A Dropped event is sent
// whenever the subscriber could not keep up since the last delivered event.
func (s *Subscription) Events() <-chan Event { return s.sub.ch }

// Unsubscribe removes this subscription from the bus and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s.id)
	s.bus.mu.Unlock()

	s.sub.mu.Lock()
	s.sub.closed = true
	close(s.sub.ch)
	s.sub.mu.Unlock()
}

// Subscribe returns a bounded stream of events whose topic matches filter.
// filter may be an exact topic, or end in ".*" to match a topic prefix, or be
// "*" to match every topic.
func (b *Bus) Subscribe(filter string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscription{
		filter: filter,
		// +1 slot reserved for the Dropped marker itself.
		ch: make(chan Event, b.bufferSize+1),
	}
	b.subscribers[id] = sub
	return &Subscription{bus: b, id: id, sub: sub}
}

func topicMatches(filter, topic string) bool {
	if filter == "" || filter == "*" {
		return true
	}
	if strings.HasSuffix(filter, ".*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(filter, "*"))
	}
	return filter == topic
}
