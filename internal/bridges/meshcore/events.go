package meshcore

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType tags the closed set of events the bridge emits.
type EventType string

const (
	// EventConnected fires once a connection attempt reaches Connected.
	// Carries the current Node snapshot.
	EventConnected EventType = "connected"

	// EventDisconnected fires when the connection is torn down.
	EventDisconnected EventType = "disconnected"

	// EventMessage fires for each mesh message, solicited or pushed.
	// Carries the Message.
	EventMessage EventType = "message"

	// EventSerialData fires for every raw line received on the serial
	// channel. Used internally for command/push demultiplexing; exposed for
	// diagnostics.
	EventSerialData EventType = "serial_data"
)

// Event is one tagged variant delivered to subscribers. The fields populated
// depend on Type.
type Event struct {
	Type    EventType
	Time    time.Time
	Node    *Node
	Message *Message
	Line    string
}

// defaultSubscriberBuffer is the per-subscriber channel depth.
const defaultSubscriberBuffer = 64

// eventBus fans events out to subscribers.
//
// Each subscriber owns a buffered channel; delivery preserves per-subscriber
// ordering. A subscriber that stops draining loses events rather than
// blocking the emitter; drops are counted.
type eventBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
}

func newEventBus() *eventBus {
	return &eventBus{
		subs: make(map[uint64]chan Event),
	}
}

// subscribe registers a new subscriber and returns its channel together with
// an unsubscribe function. buffer <= 0 selects the default depth.
func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// publish delivers ev to every subscriber without blocking. Full subscriber
// queues drop the event.
func (b *eventBus) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// subscriberCount returns the number of active subscribers.
func (b *eventBus) subscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// droppedEvents returns the total number of events dropped due to full
// subscriber queues.
func (b *eventBus) droppedEvents() uint64 {
	return b.dropped.Load()
}
