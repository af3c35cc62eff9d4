package ward

import (
	"sync"
	"time"
)

// EventType classifies proxy events.
type EventType string

const (
	EventBlocked    EventType = "blocked"
	EventAllowed    EventType = "allowed"
	EventSuspicious EventType = "suspicious"
	EventReload     EventType = "reload"
	EventError      EventType = "error"
)

// Event is one notable proxy occurrence, published to subscribers and
// kept in a bounded recent-history ring.
type Event struct {
	Time       time.Time `json:"time"`
	Type       EventType `json:"type"`
	Host       string    `json:"host,omitempty"`
	ClientAddr string    `json:"client_addr,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Severity   string    `json:"severity,omitempty"`
}

// EventBus fans events out to subscribers without ever blocking the
// publisher. A slow subscriber loses its oldest queued events, not the
// request path.
type EventBus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	recent  []Event
	head    int
	size    int
	dropped int64
}

// NewEventBus creates a bus keeping the last historySize events.
func NewEventBus(historySize int) *EventBus {
	if historySize <= 0 {
		historySize = 100
	}
	return &EventBus{
		subs:   make(map[int]chan Event),
		recent: make([]Event, historySize),
	}
}

// Publish delivers the event to all subscribers and records it in the
// history ring. Never blocks.
func (b *EventBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent[b.head] = e
	b.head = (b.head + 1) % len(b.recent)
	if b.size < len(b.recent) {
		b.size++
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Full queue: drop the oldest, then deliver.
			select {
			case <-ch:
				b.dropped++
			default:
			}
			select {
			case ch <- e:
			default:
				b.dropped++
			}
		}
	}
}

// Subscribe registers a new subscriber with the given queue depth and
// returns its channel plus an unsubscribe function.
func (b *EventBus) Subscribe(depth int) (<-chan Event, func()) {
	if depth <= 0 {
		depth = 64
	}
	ch := make(chan Event, depth)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
}

// Recent returns the history ring's events, oldest first.
func (b *EventBus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, b.size)
	start := b.head - b.size
	if start < 0 {
		start += len(b.recent)
	}
	for i := 0; i < b.size; i++ {
		out = append(out, b.recent[(start+i)%len(b.recent)])
	}
	return out
}

// Dropped returns how many events were discarded because subscriber
// queues were full.
func (b *EventBus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
