// Package eventbus fans recorded proxy traffic out to live subscribers.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/relaygate/relaygate/internal/store"
)

const defaultBufSize = 256

// Filter selects which entries a subscriber receives. Empty fields match
// everything.
type Filter struct {
	SessionID   string
	Direction   string
	Methods     []string
	DroppedOnly bool
}

func (f Filter) match(e *store.LogEntry) bool {
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if f.Direction != "" && f.Direction != e.Direction {
		return false
	}
	if f.DroppedOnly && !e.Dropped {
		return false
	}
	if len(f.Methods) == 0 {
		return true
	}
	for _, m := range f.Methods {
		if m == e.Method {
			return true
		}
	}
	return false
}

type subscription struct {
	ch     chan *store.LogEntry
	filter Filter
}

// EventBus implements fan-out pub/sub for proxied traffic entries.
// Each subscriber gets a buffered channel. If a subscriber
// is slow, entries are dropped for that subscriber (missed
// entries remain queryable in the store).
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]subscription
	bufSize     int
	missed      atomic.Int64
}

func New(bufSize int) *EventBus {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return &EventBus{
		subscribers: make(map[string]subscription),
		bufSize:     bufSize,
	}
}

// Subscribe creates a subscription receiving every entry. Returns the
// channel and an unsubscribe function that must be called when done.
func (eb *EventBus) Subscribe(id string) (<-chan *store.LogEntry, func()) {
	return eb.SubscribeFiltered(id, Filter{})
}

// SubscribeFiltered creates a subscription receiving entries that match f.
func (eb *EventBus) SubscribeFiltered(id string, f Filter) (<-chan *store.LogEntry, func()) {
	ch := make(chan *store.LogEntry, eb.bufSize)

	eb.mu.Lock()
	eb.subscribers[id] = subscription{ch: ch, filter: f}
	eb.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subscribers, id)
			close(ch)
			eb.mu.Unlock()
		})
	}
	return ch, unsub
}

// Publish sends a log entry to all matching subscribers. Non-blocking:
// slow subscribers will miss entries.
func (eb *EventBus) Publish(entry *store.LogEntry) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, sub := range eb.subscribers {
		if !sub.filter.match(entry) {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
			eb.missed.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Missed returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (eb *EventBus) Missed() int64 {
	return eb.missed.Load()
}
