package observability

import (
	"sync"
	"time"
)

// EventType names a request lifecycle event.
type EventType string

const (
	RequestStarted EventType = "request_started"
	RequestEnded   EventType = "request_ended"
	RequestFailed  EventType = "request_failed"
	RefreshStarted EventType = "refresh_started"
	RefreshEnded   EventType = "refresh_ended"
)

// Event describes one step of an outbound call. ID correlates the start of
// a call with its end or failure.
type Event struct {
	Type       EventType
	ID         string
	Method     string
	URL        string
	StatusCode int
	Duration   time.Duration
	FromCache  bool
	Replayed   bool // retried after a token refresh
	Err        error
	Time       time.Time
}

// Listener receives events synchronously on the emitting goroutine.
type Listener func(Event)

type subscription struct {
	id int
	fn Listener
}

// Bus fans events out to listeners in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers l and returns a function that removes it.
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: l})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers e to every listener. A nil bus drops the event.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(e)
	}
}
