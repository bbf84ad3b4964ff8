package tracker

import (
	"sync"
	"time"
)

// EventType classifies endpoint lifecycle events.
type EventType string

const (
	EventConnect         EventType = "CONNECT"
	EventDisconnect      EventType = "DISCONNECT"
	EventReceiveComplete EventType = "RECEIVE_COMPLETE"
	EventReceiveError    EventType = "RECEIVE_ERROR"
	EventExpire          EventType = "EXPIRE"
)

// Event is an immutable record of one endpoint lifecycle transition.
type Event struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
}

// eventLog is a bounded append-only queue. Appending past capacity discards
// the oldest entries, so the newest events are always retained.
type eventLog struct {
	mu       sync.Mutex
	entries  []Event
	capacity int
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &eventLog{capacity: capacity}
}

func (l *eventLog) append(ev Event) {
	l.mu.Lock()
	l.entries = append(l.entries, ev)
	if excess := len(l.entries) - l.capacity; excess > 0 {
		l.entries = append(l.entries[:0], l.entries[excess:]...)
	}
	l.mu.Unlock()
}

// snapshot returns a most-recent-first copy of the log.
func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.entries))
	for i, ev := range l.entries {
		out[len(l.entries)-1-i] = ev
	}
	return out
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
