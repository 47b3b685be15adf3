// events.go keeps a per-session log of lifecycle events (connect, drop,
// reconnect attempts, exhaustion) in a fixed-size ring buffer and fans each
// event out to registered listeners.

package supervisor

import (
	"sync"
	"time"
)

// eventBufferSize is the maximum number of events kept per session.
const eventBufferSize = 100

// EventType names a session lifecycle event.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventReconnecting     EventType = "reconnecting"
	EventReconnectAttempt EventType = "reconnect_attempt"
	EventReconnected      EventType = "reconnected"
	EventReconnectFailed  EventType = "reconnect_failed"
	EventCleanExit        EventType = "clean_exit"
	EventError            EventType = "error"
)

// Event is one recorded lifecycle event.
type Event struct {
	SessionID string    `json:"session_id"`
	ProfileID string    `json:"profile_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// EventListener is called synchronously for every event. Long-running
// handlers should spawn goroutines.
type EventListener func(Event)

type eventBuffer struct {
	events [eventBufferSize]Event
	head   int // next write position
	count  int
}

func (b *eventBuffer) record(ev Event) {
	b.events[b.head] = ev
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

// history returns events oldest first.
func (b *eventBuffer) history() []Event {
	if b.count == 0 {
		return nil
	}
	out := make([]Event, b.count)
	if b.count < eventBufferSize {
		copy(out, b.events[:b.count])
	} else {
		// Full: head is the oldest entry.
		n := copy(out, b.events[b.head:])
		copy(out[n:], b.events[:b.head])
	}
	return out
}

type eventLog struct {
	mu      sync.RWMutex
	buffers map[string]*eventBuffer
}

func newEventLog() *eventLog {
	return &eventLog{buffers: make(map[string]*eventBuffer)}
}

func (el *eventLog) record(ev Event) {
	el.mu.Lock()
	defer el.mu.Unlock()
	buf, ok := el.buffers[ev.SessionID]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[ev.SessionID] = buf
	}
	buf.record(ev)
}

func (el *eventLog) get(sessionID string) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()
	buf, ok := el.buffers[sessionID]
	if !ok {
		return nil
	}
	return buf.history()
}

func (el *eventLog) remove(sessionID string) {
	el.mu.Lock()
	delete(el.buffers, sessionID)
	el.mu.Unlock()
}
