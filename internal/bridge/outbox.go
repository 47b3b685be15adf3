package bridge

import (
	"log"
	"sync"
)

// outbox decouples the reader from the consumer. Pushes never block; when
// buffered output exceeds maxBytes the oldest data events are discarded.
// Disconnect events are never discarded.
type outbox struct {
	id       string
	maxBytes int

	mu      sync.Mutex
	items   []Event
	bytes   int
	dropped int
	wake    chan struct{}
}

func newOutbox(id string, maxBytes int) *outbox {
	return &outbox{id: id, maxBytes: maxBytes, wake: make(chan struct{}, 1)}
}

func (o *outbox) push(ev Event) {
	o.mu.Lock()
	o.items = append(o.items, ev)
	o.bytes += len(ev.Data)
	for o.bytes > o.maxBytes {
		i := o.oldestData()
		if i < 0 {
			break
		}
		o.bytes -= len(o.items[i].Data)
		o.items = append(o.items[:i], o.items[i+1:]...)
		o.dropped++
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) oldestData() int {
	for i, ev := range o.items {
		if ev.Kind == EventData {
			return i
		}
	}
	return -1
}

func (o *outbox) pop() (Event, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dropped > 0 {
		log.Printf("[bridge] %s: consumer too slow, discarded %d output chunks", o.id, o.dropped)
		o.dropped = 0
	}
	if len(o.items) == 0 {
		return Event{}, false
	}
	ev := o.items[0]
	o.items[0] = Event{}
	o.items = o.items[1:]
	o.bytes -= len(ev.Data)
	return ev, true
}

// run forwards queued events to out until quit closes, then closes out.
func (o *outbox) run(out chan<- Event, quit <-chan struct{}) {
	defer close(out)
	for {
		ev, ok := o.pop()
		if !ok {
			select {
			case <-o.wake:
				continue
			case <-quit:
				return
			}
		}
		select {
		case out <- ev:
		case <-quit:
			return
		}
	}
}
