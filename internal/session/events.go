package session

import (
	"sync"
	"time"
)

type EventType string

const (
	EventState    EventType = "state"
	EventProgress EventType = "progress"
	EventRecords  EventType = "records"
	EventAlert    EventType = "alert"
)

// Event is a lightweight change notification. Subscribers fetch a Snapshot
// when they need the records.
type Event struct {
	Type         EventType `json:"type"`
	SessionID    string    `json:"sessionId"`
	State        State     `json:"state"`
	Progress     string    `json:"progress,omitempty"`
	RetryStatus  string    `json:"retryStatus,omitempty"`
	Error        string    `json:"error,omitempty"`
	Alert        string    `json:"alert,omitempty"`
	Reestimating bool      `json:"reestimating"`
	Time         time.Time `json:"time"`
}

const subscriberBuffer = 32

type eventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *eventHub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
