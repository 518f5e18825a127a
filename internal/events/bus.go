package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventKeyHealthChange    EventType = "key_health_change"
	EventKeyRotated         EventType = "key_rotated"
	EventCircuitStateChange EventType = "circuit_state_change"
	EventTaskCompleted      EventType = "task_completed"
)

// Event is a single core event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Key-pool fields (populated for key_health_change / key_rotated events).
	Service    string `json:"service,omitempty"`
	KeyID      string `json:"key_id,omitempty"`
	OldState   string `json:"old_state,omitempty"`
	NewState   string `json:"new_state,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// Circuit-breaker fields.
	Breaker string `json:"breaker,omitempty"`

	// Task fields (populated for task_completed events).
	TaskType      string  `json:"task_type,omitempty"`
	ShareID       string  `json:"share_id,omitempty"`
	Status        string  `json:"status,omitempty"`
	CostUSD       float64 `json:"cost_usd,omitempty"`
	ProcessingMs  int64   `json:"processing_ms,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus for routing events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its done channel; C is left
// open.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
