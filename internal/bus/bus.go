package bus

import (
	"sync"

	"github.com/google/uuid"
)

// Type enumerates the events tracking workers and frame sources publish.
type Type string

const (
	// TypeEntry and TypeExit are committed crossing events.
	TypeEntry Type = "entry"
	TypeExit  Type = "exit"
	// TypeDirection reports a change of a camera's dominant flow.
	TypeDirection Type = "direction"
	// TypePresence reports the person_detected flag flipping.
	TypePresence Type = "presence"
	// TypeCameraStatus reports frame source lifecycle changes.
	TypeCameraStatus Type = "camera_status"
)

// Event is one notification flowing from the core to its consumers. Payload
// is JSON-compatible so transports can forward it as-is. Publish assigns ID
// when the producer leaves it empty.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	CameraID  string         `json:"camera_id"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Handler consumes published events.
type Handler interface {
	OnEvent(*Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(*Event)

// OnEvent implements Handler.
func (f HandlerFunc) OnEvent(e *Event) { f(e) }

var _ Handler = (HandlerFunc)(nil)

// Bus provides pub/sub between tracking workers and the outward-facing
// adapters (WebSocket hub, notification fanout, dashboard). Workers only
// publish; consumers only subscribe, which keeps the dependency graph
// one-directional.
type Bus struct {
	subscribers map[*subscription]bool
	mu          sync.RWMutex
}

type subscription struct {
	cameraFilter string // empty means receive all cameras
	channel      chan *Event
	handler      Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[*subscription]bool),
	}
}

// Subscribe registers a handler for events from all cameras. Returns an
// unsubscribe function.
func (b *Bus) Subscribe(handler Handler) func() {
	return b.add(&subscription{handler: handler})
}

// SubscribeCamera registers a handler for one camera's events. Returns an
// unsubscribe function.
func (b *Bus) SubscribeCamera(cameraID string, handler Handler) func() {
	return b.add(&subscription{cameraFilter: cameraID, handler: handler})
}

func (b *Bus) add(sub *subscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			if sub.channel != nil {
				close(sub.channel)
			}
		}
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a buffered channel of events and an unsubscribe
// function. A full channel drops events rather than blocking publishers.
func (b *Bus) SubscribeChannel(bufferSize int) (<-chan *Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}
	ch := make(chan *Event, bufferSize)
	return ch, b.add(&subscription{channel: ch})
}

// SubscribeCameraChannel is SubscribeChannel filtered to one camera.
func (b *Bus) SubscribeCameraChannel(cameraID string, bufferSize int) (<-chan *Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}
	ch := make(chan *Event, bufferSize)
	return ch, b.add(&subscription{cameraFilter: cameraID, channel: ch})
}

// Publish delivers an event to all matching subscribers. Handlers run
// synchronously to preserve per-camera ordering; channel subscribers that
// cannot keep up lose the event.
func (b *Bus) Publish(e *Event) {
	if e == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.cameraFilter != "" && sub.cameraFilter != e.CameraID {
			continue
		}

		if sub.handler != nil {
			sub.handler.OnEvent(e)
		} else if sub.channel != nil {
			select {
			case sub.channel <- e:
			default:
				// Channel full, skip this event
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everything and closes subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
