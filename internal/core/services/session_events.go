package services

import (
	"encoding/json"
	"sync"

	"eterlink/internal/core/domain"

	"go.uber.org/zap"
)

// EventKind names one of the events a Session publishes.
type EventKind string

const (
	EventOpen    EventKind = "open"
	EventStatus  EventKind = "status"
	EventQuality EventKind = "quality"
	EventConnect EventKind = "connect"
	EventClose   EventKind = "close"
	EventData    EventKind = "data"
	EventError   EventKind = "error"
	EventRetry   EventKind = "retry"
)

// Event is implemented by the concrete event structs below.
type Event interface {
	Kind() EventKind
}

// OpenEvent fires when the signaling link registers the local identifier.
type OpenEvent struct {
	ID domain.PeerID
}

type StatusEvent struct {
	Status domain.Status
}

type QualityEvent struct {
	Quality int
}

// ConnectEvent fires when a connection opens.
type ConnectEvent struct {
	Conn ConnectionIO
}

// CloseEvent fires once for every connection that was open when it closed.
// Local is true when this side closed it.
type CloseEvent struct {
	Conn  ConnectionIO
	Local bool
}

// DataEvent carries one application payload, exactly as the remote sent it.
type DataEvent struct {
	Conn    ConnectionIO
	Payload json.RawMessage
}

// ErrorEvent reports a terminal failure, or ErrorNone once a transient one
// clears.
type ErrorEvent struct {
	Type domain.ErrorKind
	Err  error
}

// RetryEvent fires every time the session resets its signaling link.
type RetryEvent struct{}

func (OpenEvent) Kind() EventKind    { return EventOpen }
func (StatusEvent) Kind() EventKind  { return EventStatus }
func (QualityEvent) Kind() EventKind { return EventQuality }
func (ConnectEvent) Kind() EventKind { return EventConnect }
func (CloseEvent) Kind() EventKind   { return EventClose }
func (DataEvent) Kind() EventKind    { return EventData }
func (ErrorEvent) Kind() EventKind   { return EventError }
func (RetryEvent) Kind() EventKind   { return EventRetry }

// Subscription identifies a handler registered with Subscribe.
type Subscription struct {
	kind EventKind
	id   uint64
}

type subscriber struct {
	id      uint64
	handler func(Event)
}

// eventDispatcher delivers events to subscribers in publish order on its own
// goroutine, so handlers may call back into the Session.
type eventDispatcher struct {
	mu     sync.Mutex
	log    *zap.SugaredLogger
	subs   map[EventKind][]subscriber
	nextID uint64
	queue  []Event
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newEventDispatcher(log *zap.SugaredLogger) *eventDispatcher {
	d := &eventDispatcher{
		log:  log,
		subs: make(map[EventKind][]subscriber),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *eventDispatcher) subscribe(kind EventKind, handler func(Event)) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.subs[kind] = append(d.subs[kind], subscriber{id: d.nextID, handler: handler})
	return Subscription{kind: kind, id: d.nextID}
}

func (d *eventDispatcher) unsubscribe(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.subs[sub.kind]
	for i, s := range list {
		if s.id == sub.id {
			d.subs[sub.kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (d *eventDispatcher) publish(ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *eventDispatcher) run() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				closed := d.closed
				d.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			handlers := append([]subscriber(nil), d.subs[ev.Kind()]...)
			d.mu.Unlock()

			for _, s := range handlers {
				d.deliver(s, ev)
			}
		}
	}
}

func (d *eventDispatcher) deliver(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("Event handler panicked", "event", ev.Kind(), "panic", r)
		}
	}()
	s.handler(ev)
}

// close delivers what is already queued, then stops.
func (d *eventDispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}
