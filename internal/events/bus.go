// Package events provides the in-process pub/sub bus and the append-only
// audit log for blueprint lifecycle events.
package events

import (
	"sync"
	"time"
)

// EventType labels a lifecycle event.
type EventType string

const (
	EventNodeStarted   EventType = "node_started"
	EventNodeCompleted EventType = "node_completed"
	EventNodeFailed    EventType = "node_failed"
	EventNodeBlocked   EventType = "node_blocked"

	EventBlueprintStarted   EventType = "blueprint_started"
	EventBlueprintCompleted EventType = "blueprint_completed"
	EventBlueprintFailed    EventType = "blueprint_failed"
	EventBlueprintStalled   EventType = "blueprint_stalled"

	EventExecutionRecovered EventType = "execution_recovered"
	EventTaskEnqueued       EventType = "task_enqueued"
)

// Event is one published lifecycle event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives events for one event type.
type Subscriber func(Event)

// Bus is a non-blocking pub/sub bus. Delivery is asynchronous through a
// buffered channel per subscriber; when a subscriber falls behind and its
// buffer fills, events for it are dropped rather than stalling the publisher.
// The executor must never block on a slow notifier.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for an event type and returns an unsubscribe
// function. fn runs on a dedicated goroutine; a panic in fn is swallowed so
// one bad subscriber cannot take down delivery for the rest.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

func deliver(fn Subscriber, event Event) {
	defer func() {
		_ = recover()
	}()
	fn(event)
}

// Publish sends an event to every subscriber of its type without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default: // subscriber buffer full, drop
		}
	}
}

// Close shuts down all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
