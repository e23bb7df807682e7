package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{})

	bus.Subscribe(EventNodeCompleted, func(ev Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		close(done)
	})

	bus.Publish(EventNodeCompleted, map[string]any{"node_id": "node_1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received = %d events", len(received))
	}
	if received[0].Data["node_id"] != "node_1" {
		t.Errorf("data = %v", received[0].Data)
	}
}

func TestBus_TypeIsolation(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var count int64
	bus.Subscribe(EventNodeFailed, func(Event) {
		atomic.AddInt64(&count, 1)
	})

	bus.Publish(EventNodeCompleted, nil)
	bus.Publish(EventBlueprintCompleted, nil)
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt64(&count) != 0 {
		t.Error("subscriber received events of other types")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var count int64
	unsub := bus.Subscribe(EventNodeStarted, func(Event) {
		atomic.AddInt64(&count, 1)
	})
	unsub()

	bus.Publish(EventNodeStarted, nil)
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt64(&count) != 0 {
		t.Error("unsubscribed subscriber still received events")
	}
}

func TestBus_PublisherNeverBlocks(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	// A subscriber that never drains its channel.
	block := make(chan struct{})
	bus.Subscribe(EventNodeStarted, func(Event) {
		<-block
	})
	defer close(block)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventNodeStarted, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBus_SubscriberPanicIsContained(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	delivered := make(chan struct{})
	bus.Subscribe(EventNodeFailed, func(Event) {
		panic("bad subscriber")
	})
	bus.Subscribe(EventNodeFailed, func(Event) {
		select {
		case delivered <- struct{}{}:
		default:
		}
	})

	bus.Publish(EventNodeFailed, nil)
	bus.Publish(EventNodeFailed, nil)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber starved by panicking one")
	}
}
