package emit

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBusSubscribe(t *testing.T) {
	bus := NewBus(nil)

	var got []Event
	bus.Subscribe(StepCompleted, func(e Event) { got = append(got, e) })

	bus.Emit(Event{Type: StepStarted, InstanceID: "i1", StepID: "a"})
	bus.Emit(Event{Type: StepCompleted, InstanceID: "i1", StepID: "a"})
	bus.Emit(Event{Type: WorkflowCompleted, InstanceID: "i1"})

	if len(got) != 1 {
		t.Fatalf("handler saw %d events, want 1", len(got))
	}
	if got[0].Type != StepCompleted || got[0].StepID != "a" {
		t.Errorf("handler saw %+v", got[0])
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(nil)

	var types []Type
	bus.SubscribeAll(func(e Event) { types = append(types, e.Type) })

	for _, kind := range []Type{WorkflowStarted, StepStarted, StepCompleted, WorkflowCompleted} {
		bus.Emit(Event{Type: kind, InstanceID: "i1"})
	}

	if len(types) != 4 {
		t.Fatalf("handler saw %d events, want 4", len(types))
	}
}

func TestBusRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)

	var order []int
	for i := 1; i <= 5; i++ {
		bus.SubscribeAll(func(Event) { order = append(order, i) })
	}

	bus.Emit(Event{Type: WorkflowStarted, InstanceID: "i1"})

	for i, got := range order {
		if got != i+1 {
			t.Fatalf("delivery order = %v, want ascending", order)
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	id := bus.SubscribeAll(func(Event) { calls++ })

	bus.Emit(Event{Type: WorkflowStarted})
	bus.Unsubscribe(id)
	bus.Emit(Event{Type: WorkflowStarted})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	// Unknown ids are ignored.
	bus.Unsubscribe("sub-999")
}

func TestBusPanicIsolation(t *testing.T) {
	var errlog bytes.Buffer
	bus := NewBus(&errlog)

	bus.SubscribeAll(func(Event) { panic("handler blew up") })

	delivered := false
	bus.SubscribeAll(func(Event) { delivered = true })

	// Must not panic the publisher.
	bus.Emit(Event{Type: StepFailed, InstanceID: "i1"})

	if !delivered {
		t.Error("panic in earlier handler suppressed later handler")
	}
	if !strings.Contains(errlog.String(), "handler blew up") {
		t.Errorf("panic not logged: %q", errlog.String())
	}
}

func TestBusConcurrentEmit(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Emit(Event{Type: StepCompleted, InstanceID: "i1", At: time.Now()})
			}
		}()
	}
	wg.Wait()

	if count != 1000 {
		t.Errorf("delivered %d events, want 1000", count)
	}
}

func TestBusImplementsEmitter(t *testing.T) {
	// A bus can be attached to another bus like any emitter.
	var _ Emitter = NewBus(nil)

	outer := NewBus(nil)
	inner := NewBus(nil)

	seen := false
	inner.SubscribeAll(func(Event) { seen = true })
	outer.Attach(inner)

	outer.Emit(Event{Type: WorkflowStarted})
	if !seen {
		t.Error("event did not flow through attached bus")
	}
}
