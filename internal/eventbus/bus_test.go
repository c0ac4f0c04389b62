package eventbus

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New(nil, nil)

	ch := bus.Subscribe("proj-1", []Kind{TaskClaimed})

	event := New(TaskClaimed, "proj-1", "task-1", "agent-a", map[string]any{"x": 1})
	bus.Publish(event)

	select {
	case received := <-ch:
		if received.ID != event.ID {
			t.Errorf("expected event id %s, got %s", event.ID, received.ID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("did not receive event within timeout")
	}

	bus.Unsubscribe("proj-1", ch)
}

func TestBus_FilterByKind(t *testing.T) {
	bus := New(nil, nil)

	ch := bus.Subscribe("proj-1", []Kind{TaskCompleted})

	bus.Publish(New(TaskCompleted, "proj-1", "task-1", "agent-a", nil))
	select {
	case received := <-ch:
		if received.Kind != TaskCompleted {
			t.Errorf("expected kind %s, got %s", TaskCompleted, received.Kind)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("did not receive matching event")
	}

	bus.Publish(New(TaskFailed, "proj-1", "task-2", "agent-b", nil))
	select {
	case received := <-ch:
		t.Errorf("should not have received event kind %s", received.Kind)
	case <-time.After(50 * time.Millisecond):
	}

	bus.Unsubscribe("proj-1", ch)
}

func TestBus_WildcardSubscriber(t *testing.T) {
	bus := New(nil, nil)

	allCh := bus.Subscribe("*", nil)
	projCh := bus.Subscribe("proj-1", nil)

	event := New(TaskQueued, "proj-1", "task-1", "", nil)
	bus.Publish(event)

	select {
	case received := <-projCh:
		if received.ID != event.ID {
			t.Errorf("project subscriber: expected %s, got %s", event.ID, received.ID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("project subscriber did not receive event")
	}

	select {
	case received := <-allCh:
		if received.ID != event.ID {
			t.Errorf("wildcard subscriber: expected %s, got %s", event.ID, received.ID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("wildcard subscriber did not receive event")
	}

	bus.Unsubscribe("*", allCh)
	bus.Unsubscribe("proj-1", projCh)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(nil, nil)
	ch := bus.Subscribe("proj-1", nil)

	bus.Publish(New(TaskQueued, "proj-1", "task-1", "", nil))
	select {
	case <-ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("did not receive first event")
	}

	bus.Unsubscribe("proj-1", ch)
	bus.Publish(New(TaskQueued, "proj-1", "task-2", "", nil))

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("should not receive a live event after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_FullChannelNonBlocking(t *testing.T) {
	bus := New(nil, nil)
	ch := bus.Subscribe("proj-1", []Kind{TaskQueued})

	for i := 0; i < 100; i++ {
		bus.Publish(New(TaskQueued, "proj-1", "task", "", nil))
	}

	done := make(chan bool)
	go func() {
		bus.Publish(New(TaskQueued, "proj-1", "task-overflow", "", nil))
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("publish blocked on full channel")
	}

	bus.Unsubscribe("proj-1", ch)
}
