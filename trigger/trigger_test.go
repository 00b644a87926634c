package trigger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eyeflow-dev/kernel/trigger"
)

func TestBusRoutesEventToRegisteredDispatcher(t *testing.T) {
	bus := trigger.New(nil)
	defer bus.Shutdown()

	received := make(chan trigger.Event, 1)
	bus.RegisterDispatcher("wf-1", func(ctx context.Context, event trigger.Event) {
		received <- event
	})

	stream := make(chan trigger.Event, 1)
	bus.AddStream(context.Background(), "act-1", stream, 0)
	stream <- trigger.Event{DriverID: "cron", ActivationID: "act-1", WorkflowID: "wf-1", Timestamp: time.Now()}

	select {
	case event := <-received:
		require.Equal(t, "wf-1", event.WorkflowID)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not receive event")
	}
}

func TestBusDropsEventWithNoDispatcher(t *testing.T) {
	bus := trigger.New(nil)
	defer bus.Shutdown()

	stream := make(chan trigger.Event, 1)
	bus.AddStream(context.Background(), "act-1", stream, 0)
	stream <- trigger.Event{DriverID: "cron", ActivationID: "act-1", WorkflowID: "wf-unregistered", Timestamp: time.Now()}

	// No dispatcher registered: nothing should panic, and a later registration
	// for a different workflow should still work cleanly.
	time.Sleep(50 * time.Millisecond)

	received := make(chan trigger.Event, 1)
	bus.RegisterDispatcher("wf-2", func(ctx context.Context, event trigger.Event) {
		received <- event
	})
	stream2 := make(chan trigger.Event, 1)
	bus.AddStream(context.Background(), "act-2", stream2, 0)
	stream2 <- trigger.Event{DriverID: "cron", ActivationID: "act-2", WorkflowID: "wf-2", Timestamp: time.Now()}

	select {
	case event := <-received:
		require.Equal(t, "wf-2", event.WorkflowID)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher for wf-2 did not receive event")
	}
}

func TestBusSerializesDispatchPerWorkflow(t *testing.T) {
	bus := trigger.New(nil)
	defer bus.Shutdown()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	count := 0
	bus.RegisterDispatcher("wf-serial", func(ctx context.Context, event trigger.Event) {
		i := event.Payload.(int)
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, i)
		count++
		if count == 5 {
			close(done)
		}
		mu.Unlock()
	})

	stream := make(chan trigger.Event, 10)
	bus.AddStream(context.Background(), "act-serial", stream, 0)
	for i := 0; i < 5; i++ {
		stream <- trigger.Event{DriverID: "cron", ActivationID: "act-serial", WorkflowID: "wf-serial", Payload: i}
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("not all events dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRemoveStreamStopsDelivery(t *testing.T) {
	bus := trigger.New(nil)
	defer bus.Shutdown()

	received := make(chan trigger.Event, 4)
	bus.RegisterDispatcher("wf-1", func(ctx context.Context, event trigger.Event) {
		received <- event
	})

	stream := make(chan trigger.Event, 4)
	bus.AddStream(context.Background(), "act-1", stream, 0)
	bus.RemoveStream("act-1")

	select {
	case stream <- trigger.Event{WorkflowID: "wf-1"}:
	default:
	}

	select {
	case <-received:
		t.Fatal("event should not be delivered after RemoveStream")
	case <-time.After(100 * time.Millisecond):
	}
}
