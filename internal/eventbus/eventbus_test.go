package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeDeliversMatchingTopic(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe("registry.*")
	defer sub.Unsubscribe()

	bus.Publish("registry.page.attached", "p1")
	bus.Publish("scheduler.dispatch.started", "ignored")

	select {
	case evt := <-sub.Events():
		require.Equal(t, "registry.page.attached", evt.Topic)
		require.Equal(t, "p1", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected event not delivered")
	}

	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected second event: %+v", evt)
	default:
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := New(1)
	sub := bus.Subscribe("*")
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish("x", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	sawDropped := false
	for {
		select {
		case evt := <-sub.Events():
			if _, ok := evt.Payload.(Dropped); ok {
				sawDropped = true
			}
		default:
			require.True(t, sawDropped, "expected at least one Dropped marker")
			return
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe("*")
	sub.Unsubscribe()

	bus.Publish("x", 1)

	_, open := <-sub.Events()
	require.False(t, open, "channel should be closed after Unsubscribe")
}
