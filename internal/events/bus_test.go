package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.SubscribeCaptured()
	b := bus.SubscribeCaptured()

	ev := Captured{EventID: "e1", SessionID: "s1", DeviceID: "devA"}
	bus.PublishCaptured(ev)

	select {
	case got := <-a:
		assert.Equal(t, "e1", got.EventID)
	case <-time.After(time.Second):
		t.Fatal("subscriber a: no event")
	}
	select {
	case got := <-b:
		assert.Equal(t, "e1", got.EventID)
	case <-time.After(time.Second):
		t.Fatal("subscriber b: no event")
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	_ = bus.SubscribeFailed() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.PublishFailed(Failed{EventID: "x", Stage: StageStore})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	ch := bus.SubscribeStored()

	bus.Close()
	bus.PublishStored(Stored{}) // no panic after close
	bus.Close()                 // idempotent

	_, ok := <-ch
	require.False(t, ok, "channel should be closed")
}
