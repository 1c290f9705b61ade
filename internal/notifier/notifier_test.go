package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-snaptunnel/internal/events"
)

type fakePub struct {
	mu       sync.Mutex
	msgs     map[string][][]byte
	failNext int
}

func newFakePub() *fakePub {
	return &fakePub{msgs: map[string][][]byte{}}
}

func (p *fakePub) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return errors.New("nats down")
	}
	p.msgs[subject] = append(p.msgs[subject], data)
	return nil
}

func (p *fakePub) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs[subject])
}

func TestNotifierPublishesStored(t *testing.T) {
	bus := events.NewBus()
	pub := newFakePub()
	n := New(pub, bus, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)

	bus.PublishStored(events.Stored{
		Captured: events.Captured{EventID: "e1", DeviceID: "devA"},
		Storage:  "local",
		Day:      "2026-08-25",
	})

	require.Eventually(t, func() bool { return pub.count(SubjectStored) == 1 }, 2*time.Second, 10*time.Millisecond)

	var got events.Stored
	pub.mu.Lock()
	raw := pub.msgs[SubjectStored][0]
	pub.mu.Unlock()
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "e1", got.EventID)
	assert.Equal(t, "local", got.Storage)
}

func TestNotifierRetriesThenSucceeds(t *testing.T) {
	bus := events.NewBus()
	pub := newFakePub()
	pub.failNext = 2
	n := New(pub, bus, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)

	bus.PublishFailed(events.Failed{EventID: "e2", Stage: events.StageCapture})

	require.Eventually(t, func() bool { return pub.count(SubjectFailed) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestNotifierDedup(t *testing.T) {
	bus := events.NewBus()
	pub := newFakePub()
	n := New(pub, bus, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)

	ev := events.Stored{Captured: events.Captured{EventID: "e3"}}
	bus.PublishStored(ev)
	bus.PublishStored(ev) // replay of the same event id

	require.Eventually(t, func() bool { return pub.count(SubjectStored) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, pub.count(SubjectStored), "replayed event must publish at most once")
}

func TestNotifierDropsAfterRetryBudget(t *testing.T) {
	bus := events.NewBus()
	pub := newFakePub()
	pub.failNext = 100
	n := New(pub, bus, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)

	bus.PublishStored(events.Stored{Captured: events.Captured{EventID: "e4"}})

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 0, pub.count(SubjectStored))
}
