package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/technosupport/ts-snaptunnel/internal/events"
)

const (
	SubjectStored = "snapshot.stored"
	SubjectFailed = "snapshot.failed"

	dedupKeys = 4096
	dedupTTL  = 10 * time.Minute
)

// Publisher is the slice of nats.Conn the notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Notifier forwards stored and failed events to the message queue. Delivery
// is at-most-once: publish errors are retried a bounded number of times and
// then dropped, and the dedup cache stops a replayed event id from going out
// twice.
type Notifier struct {
	pub        Publisher
	bus        *events.Bus
	maxRetries int
	dedup      *eventDedup

	wg sync.WaitGroup
}

func New(pub Publisher, bus *events.Bus, maxRetries int) *Notifier {
	return &Notifier{
		pub:        pub,
		bus:        bus,
		maxRetries: maxRetries,
		dedup:      newEventDedup(dedupKeys, dedupTTL),
	}
}

func (n *Notifier) Start(ctx context.Context) {
	stored := n.bus.SubscribeStored()
	failed := n.bus.SubscribeFailed()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-stored:
				if !ok {
					return
				}
				n.publish(SubjectStored, "stored:"+ev.EventID, ev)
			case ev, ok := <-failed:
				if !ok {
					return
				}
				n.publish(SubjectFailed, "failed:"+ev.EventID+":"+string(ev.Stage), ev)
			}
		}
	}()
}

func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) publish(subject, dedupKey string, ev any) {
	if n.dedup.seen(dedupKey) {
		log.Printf("[Notifier] duplicate %s suppressed", dedupKey)
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Notifier] marshal %s: %v", subject, err)
		return
	}

	if err := n.publishWithRetry(subject, data); err != nil {
		// At-most-once: after the retry budget the event is dropped, not
		// queued. Durable buffering is explicitly out of scope.
		log.Printf("[Notifier] dropping %s: %v", dedupKey, err)
	}
}

func (n *Notifier) publishWithRetry(subject string, data []byte) error {
	var err error
	for i := 0; i <= n.maxRetries; i++ {
		err = n.pub.Publish(subject, data)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("publish failed after %d retries: %w", n.maxRetries, err)
}
