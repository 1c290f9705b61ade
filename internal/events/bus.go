package events

import (
	"log"
	"sync"
)

// Per-subscriber buffer. Publishers never block: if a subscriber falls this
// far behind, its events are dropped and counted in the log.
const subscriberBuffer = 64

// Bus is the in-process pub/sub for the three snapshot topics. Each
// subscriber gets its own buffered channel; topics are statically typed so
// the storage worker and notifier wire up at compile time.
type Bus struct {
	mu       sync.RWMutex
	captured []chan Captured
	stored   []chan Stored
	failed   []chan Failed
	closed   bool
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) SubscribeCaptured() <-chan Captured {
	ch := make(chan Captured, subscriberBuffer)
	b.mu.Lock()
	b.captured = append(b.captured, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) SubscribeStored() <-chan Stored {
	ch := make(chan Stored, subscriberBuffer)
	b.mu.Lock()
	b.stored = append(b.stored, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) SubscribeFailed() <-chan Failed {
	ch := make(chan Failed, subscriberBuffer)
	b.mu.Lock()
	b.failed = append(b.failed, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) PublishCaptured(e Captured) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.captured {
		select {
		case ch <- e:
		default:
			log.Printf("[Bus] dropping captured event %s: subscriber full", e.EventID)
		}
	}
}

func (b *Bus) PublishStored(e Stored) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.stored {
		select {
		case ch <- e:
		default:
			log.Printf("[Bus] dropping stored event %s: subscriber full", e.EventID)
		}
	}
}

func (b *Bus) PublishFailed(e Failed) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.failed {
		select {
		case ch <- e:
		default:
			log.Printf("[Bus] dropping failed event %s: subscriber full", e.EventID)
		}
	}
}

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.captured {
		close(ch)
	}
	for _, ch := range b.stored {
		close(ch)
	}
	for _, ch := range b.failed {
		close(ch)
	}
}
