package notifier

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// eventDedup remembers recently published event ids so a replayed event is
// not delivered downstream twice. LRU-bounded; entries older than ttl count
// as forgotten.
type eventDedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

func newEventDedup(maxKeys int, ttl time.Duration) *eventDedup {
	c, _ := lru.New[string, time.Time](maxKeys)
	return &eventDedup{cache: c, ttl: ttl}
}

// seen marks the key and reports whether it was already published within the
// ttl window.
func (d *eventDedup) seen(key string) bool {
	if addedAt, ok := d.cache.Get(key); ok {
		if time.Since(addedAt) < d.ttl {
			return true
		}
	}
	d.cache.Add(key, time.Now())
	return false
}
