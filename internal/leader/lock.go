package leader

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-snaptunnel/internal/metrics"
)

// Event signals a leadership transition to the gateway lifecycle.
type Event int

const (
	Elected Event = iota
	Revoked
)

const (
	DefaultKey = "mqtt:leader:lock"

	defaultTTL    = 10 * time.Second
	defaultRenew  = 5 * time.Second
	defaultRetry  = 1500 * time.Millisecond
	defaultJitter = 500 * time.Millisecond
)

// Renew only if we still own the key. Returns 1 on success.
var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

// Delete only if we still own the key.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Lock is a single-key distributed mutex over one shared Redis. Exactly one
// replica holds the key at a time; everyone else retries with jitter so a
// dying leader is replaced within roughly one TTL.
type Lock struct {
	rdb *redis.Client
	key string
	id  string

	ttl    time.Duration
	renew  time.Duration
	retry  time.Duration
	jitter time.Duration

	mu     sync.Mutex
	leader bool

	notify chan Event
}

type Option func(*Lock)

func WithTimings(ttl, renew, retry, jitter time.Duration) Option {
	return func(l *Lock) {
		l.ttl, l.renew, l.retry, l.jitter = ttl, renew, retry, jitter
	}
}

func WithKey(key string) Option {
	return func(l *Lock) { l.key = key }
}

func NewLock(rdb *redis.Client, opts ...Option) *Lock {
	l := &Lock{
		rdb:    rdb,
		key:    DefaultKey,
		id:     uuid.New().String(),
		ttl:    defaultTTL,
		renew:  defaultRenew,
		retry:  defaultRetry,
		jitter: defaultJitter,
		notify: make(chan Event, 8),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Notify delivers Elected/Revoked transitions. Buffered; the gateway must
// drain it.
func (l *Lock) Notify() <-chan Event { return l.notify }

func (l *Lock) AmLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader
}

// Run drives acquisition and renewal until ctx is canceled, then releases
// the lock if held.
func (l *Lock) Run(ctx context.Context) {
	defer l.Release(context.WithoutCancel(ctx))

	for {
		if !l.AmLeader() {
			if !l.sleepRetry(ctx) {
				return
			}
			l.tryAcquire(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.renew):
			l.renewOnce(ctx)
		}
	}
}

func (l *Lock) tryAcquire(ctx context.Context) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		log.Printf("[Leader] acquire: %v", err)
		return
	}
	if !ok {
		return
	}

	l.setLeader(true)
	log.Printf("[Leader] elected (key=%s id=%s)", l.key, l.id)
}

func (l *Lock) renewOnce(ctx context.Context) {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.id, l.ttl.Milliseconds()).Int()
	if err != nil || n == 0 {
		if err != nil {
			log.Printf("[Leader] renew: %v", err)
		} else {
			log.Printf("[Leader] renew: lock lost to another replica")
		}
		l.setLeader(false)
	}
}

// Release drops the lock if we own it and reports Revoked.
func (l *Lock) Release(ctx context.Context) {
	l.mu.Lock()
	held := l.leader
	l.mu.Unlock()

	if held {
		if _, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.id).Int(); err != nil {
			log.Printf("[Leader] release: %v", err)
		}
	}
	l.setLeader(false)
}

func (l *Lock) setLeader(leader bool) {
	l.mu.Lock()
	changed := l.leader != leader
	l.leader = leader
	l.mu.Unlock()

	if !changed {
		return
	}
	if leader {
		metrics.Leader.Set(1)
		l.notify <- Elected
	} else {
		metrics.Leader.Set(0)
		log.Printf("[Leader] revoked (key=%s id=%s)", l.key, l.id)
		l.notify <- Revoked
	}
}

// sleepRetry waits the jittered acquisition interval. False once ctx ends.
func (l *Lock) sleepRetry(ctx context.Context) bool {
	d := l.retry
	if l.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(2*l.jitter))) - l.jitter
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
