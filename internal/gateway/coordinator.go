package gateway

import (
	"errors"
	"sync"
)

// ErrCaptureBusy is the refusal handed to a second device while the replica's
// single capture slot is taken. The text travels in the failed event.
var ErrCaptureBusy = errors.New("Global capture already in progress")

// Coordinator owns the replica-wide single-capture invariant: at most one
// session holds the slot at any time. Cross-replica exclusion comes from the
// leader lock, not from here.
type Coordinator struct {
	mu        sync.Mutex
	inFlight  bool
	sessionID string
}

func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Reserve takes the capture slot for a session. Atomic: succeeds only when
// no capture is in flight.
func (c *Coordinator) Reserve(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return ErrCaptureBusy
	}
	c.inFlight = true
	c.sessionID = sessionID
	return nil
}

// Release frees the slot. Safe to call when not held.
func (c *Coordinator) Release() {
	c.mu.Lock()
	c.inFlight = false
	c.sessionID = ""
	c.mu.Unlock()
}

// Active returns the session currently holding the slot.
func (c *Coordinator) Active() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.inFlight
}
