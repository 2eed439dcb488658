// Package release implements the counting wake-up primitive the sequencer
// uses to let a service run one iteration.
//
// A Channel is a mailbox with counting semantics: every Post is remembered
// until a Wait consumes it, so a service that overruns its period receives
// the missed releases in order instead of losing them.
//
// Thread-safety:
//   - Post: any goroutine (normally only the sequencer)
//   - Wait: exactly one goroutine, the owning service
package release

import (
	"sync"
	"sync/atomic"
)

// Channel is a counting semaphore built on sync.Cond.
type Channel struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending uint64 // releases posted but not yet consumed

	posted   atomic.Uint64 // lifetime Post count
	consumed atomic.Uint64 // lifetime Wait returns
}

// New returns a Channel with no pending releases.
func New() *Channel {
	c := &Channel{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Post adds one release and wakes the waiter if it is blocked.
// It never blocks beyond the internal lock.
func (c *Channel) Post() {
	c.mu.Lock()
	c.pending++
	c.posted.Add(1)
	c.cond.Signal()
	c.mu.Unlock()
}

// Wait blocks until at least one release is pending, then consumes it.
func (c *Channel) Wait() {
	c.mu.Lock()
	for c.pending == 0 {
		c.cond.Wait()
	}
	c.pending--
	c.consumed.Add(1)
	c.mu.Unlock()
}

// TryWait consumes a pending release without blocking and reports whether
// one was available.
func (c *Channel) TryWait() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == 0 {
		return false
	}
	c.pending--
	c.consumed.Add(1)
	return true
}

// Pending returns the number of releases posted but not yet consumed.
// A value above one means the service is falling behind its period.
func (c *Channel) Pending() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Posted returns the lifetime number of releases posted.
func (c *Channel) Posted() uint64 {
	return c.posted.Load()
}

// Consumed returns the lifetime number of releases taken by Wait/TryWait.
func (c *Channel) Consumed() uint64 {
	return c.consumed.Load()
}
