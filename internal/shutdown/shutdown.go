// Package shutdown implements the graceful-drain controller: arm
// a timer, let the node drain itself, and declare completion either
// when every blocking condition clears or the timer expires.
package shutdown

import (
	"sync"
	"time"
)

// Controller tracks whether a graceful shutdown has been requested and
// its deadline. The actual drain predicate (state, commit, DB
// transaction, escalation map) lives with the components that own
// that state; Controller only answers "has shutdown been requested"
// and "has it timed out".
type Controller struct {
	mu       sync.Mutex
	armed    bool
	deadline time.Time
}

// New creates a controller with no shutdown requested.
func New() *Controller {
	return &Controller{}
}

// Begin arms the controller with a deadline d from now. Calling it
// again while already armed extends (or shortens) the deadline but
// does not otherwise reset state.
func (c *Controller) Begin(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = true
	c.deadline = time.Now().Add(d)
}

// Armed reports whether a graceful shutdown is in progress.
func (c *Controller) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Expired reports whether the deadline has passed. False if not armed.
func (c *Controller) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed && !c.deadline.IsZero() && time.Now().After(c.deadline)
}

// Clear disarms the controller, used once shutdown is declared
// complete (or abandoned).
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = false
	c.deadline = time.Time{}
}
