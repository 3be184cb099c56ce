package room

import (
	"sync"
	"time"
)

// countdown fires a callback after a fixed duration unless stopped first.
// It is safe for concurrent use.
type countdown struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// startCountdown schedules onFire to run in its own goroutine after d.
//
// Precondition: onFire must not be nil.
// Postcondition: onFire runs at most once, and never after Stop has returned
// unless it had already begun.
func startCountdown(d time.Duration, onFire func()) *countdown {
	c := &countdown{}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if !stopped {
			onFire()
		}
	})
	return c
}

// Stop prevents the callback from firing. Safe to call multiple times and on nil.
func (c *countdown) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.timer.Stop()
}
