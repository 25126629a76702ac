package races

import (
	"sync"
	"time"
)

// countdownTimers holds at most one armed timer per room. A timer carries the
// room version it was armed for; the fire callback must discard it when the
// room has moved on.
type countdownTimers struct {
	mu     sync.Mutex
	timers map[uint64]*armedCountdown
	fire   func(roomID uint64, version int64)
	closed bool
}

type armedCountdown struct {
	version int64
	timer   *time.Timer
}

func newCountdownTimers(fire func(roomID uint64, version int64)) *countdownTimers {
	return &countdownTimers{
		timers: make(map[uint64]*armedCountdown),
		fire:   fire,
	}
}

// arm replaces any timer of the room with one keyed to version.
func (c *countdownTimers) arm(roomID uint64, version int64, deadline time.Time, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if existing, ok := c.timers[roomID]; ok {
		existing.timer.Stop()
	}
	entry := &armedCountdown{version: version}
	entry.timer = time.AfterFunc(deadline.Sub(now), func() {
		c.mu.Lock()
		current, ok := c.timers[roomID]
		if !ok || current != entry {
			c.mu.Unlock()
			return
		}
		delete(c.timers, roomID)
		c.mu.Unlock()
		c.fire(roomID, version)
	})
	c.timers[roomID] = entry
}

func (c *countdownTimers) disarm(roomID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.timers[roomID]; ok {
		existing.timer.Stop()
		delete(c.timers, roomID)
	}
}

// armed returns the version the room's timer is keyed to.
func (c *countdownTimers) armed(roomID uint64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.timers[roomID]
	if !ok {
		return 0, false
	}
	return entry.version, true
}

func (c *countdownTimers) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for roomID, entry := range c.timers {
		entry.timer.Stop()
		delete(c.timers, roomID)
	}
}
