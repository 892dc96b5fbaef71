// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mockable

import (
	"sync"
	"time"
)

// Clock acts as a thin wrapper around global time that allows for easy
// testing. It is safe for concurrent use.
type Clock struct {
	mu    sync.RWMutex
	faked bool
	time  time.Time
}

// Set the time on the clock.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faked = true
	c.time = t
}

// Sync this clock with global time.
func (c *Clock) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faked = false
}

// Time returns the time on this clock.
func (c *Clock) Time() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.faked {
		return c.time
	}
	return time.Now()
}

// Unix returns the unix timestamp on this clock, clamped at zero.
func (c *Clock) Unix() uint64 {
	unix := max(c.Time().Unix(), 0)
	return uint64(unix)
}
