// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"sync"
	"time"

	"github.com/luxfi/cache"
	"github.com/luxfi/ids"
)

const replayCacheSize = 4096

// replayCache remembers message IDs seen inside the replay window. It is a
// dedup guard on top of the authoritative sequence check: a replayed
// message is caught here even if sequence state was lost to renewal.
type replayCache struct {
	window time.Duration

	lock sync.Mutex
	seen *cache.LRU[ids.ID, int64]
	// order mirrors insertion order so prune can walk oldest-first; the LRU
	// itself has no iteration.
	order []replayEntry
}

type replayEntry struct {
	id ids.ID
	at int64
}

func newReplayCache(window time.Duration) *replayCache {
	return &replayCache{
		window: window,
		seen:   cache.NewLRU[ids.ID, int64](replayCacheSize),
	}
}

// admissible reports whether a message could still be admitted: stamped
// inside the window and not yet seen. It records nothing, so callers can
// test admission before committing to the expensive work of accepting the
// message.
func (rc *replayCache) admissible(msgID ids.ID, stamp, now time.Time) bool {
	if now.Sub(stamp) > rc.window || stamp.Sub(now) > rc.window {
		return false
	}

	rc.lock.Lock()
	defer rc.lock.Unlock()

	_, ok := rc.seen.Get(msgID)
	return !ok
}

// check admits a message exactly once inside the window. Messages stamped
// outside the window and IDs already seen are refused.
func (rc *replayCache) check(msgID ids.ID, stamp, now time.Time) bool {
	if now.Sub(stamp) > rc.window || stamp.Sub(now) > rc.window {
		return false
	}

	rc.lock.Lock()
	defer rc.lock.Unlock()

	if _, ok := rc.seen.Get(msgID); ok {
		return false
	}
	rc.seen.Put(msgID, stamp.UnixNano())
	rc.order = append(rc.order, replayEntry{id: msgID, at: stamp.UnixNano()})
	return true
}

// prune evicts entries whose stamps have aged out of the window and returns
// how many were removed.
func (rc *replayCache) prune(now time.Time) int {
	cutoff := now.Add(-rc.window).UnixNano()

	rc.lock.Lock()
	defer rc.lock.Unlock()

	removed := 0
	for len(rc.order) > 0 && rc.order[0].at < cutoff {
		rc.seen.Evict(rc.order[0].id)
		rc.order = rc.order[1:]
		removed++
	}
	return removed
}

func (rc *replayCache) len() int {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	return len(rc.order)
}
