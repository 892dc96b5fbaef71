// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"sync"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/qcomm/config"
)

const rateWindow = time.Second

// rateLimiter enforces per-peer message and byte budgets over a sliding
// one-second window. A peer that exceeds its budget is blocked for the
// configured penalty duration.
type rateLimiter struct {
	cfg config.RateLimitConfig

	lock  sync.Mutex
	peers map[ids.NodeID]*peerWindow
}

type peerWindow struct {
	windowStart  time.Time
	messages     int
	bytes        int64
	violations   int
	blockedUntil time.Time
	lastSeen     time.Time
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		cfg:   cfg,
		peers: make(map[ids.NodeID]*peerWindow),
	}
}

// allow reports whether the peer may send size more bytes now. A refusal
// counts as a violation and starts the penalty.
func (rl *rateLimiter) allow(peer ids.NodeID, size int, now time.Time) bool {
	rl.lock.Lock()
	defer rl.lock.Unlock()

	w, ok := rl.peers[peer]
	if !ok {
		w = &peerWindow{windowStart: now}
		rl.peers[peer] = w
	}
	w.lastSeen = now

	if now.Before(w.blockedUntil) {
		return false
	}
	if now.Sub(w.windowStart) >= rateWindow {
		w.windowStart = now
		w.messages = 0
		w.bytes = 0
	}

	if w.messages+1 > rl.cfg.MaxMessagesPerSecond+rl.cfg.BurstSize ||
		w.bytes+int64(size) > rl.cfg.MaxBytesPerSecond {
		w.violations++
		w.blockedUntil = now.Add(rl.cfg.PenaltyDuration)
		return false
	}
	w.messages++
	w.bytes += int64(size)
	return true
}

// violations returns how many times the peer has been refused.
func (rl *rateLimiter) violations(peer ids.NodeID) int {
	rl.lock.Lock()
	defer rl.lock.Unlock()

	if w, ok := rl.peers[peer]; ok {
		return w.violations
	}
	return 0
}

// prune drops peers idle longer than the given age.
func (rl *rateLimiter) prune(now time.Time, idle time.Duration) {
	rl.lock.Lock()
	defer rl.lock.Unlock()

	for peer, w := range rl.peers {
		if now.Sub(w.lastSeen) > idle && !now.Before(w.blockedUntil) {
			delete(rl.peers, peer)
		}
	}
}
