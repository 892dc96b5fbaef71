// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keychain

import "github.com/luxfi/metric"

type metrics struct {
	keysGenerated metric.Counter
	keysDerived   metric.Counter
	keysRotated   metric.Counter
	keysRevoked   metric.Counter
	keysExpired   metric.Counter
	activeKeys    metric.Gauge
}

func newMetrics(metric.Registerer) (*metrics, error) {
	return &metrics{
		keysGenerated: metric.NewCounter(metric.CounterOpts{
			Name: "keychain_keys_generated",
			Help: "Number of keys generated",
		}),
		keysDerived: metric.NewCounter(metric.CounterOpts{
			Name: "keychain_keys_derived",
			Help: "Number of keys derived from a parent key",
		}),
		keysRotated: metric.NewCounter(metric.CounterOpts{
			Name: "keychain_keys_rotated",
			Help: "Number of completed key rotations",
		}),
		keysRevoked: metric.NewCounter(metric.CounterOpts{
			Name: "keychain_keys_revoked",
			Help: "Number of keys revoked or marked compromised",
		}),
		keysExpired: metric.NewCounter(metric.CounterOpts{
			Name: "keychain_keys_expired",
			Help: "Number of keys swept to expired",
		}),
		activeKeys: metric.NewGauge(metric.GaugeOpts{
			Name: "keychain_active_keys",
			Help: "Number of keys currently active",
		}),
	}, nil
}

func (kc *Keychain) countActive() int {
	kc.lock.RLock()
	defer kc.lock.RUnlock()

	active := 0
	for _, key := range kc.keys {
		if key.Status == StatusActive {
			active++
		}
	}
	return active
}
