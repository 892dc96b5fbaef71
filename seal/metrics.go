// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package seal

import "github.com/luxfi/metric"

type metrics struct {
	keysGenerated     metric.Counter
	keysDerived       metric.Counter
	encryptions       metric.Counter
	decryptions       metric.Counter
	integrityFailures metric.Counter
	failures          metric.Counter
	bundlesCreated    metric.Counter
	bundlesRotated    metric.Counter
}

func newMetrics(metric.Registerer) (*metrics, error) {
	return &metrics{
		keysGenerated: metric.NewCounter(metric.CounterOpts{
			Name: "seal_keys_generated",
			Help: "Number of sealing keys generated",
		}),
		keysDerived: metric.NewCounter(metric.CounterOpts{
			Name: "seal_keys_derived",
			Help: "Number of sealing keys derived",
		}),
		encryptions: metric.NewCounter(metric.CounterOpts{
			Name: "seal_encryptions",
			Help: "Number of successful encryptions",
		}),
		decryptions: metric.NewCounter(metric.CounterOpts{
			Name: "seal_decryptions",
			Help: "Number of successful decryptions",
		}),
		integrityFailures: metric.NewCounter(metric.CounterOpts{
			Name: "seal_integrity_failures",
			Help: "Number of failed authentication tag checks",
		}),
		failures: metric.NewCounter(metric.CounterOpts{
			Name: "seal_failures",
			Help: "Number of failed sealing operations",
		}),
		bundlesCreated: metric.NewCounter(metric.CounterOpts{
			Name: "seal_bundles_created",
			Help: "Number of key bundles created",
		}),
		bundlesRotated: metric.NewCounter(metric.CounterOpts{
			Name: "seal_bundles_rotated",
			Help: "Number of key bundles rotated",
		}),
	}, nil
}
