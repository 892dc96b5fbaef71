// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import "github.com/luxfi/metric"

type metrics struct {
	sessionsInitiated   metric.Counter
	handshakesCompleted metric.Counter
	messagesSent        metric.Counter
	messagesReceived    metric.Counter
	replaysDetected     metric.Counter
	authFailures        metric.Counter
	rateLimited         metric.Counter
	sessionsRenewed     metric.Counter
	sessionsTerminated  metric.Counter
	activeSessions      metric.Gauge
	handshakeDuration   metric.Gauge
}

func newMetrics(metric.Registerer) (*metrics, error) {
	return &metrics{
		sessionsInitiated: metric.NewCounter(metric.CounterOpts{
			Name: "session_initiated",
			Help: "Number of sessions initiated",
		}),
		handshakesCompleted: metric.NewCounter(metric.CounterOpts{
			Name: "session_handshakes_completed",
			Help: "Number of completed handshakes",
		}),
		messagesSent: metric.NewCounter(metric.CounterOpts{
			Name: "session_messages_sent",
			Help: "Number of messages sent",
		}),
		messagesReceived: metric.NewCounter(metric.CounterOpts{
			Name: "session_messages_received",
			Help: "Number of messages received and accepted",
		}),
		replaysDetected: metric.NewCounter(metric.CounterOpts{
			Name: "session_replays_detected",
			Help: "Number of replayed or out-of-order messages refused",
		}),
		authFailures: metric.NewCounter(metric.CounterOpts{
			Name: "session_auth_failures",
			Help: "Number of failed message or handshake authentications",
		}),
		rateLimited: metric.NewCounter(metric.CounterOpts{
			Name: "session_rate_limited",
			Help: "Number of operations refused by the rate limiter",
		}),
		sessionsRenewed: metric.NewCounter(metric.CounterOpts{
			Name: "session_renewed",
			Help: "Number of session renewals",
		}),
		sessionsTerminated: metric.NewCounter(metric.CounterOpts{
			Name: "session_terminated",
			Help: "Number of sessions terminated",
		}),
		activeSessions: metric.NewGauge(metric.GaugeOpts{
			Name: "session_active",
			Help: "Number of sessions tracked",
		}),
		handshakeDuration: metric.NewGauge(metric.GaugeOpts{
			Name: "session_handshake_duration_seconds",
			Help: "Duration of the most recent handshake",
		}),
	}, nil
}
