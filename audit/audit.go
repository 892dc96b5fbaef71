// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package audit provides an append-only, bounded ring of security events
// shared by the keychain, seal, and session subsystems. External
// observability tooling consumes snapshots; the ring never blocks writers.
package audit

import (
	"sync"
	"time"

	"github.com/luxfi/ids"
)

// EventType identifies the kind of security event being recorded.
type EventType string

const (
	EventKeyGenerated      EventType = "key_generated"
	EventKeyDerived        EventType = "key_derived"
	EventKeyRotated        EventType = "key_rotated"
	EventKeyRevoked        EventType = "key_revoked"
	EventKeyExpired        EventType = "key_expired"
	EventBundleCreated     EventType = "bundle_created"
	EventBundleRotated     EventType = "bundle_rotated"
	EventEncryption        EventType = "encryption"
	EventDecryption        EventType = "decryption"
	EventSessionInitiated  EventType = "session_initiated"
	EventHandshakeComplete EventType = "handshake_complete"
	EventSessionRenewed    EventType = "session_renewed"
	EventSessionTerminated EventType = "session_terminated"
	EventReplayDetected    EventType = "replay_detected"
	EventAuthFailure       EventType = "authentication_failure"
	EventIntegrityFailure  EventType = "integrity_failure"
	EventRateLimited       EventType = "rate_limited"
	EventSecurityViolation EventType = "security_violation"
)

// Severity classifies how urgently an event should be surfaced.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is a single audit record. Subject is the key, bundle, or session the
// event concerns; Detail carries free-form context for external tooling.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Subject   ids.ID            `json:"subject"`
	Severity  Severity          `json:"severity"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Log is a fixed-capacity ring of events. Once full, the oldest event is
// overwritten. Safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	events []Event
	head   int
	size   int
}

// NewLog returns a Log retaining at most capacity events.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1
	}
	return &Log{
		events: make([]Event, capacity),
	}
}

// Record appends an event, evicting the oldest if the ring is full.
func (l *Log) Record(typ EventType, subject ids.ID, severity Severity, detail map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events[l.head] = Event{
		Timestamp: time.Now(),
		Type:      typ,
		Subject:   subject,
		Severity:  severity,
		Detail:    detail,
	}
	l.head = (l.head + 1) % len(l.events)
	if l.size < len(l.events) {
		l.size++
	}
}

// Events returns a snapshot of retained events, oldest first.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, 0, l.size)
	start := l.head - l.size
	if start < 0 {
		start += len(l.events)
	}
	for i := 0; i < l.size; i++ {
		out = append(out, l.events[(start+i)%len(l.events)])
	}
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}
