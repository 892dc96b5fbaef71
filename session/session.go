// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package session implements the secure session protocol: handshake,
// strictly ordered encrypted messaging with replay protection and per-peer
// rate limiting, session renewal, and idempotent termination.
package session

import (
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/qcomm/seal"
)

// State is the lifecycle state of a session.
type State uint8

const (
	StateInitiated State = iota
	StateHandshaking
	StateEstablished
	StateRenewing
	StateTerminating
	StateTerminated
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateRenewing:
		return "renewing"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// SessionKeys is the key material derived from one handshake: independent
// keys for encryption, message authentication, and session binding.
type SessionKeys struct {
	Encryption     []byte
	Authentication []byte
	Session        []byte
}

// HandshakeInfo records how the session's keys were established.
type HandshakeInfo struct {
	LocalNonce   []byte
	RemoteStatic []byte
	Duration     time.Duration
	CompletedAt  time.Time
}

// Metrics counts per-session activity.
type Metrics struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Violations       uint64
}

// Session is one secure channel with a peer. All mutation happens under the
// protocol's lock; accessors hand out snapshots.
type Session struct {
	ID        ids.ID
	PeerID    ids.NodeID
	Version   string
	State     State
	CreatedAt time.Time
	ExpiresAt time.Time

	Keys      SessionKeys
	Context   seal.SecurityContext
	Handshake HandshakeInfo
	Metrics   Metrics

	// localSeq is the last sequence number we sent; remoteSeq the last we
	// accepted. Both reset when the session renews its keys.
	localSeq  uint64
	remoteSeq uint64

	// sealKeyID is the sealer key holding the encryption half of Keys.
	sealKeyID ids.ID

	history []*Message
}

func (s *Session) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// snapshot deep-copies the exported state for callers outside the lock.
func (s *Session) snapshot() *Session {
	cp := *s
	cp.Keys = SessionKeys{
		Encryption:     append([]byte(nil), s.Keys.Encryption...),
		Authentication: append([]byte(nil), s.Keys.Authentication...),
		Session:        append([]byte(nil), s.Keys.Session...),
	}
	cp.Handshake.LocalNonce = append([]byte(nil), s.Handshake.LocalNonce...)
	cp.Handshake.RemoteStatic = append([]byte(nil), s.Handshake.RemoteStatic...)
	cp.history = append([]*Message(nil), s.history...)
	return &cp
}
