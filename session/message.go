// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/qcomm/seal"
)

// MessageType classifies protocol messages.
type MessageType uint8

const (
	HandshakeInit MessageType = iota
	HandshakeResponse
	HandshakeComplete
	Data
	Acknowledgment
	Heartbeat
	SessionRenewal
	SessionTermination
	ErrorNotice
	KeepAlive
)

func (t MessageType) String() string {
	switch t {
	case HandshakeInit:
		return "handshake-init"
	case HandshakeResponse:
		return "handshake-response"
	case HandshakeComplete:
		return "handshake-complete"
	case Data:
		return "data"
	case Acknowledgment:
		return "ack"
	case Heartbeat:
		return "heartbeat"
	case SessionRenewal:
		return "session-renewal"
	case SessionTermination:
		return "session-termination"
	case ErrorNotice:
		return "error"
	case KeepAlive:
		return "keep-alive"
	default:
		return "unknown"
	}
}

// Priority orders messages for delivery scheduling.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// DeliveryGuarantee is the delivery contract requested by the sender.
type DeliveryGuarantee uint8

const (
	AtMostOnce DeliveryGuarantee = iota
	AtLeastOnce
	ExactlyOnce
)

func (g DeliveryGuarantee) String() string {
	switch g {
	case AtMostOnce:
		return "at-most-once"
	case AtLeastOnce:
		return "at-least-once"
	case ExactlyOnce:
		return "exactly-once"
	default:
		return "unknown"
	}
}

// RoutingHeader carries multi-hop delivery state.
type RoutingHeader struct {
	Source      ids.NodeID `json:"source"`
	Destination ids.NodeID `json:"destination"`
	HopCount    int        `json:"hopCount"`
	MaxHops     int        `json:"maxHops"`
	Priority    Priority   `json:"priority"`
}

// Message is a protocol message. Payload is ciphertext for Data messages;
// Nonce and Tag travel with it and are required to open it.
type Message struct {
	ID         ids.ID               `json:"id"`
	Version    string               `json:"version"`
	Type       MessageType          `json:"type"`
	SessionID  ids.ID               `json:"sessionID"`
	Sequence   uint64               `json:"sequence"`
	Timestamp  time.Time            `json:"timestamp"`
	Payload    []byte               `json:"payload"`
	Nonce      []byte               `json:"nonce,omitempty"`
	Tag        []byte               `json:"tag,omitempty"`
	Compressed bool                 `json:"compressed,omitempty"`
	Signature  []byte               `json:"signature,omitempty"`
	Guarantee  DeliveryGuarantee    `json:"guarantee"`
	Routing    RoutingHeader        `json:"routing"`
	Context    seal.SecurityContext `json:"context"`
}

// digest is the canonical digest a message signature covers: everything that
// identifies and transports the payload, excluding the signature itself.
func (m *Message) digest() []byte {
	h := sha256.New()
	h.Write(m.ID[:])
	h.Write([]byte(m.Version))
	h.Write([]byte{byte(m.Type)})
	h.Write(m.SessionID[:])

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], m.Sequence)
	h.Write(seq[:])

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(m.Timestamp.UnixNano()))
	h.Write(ts[:])

	h.Write(m.Payload)
	h.Write(m.Nonce)
	h.Write(m.Tag)
	return h.Sum(nil)
}

// aad binds a ciphertext to its session and sequence position.
func (m *Message) aad() []byte {
	buf := make([]byte, len(m.SessionID)+8)
	copy(buf, m.SessionID[:])
	binary.BigEndian.PutUint64(buf[len(m.SessionID):], m.Sequence)
	return buf
}
