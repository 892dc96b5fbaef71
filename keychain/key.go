// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package keychain implements the key lifecycle engine: declarative
// policy-driven generation, derivation, rotation, revocation, and expiry of
// cryptographic keys. Key status moves one way through the lifecycle; no
// status ever returns to Active.
package keychain

import (
	"time"

	"github.com/luxfi/ids"
)

// KeyType classifies what a key is for.
type KeyType uint8

const (
	TypeEncryption KeyType = iota
	TypeAuthentication
	TypeKeyExchange
	TypeMaster
	TypeDerived
)

func (t KeyType) String() string {
	switch t {
	case TypeEncryption:
		return "encryption"
	case TypeAuthentication:
		return "authentication"
	case TypeKeyExchange:
		return "key-exchange"
	case TypeMaster:
		return "master"
	case TypeDerived:
		return "derived"
	default:
		return "unknown"
	}
}

// UsageRestriction names a single operation a key may be used for.
type UsageRestriction uint8

const (
	CanEncrypt UsageRestriction = iota
	CanDecrypt
	CanSign
	CanVerify
	CanDerive
	CanExport
)

func (r UsageRestriction) String() string {
	switch r {
	case CanEncrypt:
		return "encrypt"
	case CanDecrypt:
		return "decrypt"
	case CanSign:
		return "sign"
	case CanVerify:
		return "verify"
	case CanDerive:
		return "derive"
	case CanExport:
		return "export"
	default:
		return "unknown"
	}
}

// Allows reports whether the key type permits the restriction at all. A
// policy may only grant a subset of what the type permits.
func (t KeyType) Allows(r UsageRestriction) bool {
	switch t {
	case TypeEncryption:
		return r == CanEncrypt || r == CanDecrypt
	case TypeAuthentication:
		return r == CanSign || r == CanVerify
	case TypeKeyExchange:
		return r == CanDerive
	case TypeMaster:
		return r == CanDerive || r == CanExport
	case TypeDerived:
		// Derived keys are constrained by their policy and parent, not by
		// the type itself.
		return true
	default:
		return false
	}
}

// KeyStatus is the lifecycle status of a key.
type KeyStatus uint8

const (
	StatusActive KeyStatus = iota
	StatusExpired
	StatusRevoked
	StatusCompromised
	StatusRotated
	StatusArchived
)

func (s KeyStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusExpired:
		return "expired"
	case StatusRevoked:
		return "revoked"
	case StatusCompromised:
		return "compromised"
	case StatusRotated:
		return "rotated"
	case StatusArchived:
		return "archived"
	default:
		return "unknown"
	}
}

// CanTransitionTo encodes the one-directional status lattice. Archived is
// terminal and nothing transitions back to Active.
func (s KeyStatus) CanTransitionTo(next KeyStatus) bool {
	switch s {
	case StatusActive:
		return next == StatusExpired ||
			next == StatusRevoked ||
			next == StatusCompromised ||
			next == StatusRotated ||
			next == StatusArchived
	case StatusExpired, StatusRotated:
		return next == StatusRevoked ||
			next == StatusCompromised ||
			next == StatusArchived
	case StatusRevoked, StatusCompromised:
		return next == StatusArchived
	default:
		return false
	}
}

// DerivationInfo records how a derived key was produced from its parent.
type DerivationInfo struct {
	ParentID ids.ID `json:"parentID"`
	Context  []byte `json:"context"`
	Salt     []byte `json:"salt"`
	Info     []byte `json:"info"`
	Depth    int    `json:"depth"`
}

// Key is a managed key. Everything except UsageCount and Status is immutable
// after creation. Accessors return copies; private material is never aliased
// outside the keychain.
type Key struct {
	ID            ids.ID             `json:"id"`
	Type          KeyType            `json:"type"`
	Algorithm     string             `json:"algorithm"`
	Public        []byte             `json:"public,omitempty"`
	Private       []byte             `json:"-"`
	CreatedAt     time.Time          `json:"createdAt"`
	ExpiresAt     time.Time          `json:"expiresAt"`
	UsageCount    uint64             `json:"usageCount"`
	SecurityLevel int                `json:"securityLevel"`
	Derivation    *DerivationInfo    `json:"derivation,omitempty"`
	Restrictions  []UsageRestriction `json:"restrictions"`
	Status        KeyStatus          `json:"status"`

	policy KeyPolicy
}

// Allows reports whether the key's policy grants the restriction.
func (k *Key) Allows(r UsageRestriction) bool {
	for _, granted := range k.Restrictions {
		if granted == r {
			return true
		}
	}
	return false
}

// Expired reports whether the key is past its expiry at the given time.
func (k *Key) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

func (k *Key) clone() *Key {
	cp := *k
	cp.Public = append([]byte(nil), k.Public...)
	cp.Private = append([]byte(nil), k.Private...)
	cp.Restrictions = append([]UsageRestriction(nil), k.Restrictions...)
	if k.Derivation != nil {
		d := *k.Derivation
		d.Context = append([]byte(nil), k.Derivation.Context...)
		d.Salt = append([]byte(nil), k.Derivation.Salt...)
		d.Info = append([]byte(nil), k.Derivation.Info...)
		cp.Derivation = &d
	}
	return &cp
}
