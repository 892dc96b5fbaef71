// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package seal implements the hybrid encryption layer: authenticated
// encryption under scheme-aware keys, key bundles rotating as a unit, and
// best-effort payload compression.
package seal

import (
	"fmt"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/qcomm/config"
	"github.com/luxfi/qcomm/keychain"
)

// Scheme is an authenticated encryption scheme.
type Scheme uint8

const (
	AES256GCM Scheme = iota
	ChaCha20Poly1305
	// HybridPQ keys carry a post-quantum-derived component and a classical
	// component of equal length; the AEAD key is the HKDF combination of
	// both.
	HybridPQ
)

func (s Scheme) String() string {
	switch s {
	case AES256GCM:
		return config.SchemeAES256GCM
	case ChaCha20Poly1305:
		return config.SchemeChaCha20Poly1305
	case HybridPQ:
		return config.SchemeHybridPQ
	default:
		return "unknown"
	}
}

// ParseScheme maps a configured scheme name to its Scheme.
func ParseScheme(name string) (Scheme, error) {
	switch name {
	case config.SchemeAES256GCM:
		return AES256GCM, nil
	case config.SchemeChaCha20Poly1305:
		return ChaCha20Poly1305, nil
	case config.SchemeHybridPQ:
		return HybridPQ, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidScheme, name)
	}
}

// KeySize returns the key material size in bytes.
func (s Scheme) KeySize() int {
	switch s {
	case HybridPQ:
		return 64
	default:
		return 32
	}
}

// NonceSize returns the AEAD nonce size in bytes. All supported schemes use
// 96-bit nonces.
func (s Scheme) NonceSize() int {
	return 12
}

// EncryptionKey is a sealing key owned by the Sealer. Distinct from the
// keychain's lifecycle records: these keys exist to encrypt and are expired
// by deletion, not archival.
type EncryptionKey struct {
	ID            ids.ID
	Type          keychain.KeyType
	Scheme        Scheme
	Material      []byte
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UsageCount    uint64
	SecurityLevel int
	Restrictions  []keychain.UsageRestriction
	Derivation    *keychain.DerivationInfo
}

func (k *EncryptionKey) allows(r keychain.UsageRestriction) bool {
	for _, granted := range k.Restrictions {
		if granted == r {
			return true
		}
	}
	return false
}

func (k *EncryptionKey) expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

func (k *EncryptionKey) clone() *EncryptionKey {
	cp := *k
	cp.Material = append([]byte(nil), k.Material...)
	cp.Restrictions = append([]keychain.UsageRestriction(nil), k.Restrictions...)
	if k.Derivation != nil {
		d := *k.Derivation
		cp.Derivation = &d
	}
	return &cp
}

// SecurityContext describes the guarantees that held for an operation.
type SecurityContext struct {
	SecurityLevel    int  `json:"securityLevel"`
	ForwardSecrecy   bool `json:"forwardSecrecy"`
	ReplayProtection bool `json:"replayProtection"`
	Integrity        bool `json:"integrity"`
	Confidentiality  bool `json:"confidentiality"`
}

// Result is the outcome of an encryption. The authentication tag is carried
// explicitly and must travel with the ciphertext.
type Result struct {
	Ciphertext []byte        `json:"ciphertext"`
	Nonce      []byte        `json:"nonce"`
	Tag        []byte        `json:"tag"`
	KeyID      ids.ID        `json:"keyID"`
	Scheme     Scheme        `json:"scheme"`
	Compressed bool          `json:"compressed"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Plaintext is the outcome of a decryption.
type Plaintext struct {
	Data          []byte          `json:"data"`
	Verified      bool            `json:"verified"`
	WasCompressed bool            `json:"wasCompressed"`
	Context       SecurityContext `json:"context"`
}

// Stats is a running summary of sealing activity.
type Stats struct {
	Operations      uint64        `json:"operations"`
	BytesIn         uint64        `json:"bytesIn"`
	BytesOut        uint64        `json:"bytesOut"`
	Failures        uint64        `json:"failures"`
	AverageDuration time.Duration `json:"averageDuration"`

	totalDuration time.Duration
}

func (s *Stats) record(in, out int, d time.Duration) {
	s.Operations++
	s.BytesIn += uint64(in)
	s.BytesOut += uint64(out)
	s.totalDuration += d
	s.AverageDuration = s.totalDuration / time.Duration(s.Operations)
}
