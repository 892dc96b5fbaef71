// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/luxfi/qcomm/audit"
	"github.com/luxfi/qcomm/config"
	"github.com/luxfi/qcomm/keychain"
	"github.com/luxfi/qcomm/provider"
	"github.com/luxfi/qcomm/utils"
	"github.com/luxfi/qcomm/utils/compression"
	"github.com/luxfi/qcomm/utils/timer/mockable"
)

var (
	ErrKeyNotFound       = errors.New("encryption key not found")
	ErrKeyExpired        = errors.New("encryption key expired")
	ErrSecurityViolation = errors.New("security violation")
	ErrInvalidScheme     = errors.New("invalid encryption scheme")
	ErrInvalidStrength   = errors.New("invalid key strength for scheme")
	ErrEncryptionFailed  = errors.New("encryption failed")
	ErrIntegrityFailure  = errors.New("integrity check failed")
	ErrPolicyViolation   = errors.New("policy violation")
	ErrBundleNotFound    = errors.New("key bundle not found")
)

const aeadTagSize = 16

// Domain separation label combining the two halves of a hybrid key into one
// AEAD key.
var hybridAEADInfo = []byte("qcomm/v1/hybrid-aead")

// Sealer owns encryption keys and bundles and performs authenticated
// encryption under them.
type Sealer struct {
	cfg        config.Config
	prov       provider.Provider
	log        log.Logger
	audit      *audit.Log
	metrics    *metrics
	compressor compression.Compressor

	clock mockable.Clock

	lock    sync.RWMutex
	keys    map[ids.ID]*EncryptionKey
	bundles map[ids.ID]*KeyBundle
	stats   Stats
}

// New returns a sealer. prov supplies the post-quantum component of hybrid
// keys.
func New(
	cfg config.Config,
	prov provider.Provider,
	auditLog *audit.Log,
	logger log.Logger,
	registerer metric.Registerer,
) (*Sealer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	compressor, err := compression.NewZstdCompressor(int64(cfg.MaxMessageSize))
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(registerer)
	if err != nil {
		return nil, err
	}
	return &Sealer{
		cfg:        cfg,
		prov:       prov,
		log:        logger,
		audit:      auditLog,
		metrics:    m,
		compressor: compressor,
		keys:       make(map[ids.ID]*EncryptionKey),
		bundles:    make(map[ids.ID]*KeyBundle),
	}, nil
}

// GenerateKey creates a key for the scheme at the requested strength in
// bits. AES-256-GCM and ChaCha20-Poly1305 admit only 256; hybrid admits 256
// and up, choosing the ML-KEM parameter set from the strength.
func (s *Sealer) GenerateKey(
	typ keychain.KeyType,
	scheme Scheme,
	strength int,
	derivation *keychain.DerivationInfo,
) (*EncryptionKey, error) {
	material, err := s.generateMaterial(scheme, strength)
	if err != nil {
		return nil, err
	}

	var id ids.ID
	if _, err := rand.Read(id[:]); err != nil {
		return nil, err
	}
	now := s.clock.Time()
	key := &EncryptionKey{
		ID:            id,
		Type:          typ,
		Scheme:        scheme,
		Material:      material,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.KeyRenewalInterval),
		SecurityLevel: strength,
		Restrictions:  defaultRestrictions(typ),
		Derivation:    derivation,
	}

	s.lock.Lock()
	s.keys[key.ID] = key
	s.lock.Unlock()

	s.metrics.keysGenerated.Inc()
	s.log.Debug("generated sealing key", "keyID", key.ID, "scheme", scheme, "strength", strength)
	return key.clone(), nil
}

// DeriveKey derives a new sealing key from an existing one with domain
// separation over context and info. The source must carry the derive grant.
func (s *Sealer) DeriveKey(
	sourceID ids.ID,
	typ keychain.KeyType,
	scheme Scheme,
	context, info []byte,
) (*EncryptionKey, error) {
	s.lock.RLock()
	source, ok := s.keys[sourceID]
	if !ok {
		s.lock.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, sourceID)
	}
	if !source.allows(keychain.CanDerive) {
		s.lock.RUnlock()
		return nil, fmt.Errorf("%w: source does not permit derivation", ErrSecurityViolation)
	}
	secret := append([]byte(nil), source.Material...)
	sourceLevel := source.SecurityLevel
	sourceDepth := 0
	if source.Derivation != nil {
		sourceDepth = source.Derivation.Depth
	}
	s.lock.RUnlock()

	material := make([]byte, scheme.KeySize())
	label := append([]byte("qcomm/v1/seal-derive|"), context...)
	kdf := hkdf.New(sha256.New, secret, nil, append(label, info...))
	if _, err := io.ReadFull(kdf, material); err != nil {
		return nil, err
	}
	utils.ZeroBytes(secret)

	var id ids.ID
	if _, err := rand.Read(id[:]); err != nil {
		return nil, err
	}
	now := s.clock.Time()
	key := &EncryptionKey{
		ID:            id,
		Type:          typ,
		Scheme:        scheme,
		Material:      material,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.KeyRenewalInterval),
		SecurityLevel: sourceLevel,
		Restrictions:  defaultRestrictions(typ),
		Derivation: &keychain.DerivationInfo{
			ParentID: sourceID,
			Context:  append([]byte(nil), context...),
			Info:     append([]byte(nil), info...),
			Depth:    sourceDepth + 1,
		},
	}

	s.lock.Lock()
	s.keys[key.ID] = key
	s.lock.Unlock()

	s.metrics.keysDerived.Inc()
	return key.clone(), nil
}

// ImportKey registers externally derived material, typically session keys
// from a handshake. The material length must match the scheme.
func (s *Sealer) ImportKey(
	material []byte,
	typ keychain.KeyType,
	scheme Scheme,
) (*EncryptionKey, error) {
	if len(material) != scheme.KeySize() {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d",
			ErrInvalidStrength, scheme, scheme.KeySize(), len(material))
	}
	var id ids.ID
	if _, err := rand.Read(id[:]); err != nil {
		return nil, err
	}
	now := s.clock.Time()
	key := &EncryptionKey{
		ID:            id,
		Type:          typ,
		Scheme:        scheme,
		Material:      append([]byte(nil), material...),
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.KeyRenewalInterval),
		SecurityLevel: 256,
		Restrictions:  defaultRestrictions(typ),
	}

	s.lock.Lock()
	s.keys[key.ID] = key
	s.lock.Unlock()
	return key.clone(), nil
}

// Encrypt encrypts plaintext under the key, authenticating aad. Compression
// is best effort: applied only when enabled and it actually shrinks the
// payload.
func (s *Sealer) Encrypt(plaintext []byte, keyID ids.ID, aad []byte) (*Result, error) {
	start := s.clock.Time()

	// Size is checked before useKey so a refused payload does not count
	// against the key's usage budget.
	if len(plaintext) > s.cfg.MaxMessageSize {
		s.fail()
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrSecurityViolation, s.cfg.MaxMessageSize)
	}

	key, err := s.useKey(keyID, keychain.CanEncrypt)
	if err != nil {
		s.fail()
		return nil, err
	}

	data := plaintext
	compressed := false
	if s.cfg.EnableCompression {
		if c, err := s.compressor.Compress(plaintext); err == nil && len(c) < len(plaintext) {
			data = c
			compressed = true
		}
	}

	aead, err := newAEAD(key)
	if err != nil {
		s.fail()
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, key.Scheme.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		s.fail()
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}
	sealed := aead.Seal(nil, nonce, data, aad)

	// The tag travels separately from the ciphertext and is required to
	// open it. It is never recomputed from anything else.
	split := len(sealed) - aeadTagSize
	duration := s.clock.Time().Sub(start)

	s.lock.Lock()
	s.stats.record(len(plaintext), split, duration)
	s.lock.Unlock()

	s.metrics.encryptions.Inc()
	s.audit.Record(audit.EventEncryption, keyID, audit.SeverityInfo, nil)
	return &Result{
		Ciphertext: sealed[:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
		KeyID:      keyID,
		Scheme:     key.Scheme,
		Compressed: compressed,
		Duration:   duration,
		Timestamp:  start,
	}, nil
}

// Decrypt opens ciphertext with the tag produced at encryption time. When
// compressed is set, decompression is attempted; payloads without zstd
// framing are accepted as-is.
func (s *Sealer) Decrypt(ciphertext, nonce, tag []byte, keyID ids.ID, aad []byte, compressed bool) (*Plaintext, error) {
	key, err := s.useKey(keyID, keychain.CanDecrypt)
	if err != nil {
		s.fail()
		return nil, err
	}

	aead, err := newAEAD(key)
	if err != nil {
		s.fail()
		return nil, fmt.Errorf("%w: %w", ErrIntegrityFailure, err)
	}
	if len(nonce) != key.Scheme.NonceSize() || len(tag) != aeadTagSize {
		s.fail()
		return nil, fmt.Errorf("%w: malformed nonce or tag", ErrIntegrityFailure)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	data, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		s.fail()
		s.metrics.integrityFailures.Inc()
		s.audit.Record(audit.EventIntegrityFailure, keyID, audit.SeverityCritical, nil)
		s.log.Warn("integrity check failed", "keyID", keyID)
		return nil, fmt.Errorf("%w: %w", ErrIntegrityFailure, err)
	}

	wasCompressed := false
	if compressed {
		if decompressed, err := s.compressor.Decompress(data); err == nil {
			data = decompressed
			wasCompressed = true
		}
	}

	s.metrics.decryptions.Inc()
	s.audit.Record(audit.EventDecryption, keyID, audit.SeverityInfo, nil)
	return &Plaintext{
		Data:          data,
		Verified:      true,
		WasCompressed: wasCompressed,
		Context: SecurityContext{
			SecurityLevel:    key.SecurityLevel,
			ForwardSecrecy:   s.cfg.ForwardSecrecy,
			ReplayProtection: s.cfg.ReplayProtection,
			Integrity:        true,
			Confidentiality:  true,
		},
	}, nil
}

// GetKey returns a copy of the key.
func (s *Sealer) GetKey(keyID ids.ID) (*EncryptionKey, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key.clone(), nil
}

// CleanupExpired removes expired keys, wiping their material, and returns
// how many were removed.
func (s *Sealer) CleanupExpired() int {
	now := s.clock.Time()

	s.lock.Lock()
	defer s.lock.Unlock()

	removed := 0
	for id, key := range s.keys {
		if key.expired(now) {
			utils.ZeroBytes(key.Material)
			delete(s.keys, id)
			removed++
		}
	}
	if removed > 0 {
		s.log.Info("removed expired sealing keys", "count", removed)
	}
	return removed
}

// Stats returns a snapshot of sealing activity.
func (s *Sealer) Stats() Stats {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.stats
}

func (s *Sealer) useKey(keyID ids.ID, grant keychain.UsageRestriction) (*EncryptionKey, error) {
	now := s.clock.Time()

	s.lock.Lock()
	defer s.lock.Unlock()

	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if key.expired(now) {
		return nil, fmt.Errorf("%w: %s", ErrKeyExpired, keyID)
	}
	if !key.allows(grant) {
		return nil, fmt.Errorf("%w: key does not permit %s", ErrSecurityViolation, grant)
	}
	key.UsageCount++
	return key.clone(), nil
}

func (s *Sealer) fail() {
	s.lock.Lock()
	s.stats.Failures++
	s.lock.Unlock()
	s.metrics.failures.Inc()
}

func (s *Sealer) generateMaterial(scheme Scheme, strength int) ([]byte, error) {
	switch scheme {
	case AES256GCM, ChaCha20Poly1305:
		if strength != 256 {
			return nil, fmt.Errorf("%w: %s requires 256, got %d", ErrInvalidStrength, scheme, strength)
		}
		material := make([]byte, scheme.KeySize())
		if _, err := rand.Read(material); err != nil {
			return nil, err
		}
		return material, nil

	case HybridPQ:
		if strength < 256 {
			return nil, fmt.Errorf("%w: hybrid requires at least 256, got %d", ErrInvalidStrength, strength)
		}
		kemAlg := provider.AlgorithmMLKEM768
		if strength >= 384 {
			kemAlg = provider.AlgorithmMLKEM1024
		}
		// The post-quantum half comes from a fresh encapsulation against a
		// throwaway KEM pair; the classical half is straight entropy.
		pub, priv, err := s.prov.GenerateKeyPair(kemAlg)
		if err != nil {
			return nil, err
		}
		enc, err := s.prov.Encapsulate(pub, nil)
		if err != nil {
			return nil, err
		}
		utils.ZeroBytes(priv)

		material := make([]byte, 0, scheme.KeySize())
		material = append(material, enc.SharedSecret...)
		classical := make([]byte, scheme.KeySize()-len(enc.SharedSecret))
		if _, err := rand.Read(classical); err != nil {
			return nil, err
		}
		return append(material, classical...), nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidScheme, scheme)
	}
}

func newAEAD(key *EncryptionKey) (cipher.AEAD, error) {
	switch key.Scheme {
	case AES256GCM:
		block, err := aes.NewCipher(key.Material)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)

	case ChaCha20Poly1305:
		return chacha20poly1305.New(key.Material)

	case HybridPQ:
		combined := make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, key.Material, nil, hybridAEADInfo), combined); err != nil {
			return nil, err
		}
		block, err := aes.NewCipher(combined)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)

	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidScheme, key.Scheme)
	}
}

func defaultRestrictions(typ keychain.KeyType) []keychain.UsageRestriction {
	switch typ {
	case keychain.TypeMaster:
		return []keychain.UsageRestriction{keychain.CanDerive}
	case keychain.TypeAuthentication:
		return []keychain.UsageRestriction{keychain.CanSign, keychain.CanVerify}
	case keychain.TypeKeyExchange:
		return []keychain.UsageRestriction{keychain.CanDerive}
	default:
		return []keychain.UsageRestriction{keychain.CanEncrypt, keychain.CanDecrypt}
	}
}
