// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keychain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/luxfi/cache"
	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"golang.org/x/crypto/hkdf"

	"github.com/luxfi/qcomm/audit"
	"github.com/luxfi/qcomm/config"
	"github.com/luxfi/qcomm/provider"
	"github.com/luxfi/qcomm/utils/timer/mockable"
)

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyExpired       = errors.New("key expired")
	ErrInvalidKeyState  = errors.New("invalid key state")
	ErrPolicyViolation  = errors.New("policy violation")
	ErrGenerationFailed = errors.New("key generation failed")
)

const (
	symmetricKeySize    = 32
	derivationCacheSize = 256
)

var keyPrefix = []byte("key:")

// Keychain manages keys under declarative policies. All state is guarded by
// one RWMutex; key material is copied before any primitive call so no lock
// is held during crypto.
type Keychain struct {
	cfg     config.Config
	prov    provider.Provider
	log     log.Logger
	audit   *audit.Log
	db      database.Database
	metrics *metrics

	clock mockable.Clock

	lock      sync.RWMutex
	keys      map[ids.ID]*Key
	rotations []RotationRecord
	// derivationCache maps a derivation tuple digest to the derived key, so
	// repeating a derivation returns the same key instead of minting a
	// sibling.
	derivationCache *cache.LRU[ids.ID, ids.ID]
}

// New returns a keychain persisting key metadata to db and recording
// lifecycle events to auditLog.
func New(
	cfg config.Config,
	prov provider.Provider,
	db database.Database,
	auditLog *audit.Log,
	logger log.Logger,
	registerer metric.Registerer,
) (*Keychain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := newMetrics(registerer)
	if err != nil {
		return nil, err
	}
	return &Keychain{
		cfg:             cfg,
		prov:            prov,
		log:             logger,
		audit:           auditLog,
		db:              db,
		metrics:         m,
		keys:            make(map[ids.ID]*Key),
		derivationCache: cache.NewLRU[ids.ID, ids.ID](derivationCacheSize),
	}, nil
}

// Generate creates a new key under the given policy.
func (kc *Keychain) Generate(policy KeyPolicy) (*Key, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	pub, priv, err := kc.generateMaterial(policy.Algorithm)
	if err != nil {
		return nil, err
	}

	id, err := randomID()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	now := kc.clock.Time()
	key := &Key{
		ID:            id,
		Type:          policy.Type,
		Algorithm:     policy.Algorithm,
		Public:        pub,
		Private:       priv,
		CreatedAt:     now,
		ExpiresAt:     now.Add(policy.Expiry),
		SecurityLevel: policy.SecurityLevel,
		Restrictions:  append([]UsageRestriction(nil), policy.Restrictions...),
		Status:        StatusActive,
		policy:        policy,
	}

	kc.lock.Lock()
	kc.keys[key.ID] = key
	kc.lock.Unlock()

	if err := kc.persist(key); err != nil {
		return nil, err
	}
	kc.metrics.keysGenerated.Inc()
	kc.metrics.activeKeys.Set(float64(kc.countActive()))
	kc.audit.Record(audit.EventKeyGenerated, key.ID, audit.SeverityInfo, map[string]string{
		"algorithm": key.Algorithm,
		"type":      key.Type.String(),
	})
	kc.log.Info("generated key",
		"keyID", key.ID,
		"algorithm", key.Algorithm,
		"type", key.Type,
		"expiresAt", key.ExpiresAt,
	)
	return key.clone(), nil
}

// Derive deterministically derives a child key from an active parent that
// carries the derive grant. Repeating a derivation with the same tuple
// returns the already-derived key.
func (kc *Keychain) Derive(parentID ids.ID, d DerivationInfo, childPolicy KeyPolicy) (*Key, error) {
	if err := childPolicy.Validate(); err != nil {
		return nil, err
	}

	kc.lock.Lock()
	parent, ok := kc.keys[parentID]
	if !ok {
		kc.lock.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, parentID)
	}
	if parent.Status != StatusActive {
		kc.lock.Unlock()
		return nil, fmt.Errorf("%w: parent is %s", ErrInvalidKeyState, parent.Status)
	}
	if !parent.Allows(CanDerive) {
		kc.lock.Unlock()
		return nil, fmt.Errorf("%w: parent does not permit derivation", ErrPolicyViolation)
	}

	tuple := derivationTuple(parentID, d)
	if childID, ok := kc.derivationCache.Get(tuple); ok {
		if child, ok := kc.keys[childID]; ok {
			cp := child.clone()
			kc.lock.Unlock()
			return cp, nil
		}
	}
	parentSecret := append([]byte(nil), parent.Private...)
	parentDepth := 0
	if parent.Derivation != nil {
		parentDepth = parent.Derivation.Depth
	}
	parentExport := parent.Allows(CanExport)
	kc.lock.Unlock()

	material := make([]byte, symmetricKeySize)
	kdf := hkdf.New(sha256.New, parentSecret, d.Salt, append(append([]byte(nil), d.Context...), d.Info...))
	if _, err := io.ReadFull(kdf, material); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	// The child inherits only what its policy asks for, minus grants the
	// parent withholds.
	restrictions := make([]UsageRestriction, 0, len(childPolicy.Restrictions))
	for _, r := range childPolicy.Restrictions {
		if r == CanExport && !parentExport {
			continue
		}
		restrictions = append(restrictions, r)
	}

	id, err := randomID()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	now := kc.clock.Time()
	info := d
	info.ParentID = parentID
	info.Depth = parentDepth + 1
	child := &Key{
		ID:            id,
		Type:          TypeDerived,
		Algorithm:     childPolicy.Algorithm,
		Private:       material,
		CreatedAt:     now,
		ExpiresAt:     now.Add(childPolicy.Expiry),
		SecurityLevel: childPolicy.SecurityLevel,
		Derivation:    &info,
		Restrictions:  restrictions,
		Status:        StatusActive,
		policy:        childPolicy,
	}

	kc.lock.Lock()
	kc.keys[child.ID] = child
	kc.derivationCache.Put(tuple, child.ID)
	kc.lock.Unlock()

	if err := kc.persist(child); err != nil {
		return nil, err
	}
	kc.metrics.keysDerived.Inc()
	kc.audit.Record(audit.EventKeyDerived, child.ID, audit.SeverityInfo, map[string]string{
		"parentID": parentID.String(),
		"depth":    fmt.Sprintf("%d", info.Depth),
	})
	kc.log.Info("derived key", "keyID", child.ID, "parentID", parentID, "depth", info.Depth)
	return child.clone(), nil
}

// Rotate rotates the key if its rotation policy says it is due. Keys with
// manual or event-based policies are never due here; use MarkRotationEvent
// for those. A rotation that is not due mutates nothing.
func (kc *Keychain) Rotate(keyID ids.ID) (*RotationRecord, error) {
	kc.lock.Lock()
	key, ok := kc.keys[keyID]
	if !ok {
		kc.lock.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if key.Status != StatusActive {
		kc.lock.Unlock()
		return nil, fmt.Errorf("%w: key is %s", ErrInvalidKeyState, key.Status)
	}
	if !kc.rotationDue(key) {
		kc.lock.Unlock()
		return nil, fmt.Errorf("%w: rotation not due under %s policy", ErrPolicyViolation, key.policy.Rotation.Strategy)
	}
	policy := key.policy
	kc.lock.Unlock()

	return kc.rotate(keyID, policy)
}

// MarkRotationEvent is the explicit rotation trigger for manual and
// event-based policies. The key rotates regardless of age or usage.
func (kc *Keychain) MarkRotationEvent(keyID ids.ID) (*RotationRecord, error) {
	kc.lock.RLock()
	key, ok := kc.keys[keyID]
	if !ok {
		kc.lock.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if key.Status != StatusActive {
		kc.lock.RUnlock()
		return nil, fmt.Errorf("%w: key is %s", ErrInvalidKeyState, key.Status)
	}
	policy := key.policy
	kc.lock.RUnlock()

	return kc.rotate(keyID, policy)
}

func (kc *Keychain) rotate(oldID ids.ID, policy KeyPolicy) (*RotationRecord, error) {
	replacement, err := kc.Generate(policy)
	if err != nil {
		return nil, err
	}

	kc.lock.Lock()
	old, ok := kc.keys[oldID]
	if !ok || old.Status != StatusActive {
		kc.lock.Unlock()
		return nil, fmt.Errorf("%w: key changed state during rotation", ErrInvalidKeyState)
	}
	old.Status = StatusRotated
	record := RotationRecord{
		OldID:    oldID,
		NewID:    replacement.ID,
		Strategy: MigrationImmediate,
		At:       kc.clock.Time(),
	}
	kc.rotations = append(kc.rotations, record)
	kc.lock.Unlock()

	if err := kc.persist(old); err != nil {
		return nil, err
	}
	kc.metrics.keysRotated.Inc()
	kc.metrics.activeKeys.Set(float64(kc.countActive()))
	kc.audit.Record(audit.EventKeyRotated, oldID, audit.SeverityInfo, map[string]string{
		"newID": replacement.ID.String(),
	})
	kc.log.Info("rotated key", "oldID", oldID, "newID", replacement.ID)
	return &record, nil
}

// Revoke moves a key to Revoked. Revoking an already-revoked key is an
// invalid state transition.
func (kc *Keychain) Revoke(keyID ids.ID, reason string) error {
	return kc.transition(keyID, StatusRevoked, audit.EventKeyRevoked, reason)
}

// MarkCompromised flags a key as compromised. Like every status change it is
// one-way.
func (kc *Keychain) MarkCompromised(keyID ids.ID, reason string) error {
	return kc.transition(keyID, StatusCompromised, audit.EventSecurityViolation, reason)
}

func (kc *Keychain) transition(keyID ids.ID, next KeyStatus, event audit.EventType, reason string) error {
	kc.lock.Lock()
	key, ok := kc.keys[keyID]
	if !ok {
		kc.lock.Unlock()
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if !key.Status.CanTransitionTo(next) {
		from := key.Status
		kc.lock.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidKeyState, from, next)
	}
	key.Status = next
	kc.lock.Unlock()

	if err := kc.persist(key); err != nil {
		return err
	}
	kc.metrics.keysRevoked.Inc()
	kc.metrics.activeKeys.Set(float64(kc.countActive()))
	kc.audit.Record(event, keyID, audit.SeverityWarning, map[string]string{
		"status": next.String(),
		"reason": reason,
	})
	kc.log.Warn("key status changed", "keyID", keyID, "status", next, "reason", reason)
	return nil
}

// CleanupExpired sweeps active keys past their expiry into Expired and
// returns how many moved. Expired keys are retained for audit.
func (kc *Keychain) CleanupExpired() int {
	now := kc.clock.Time()

	kc.lock.Lock()
	var swept []*Key
	for _, key := range kc.keys {
		if key.Status == StatusActive && key.Expired(now) {
			key.Status = StatusExpired
			swept = append(swept, key)
		}
	}
	kc.lock.Unlock()

	for _, key := range swept {
		if err := kc.persist(key); err != nil {
			kc.log.Warn("failed to persist expired key", "keyID", key.ID, "error", err)
		}
		kc.metrics.keysExpired.Inc()
		kc.audit.Record(audit.EventKeyExpired, key.ID, audit.SeverityInfo, nil)
	}
	if len(swept) > 0 {
		kc.metrics.activeKeys.Set(float64(kc.countActive()))
		kc.log.Info("expired keys", "count", len(swept))
	}
	return len(swept)
}

// Get returns a copy of the key.
func (kc *Keychain) Get(keyID ids.ID) (*Key, error) {
	kc.lock.RLock()
	defer kc.lock.RUnlock()

	key, ok := kc.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key.clone(), nil
}

// Status returns the key's lifecycle status.
func (kc *Keychain) Status(keyID ids.ID) (KeyStatus, error) {
	kc.lock.RLock()
	defer kc.lock.RUnlock()

	key, ok := kc.keys[keyID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key.Status, nil
}

// Use returns the key for use, counting the usage. Only active, unexpired
// keys are usable.
func (kc *Keychain) Use(keyID ids.ID) (*Key, error) {
	now := kc.clock.Time()

	kc.lock.Lock()
	defer kc.lock.Unlock()

	key, ok := kc.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if key.Status != StatusActive {
		return nil, fmt.Errorf("%w: key is %s", ErrInvalidKeyState, key.Status)
	}
	if key.Expired(now) {
		return nil, fmt.Errorf("%w: %s", ErrKeyExpired, keyID)
	}
	key.UsageCount++
	return key.clone(), nil
}

// Rotations returns a snapshot of the rotation history.
func (kc *Keychain) Rotations() []RotationRecord {
	kc.lock.RLock()
	defer kc.lock.RUnlock()
	return append([]RotationRecord(nil), kc.rotations...)
}

// Len returns the number of keys in every status.
func (kc *Keychain) Len() int {
	kc.lock.RLock()
	defer kc.lock.RUnlock()
	return len(kc.keys)
}

func (kc *Keychain) rotationDue(key *Key) bool {
	rp := key.policy.Rotation
	now := kc.clock.Time()
	switch rp.Strategy {
	case RotationTimeBased:
		return now.Sub(key.CreatedAt) >= rp.MaxAge
	case RotationUsageBased:
		return key.UsageCount >= rp.MaxUsage
	case RotationHybrid:
		return (rp.MaxAge > 0 && now.Sub(key.CreatedAt) >= rp.MaxAge) ||
			(rp.MaxUsage > 0 && key.UsageCount >= rp.MaxUsage)
	default:
		// Manual and event-based rotate only via MarkRotationEvent.
		return false
	}
}

func (kc *Keychain) generateMaterial(algorithm string) (pub, priv []byte, err error) {
	switch algorithm {
	case config.SchemeAES256GCM, config.SchemeChaCha20Poly1305:
		priv = make([]byte, symmetricKeySize)
		if _, err := rand.Read(priv); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		return nil, priv, nil
	default:
		pub, priv, err = kc.prov.GenerateKeyPair(algorithm)
		if err != nil {
			if errors.Is(err, provider.ErrUnsupportedAlgorithm) {
				return nil, nil, fmt.Errorf("%w: %w", ErrPolicyViolation, err)
			}
			return nil, nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		return pub, priv, nil
	}
}

// keyRecord is the persisted metadata mirror of a key. Private material is
// never written.
type keyRecord struct {
	ID            ids.ID    `json:"id"`
	Type          KeyType   `json:"type"`
	Algorithm     string    `json:"algorithm"`
	Public        []byte    `json:"public,omitempty"`
	CreatedAt     int64     `json:"createdAt"`
	ExpiresAt     int64     `json:"expiresAt"`
	UsageCount    uint64    `json:"usageCount"`
	SecurityLevel int       `json:"securityLevel"`
	Status        KeyStatus `json:"status"`
}

func (kc *Keychain) persist(key *Key) error {
	kc.lock.RLock()
	rec := keyRecord{
		ID:            key.ID,
		Type:          key.Type,
		Algorithm:     key.Algorithm,
		Public:        key.Public,
		CreatedAt:     key.CreatedAt.Unix(),
		ExpiresAt:     key.ExpiresAt.Unix(),
		UsageCount:    key.UsageCount,
		SecurityLevel: key.SecurityLevel,
		Status:        key.Status,
	}
	kc.lock.RUnlock()

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return kc.db.Put(append(keyPrefix, key.ID[:]...), raw)
}

func derivationTuple(parentID ids.ID, d DerivationInfo) ids.ID {
	h := sha256.New()
	h.Write(parentID[:])
	h.Write(d.Context)
	h.Write(d.Salt)
	h.Write(d.Info)
	var tuple ids.ID
	copy(tuple[:], h.Sum(nil))
	return tuple
}

func randomID() (ids.ID, error) {
	var id ids.ID
	_, err := rand.Read(id[:])
	return id, err
}
