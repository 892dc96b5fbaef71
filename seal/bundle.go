// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package seal

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/qcomm/audit"
	"github.com/luxfi/qcomm/keychain"
	"github.com/luxfi/qcomm/utils"
)

// KeyBundle groups the four keys used with one peer: a master and its
// encryption, authentication, and key-exchange children. The bundle shares
// one derivation root and one rotation schedule; it rotates as a unit or not
// at all.
type KeyBundle struct {
	ID                  ids.ID     `json:"id"`
	PeerID              ids.NodeID `json:"peerID"`
	MasterKeyID         ids.ID     `json:"masterKeyID"`
	EncryptionKeyID     ids.ID     `json:"encryptionKeyID"`
	AuthenticationKeyID ids.ID     `json:"authenticationKeyID"`
	KeyExchangeKeyID    ids.ID     `json:"keyExchangeKeyID"`
	SecurityLevel       int        `json:"securityLevel"`
	CreatedAt           time.Time  `json:"createdAt"`
	RotationDue         time.Time  `json:"rotationDue"`
}

// CreateKeyBundle builds a fresh bundle for the peer. All four keys are
// created before any of them is published; a failure leaves no partial
// bundle behind.
func (s *Sealer) CreateKeyBundle(peerID ids.NodeID, level int) (*KeyBundle, error) {
	scheme, err := ParseScheme(s.cfg.PrimaryScheme())
	if err != nil {
		return nil, err
	}

	master, children, err := s.buildBundleKeys(scheme, level)
	if err != nil {
		return nil, err
	}

	var id ids.ID
	if _, err := rand.Read(id[:]); err != nil {
		return nil, err
	}
	now := s.clock.Time()
	bundle := &KeyBundle{
		ID:                  id,
		PeerID:              peerID,
		MasterKeyID:         master,
		EncryptionKeyID:     children[0],
		AuthenticationKeyID: children[1],
		KeyExchangeKeyID:    children[2],
		SecurityLevel:       level,
		CreatedAt:           now,
		RotationDue:         now.Add(s.cfg.KeyRenewalInterval),
	}

	s.lock.Lock()
	s.bundles[bundle.ID] = bundle
	s.lock.Unlock()

	s.metrics.bundlesCreated.Inc()
	s.audit.Record(audit.EventBundleCreated, bundle.ID, audit.SeverityInfo, map[string]string{
		"peerID": peerID.String(),
	})
	s.log.Info("created key bundle", "bundleID", bundle.ID, "peerID", peerID)
	cp := *bundle
	return &cp, nil
}

// RotateKeyBundle regenerates every key in the bundle from a fresh master.
// The bundle keeps its ID; the replaced keys are wiped. Rotation before the
// due time is a policy violation and mutates nothing.
func (s *Sealer) RotateKeyBundle(bundleID ids.ID) (*KeyBundle, error) {
	s.lock.RLock()
	bundle, ok := s.bundles[bundleID]
	if !ok {
		s.lock.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, bundleID)
	}
	due := bundle.RotationDue
	scheme, err := ParseScheme(s.cfg.PrimaryScheme())
	if err != nil {
		s.lock.RUnlock()
		return nil, err
	}
	level := bundle.SecurityLevel
	oldKeys := []ids.ID{
		bundle.MasterKeyID,
		bundle.EncryptionKeyID,
		bundle.AuthenticationKeyID,
		bundle.KeyExchangeKeyID,
	}
	s.lock.RUnlock()

	now := s.clock.Time()
	if now.Before(due) {
		return nil, fmt.Errorf("%w: bundle rotation not due until %s", ErrPolicyViolation, due)
	}

	master, children, err := s.buildBundleKeys(scheme, level)
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	bundle, ok = s.bundles[bundleID]
	if !ok {
		s.lock.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, bundleID)
	}
	bundle.MasterKeyID = master
	bundle.EncryptionKeyID = children[0]
	bundle.AuthenticationKeyID = children[1]
	bundle.KeyExchangeKeyID = children[2]
	bundle.RotationDue = now.Add(s.cfg.KeyRenewalInterval)
	for _, id := range oldKeys {
		if key, ok := s.keys[id]; ok {
			utils.ZeroBytes(key.Material)
			delete(s.keys, id)
		}
	}
	cp := *bundle
	s.lock.Unlock()

	s.metrics.bundlesRotated.Inc()
	s.audit.Record(audit.EventBundleRotated, bundleID, audit.SeverityInfo, nil)
	s.log.Info("rotated key bundle", "bundleID", bundleID)
	return &cp, nil
}

// GetKeyBundle returns a copy of the bundle.
func (s *Sealer) GetKeyBundle(bundleID ids.ID) (*KeyBundle, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	bundle, ok := s.bundles[bundleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, bundleID)
	}
	cp := *bundle
	return &cp, nil
}

// buildBundleKeys creates the master and its three children, returning their
// IDs in encryption, authentication, key-exchange order.
func (s *Sealer) buildBundleKeys(scheme Scheme, level int) (ids.ID, [3]ids.ID, error) {
	var children [3]ids.ID

	master, err := s.GenerateKey(keychain.TypeMaster, scheme, level, nil)
	if err != nil {
		return ids.Empty, children, err
	}
	kinds := []struct {
		typ  keychain.KeyType
		info string
	}{
		{keychain.TypeEncryption, "enc"},
		{keychain.TypeAuthentication, "auth"},
		{keychain.TypeKeyExchange, "kex"},
	}
	for i, kind := range kinds {
		child, err := s.DeriveKey(master.ID, kind.typ, scheme, []byte("bundle"), []byte(kind.info))
		if err != nil {
			// Undo the partial bundle so no half-rotated unit survives.
			s.lock.Lock()
			for _, id := range append(children[:i:i], master.ID) {
				if key, ok := s.keys[id]; ok {
					utils.ZeroBytes(key.Material)
					delete(s.keys, id)
				}
			}
			s.lock.Unlock()
			return ids.Empty, children, err
		}
		children[i] = child.ID
	}
	return master.ID, children, nil
}
