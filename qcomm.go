// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package qcomm wires the secure communication subsystem together: the key
// lifecycle engine, the hybrid encryption layer, and the session protocol,
// sharing one configuration, one audit log, and one crypto provider.
package qcomm

import (
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/luxfi/qcomm/audit"
	"github.com/luxfi/qcomm/config"
	"github.com/luxfi/qcomm/keychain"
	"github.com/luxfi/qcomm/provider"
	"github.com/luxfi/qcomm/seal"
	"github.com/luxfi/qcomm/session"
)

const auditLogCapacity = 1024

// Subsystem is the assembled secure communication stack of a node.
type Subsystem struct {
	Config   config.Config
	Keychain *keychain.Keychain
	Sealer   *seal.Sealer
	Protocol *session.Protocol
	Audit    *audit.Log

	log log.Logger
}

// New assembles the subsystem for the local node. The same provider backs
// key generation, handshake encapsulation, and transcript signatures.
func New(
	cfg config.Config,
	nodeID ids.NodeID,
	db database.Database,
	logger log.Logger,
	registerer metric.Registerer,
) (*Subsystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClassicalKEXAlgorithm != provider.AlgorithmX25519 {
		return nil, fmt.Errorf("%w: classical key exchange %q",
			provider.ErrUnsupportedAlgorithm, cfg.ClassicalKEXAlgorithm)
	}
	prov, err := provider.NewHybrid(cfg.KeyExchangeAlgorithm)
	if err != nil {
		return nil, err
	}
	auditLog := audit.NewLog(auditLogCapacity)

	kc, err := keychain.New(cfg, prov, db, auditLog, logger, registerer)
	if err != nil {
		return nil, err
	}
	sealer, err := seal.New(cfg, prov, auditLog, logger, registerer)
	if err != nil {
		return nil, err
	}
	protocol, err := session.New(cfg, nodeID, sealer, prov, auditLog, logger, registerer)
	if err != nil {
		return nil, err
	}

	logger.Info("secure communication subsystem ready",
		"version", cfg.Version,
		"primaryScheme", cfg.PrimaryScheme(),
		"keyExchange", cfg.KeyExchangeAlgorithm,
	)
	return &Subsystem{
		Config:   cfg,
		Keychain: kc,
		Sealer:   sealer,
		Protocol: protocol,
		Audit:    auditLog,
		log:      logger,
	}, nil
}

// Status is a point-in-time health snapshot of the subsystem.
type Status struct {
	Version        string     `json:"version"`
	PrimaryScheme  string     `json:"primaryScheme"`
	Keys           int        `json:"keys"`
	ActiveSessions int        `json:"activeSessions"`
	AuditEvents    int        `json:"auditEvents"`
	Sealing        seal.Stats `json:"sealing"`
}

// Status reports the subsystem's current state.
func (s *Subsystem) Status() *Status {
	return &Status{
		Version:        s.Config.Version,
		PrimaryScheme:  s.Config.PrimaryScheme(),
		Keys:           s.Keychain.Len(),
		ActiveSessions: s.Protocol.ActiveSessions(),
		AuditEvents:    s.Audit.Len(),
		Sealing:        s.Sealer.Stats(),
	}
}

// Close tears down every open session. Keys and audit history remain
// available for inspection after close.
func (s *Subsystem) Close() error {
	return s.Protocol.Close()
}

// Cleanup runs the expiry sweeps of every component. Callers own the cadence,
// typically a ticker.
func (s *Subsystem) Cleanup() {
	expiredKeys := s.Keychain.CleanupExpired()
	removedSealKeys := s.Sealer.CleanupExpired()
	expiredSessions := s.Protocol.Cleanup()
	if expiredKeys+removedSealKeys+expiredSessions > 0 {
		s.log.Info("cleanup sweep",
			"expiredKeys", expiredKeys,
			"removedSealKeys", removedSealKeys,
			"expiredSessions", expiredSessions,
		)
	}
}
