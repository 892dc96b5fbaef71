// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package qcomm

import (
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/qcomm/config"
	"github.com/luxfi/qcomm/keychain"
	"github.com/luxfi/qcomm/provider"
)

func TestSubsystem(t *testing.T) {
	require := require.New(t)

	sub, err := New(
		config.DefaultConfig(),
		ids.GenerateTestNodeID(),
		memdb.New(),
		log.NoLog{},
		metric.NewRegistry(),
	)
	require.NoError(err)

	// Key lifecycle, sealing, and sessions all run against the shared audit
	// log and provider.
	key, err := sub.Keychain.Generate(keychain.KeyPolicy{
		Algorithm:     config.SchemeAES256GCM,
		Type:          keychain.TypeEncryption,
		Expiry:        time.Hour,
		SecurityLevel: 256,
		Restrictions:  []keychain.UsageRestriction{keychain.CanEncrypt, keychain.CanDecrypt},
	})
	require.NoError(err)
	require.Equal(keychain.StatusActive, key.Status)

	session, err := sub.Protocol.InitiateSession(ids.GenerateTestNodeID())
	require.NoError(err)

	status := sub.Status()
	require.Equal(config.DefaultProtocolVersion, status.Version)
	require.Equal(1, status.Keys)
	require.Equal(1, status.ActiveSessions)
	require.NotZero(status.AuditEvents)

	require.NoError(sub.Protocol.TerminateSession(session.ID, "test over", false))
	sub.Cleanup()
	require.Zero(sub.Status().ActiveSessions)

	require.NoError(sub.Close())
}

func TestSubsystemRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SupportedSchemes = nil

	_, err := New(cfg, ids.GenerateTestNodeID(), memdb.New(), log.NoLog{}, metric.NewRegistry())
	require.ErrorIs(t, err, config.ErrNoSchemes)
}

func TestSubsystemRejectsUnknownClassicalKEX(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ClassicalKEXAlgorithm = "p-256"

	_, err := New(cfg, ids.GenerateTestNodeID(), memdb.New(), log.NoLog{}, metric.NewRegistry())
	require.ErrorIs(t, err, provider.ErrUnsupportedAlgorithm)
}
