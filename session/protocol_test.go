// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"sync"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/qcomm/audit"
	"github.com/luxfi/qcomm/config"
	"github.com/luxfi/qcomm/provider"
	"github.com/luxfi/qcomm/seal"
)

var testStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestProtocol(t *testing.T, cfg config.Config) (*Protocol, *provider.HybridProvider) {
	t.Helper()

	prov, err := provider.NewHybrid(provider.AlgorithmMLKEM768)
	require.NoError(t, err)

	auditLog := audit.NewLog(256)
	sealer, err := seal.New(cfg, prov, auditLog, log.NoLog{}, metric.NewRegistry())
	require.NoError(t, err)

	p, err := New(cfg, ids.GenerateTestNodeID(), sealer, prov, auditLog, log.NoLog{}, metric.NewRegistry())
	require.NoError(t, err)
	p.clock.Set(testStart)
	return p, prov
}

// establish runs initiate + handshake against a fresh peer key pair and
// returns the established session.
func establish(t *testing.T, p *Protocol, prov *provider.HybridProvider) *Session {
	t.Helper()

	peerPub, _, err := prov.HybridKeyPair()
	require.NoError(t, err)

	session, err := p.InitiateSession(ids.GenerateTestNodeID())
	require.NoError(t, err)

	_, err = p.PerformHandshake(session.ID, peerPub)
	require.NoError(t, err)

	established, err := p.GetSession(session.ID)
	require.NoError(t, err)
	return established
}

func TestInitiateSession(t *testing.T) {
	require := require.New(t)

	p, _ := newTestProtocol(t, config.DefaultConfig())
	peerID := ids.GenerateTestNodeID()

	session, err := p.InitiateSession(peerID)
	require.NoError(err)
	require.Equal(StateInitiated, session.State)
	require.Equal(peerID, session.PeerID)
	require.Len(session.Handshake.LocalNonce, nonceSize)
	require.Equal(testStart.Add(p.cfg.SessionTimeout), session.ExpiresAt)

	got, err := p.GetSession(session.ID)
	require.NoError(err)
	require.Equal(session.ID, got.ID)
}

func TestSessionCapPerPeer(t *testing.T) {
	require := require.New(t)

	cfg := config.DefaultConfig()
	cfg.MaxSessionsPerPeer = 2
	p, _ := newTestProtocol(t, cfg)
	peerID := ids.GenerateTestNodeID()

	var last *Session
	for i := 0; i < 2; i++ {
		s, err := p.InitiateSession(peerID)
		require.NoError(err)
		last = s
	}
	_, err := p.InitiateSession(peerID)
	require.ErrorIs(err, ErrTooManySessions)

	// Terminating one frees a slot.
	require.NoError(p.TerminateSession(last.ID, "making room", false))
	_, err = p.InitiateSession(peerID)
	require.NoError(err)
}

func TestHandshake(t *testing.T) {
	require := require.New(t)

	p, prov := newTestProtocol(t, config.DefaultConfig())
	peerPub, _, err := prov.HybridKeyPair()
	require.NoError(err)

	session, err := p.InitiateSession(ids.GenerateTestNodeID())
	require.NoError(err)

	res, err := p.PerformHandshake(session.ID, peerPub)
	require.NoError(err)
	require.NotEmpty(res.Ciphertext)
	require.NotEmpty(res.Signature)

	established, err := p.GetSession(session.ID)
	require.NoError(err)
	require.Equal(StateEstablished, established.State)
	require.Len(established.Keys.Encryption, 32)
	require.Len(established.Keys.Authentication, 32)
	require.Len(established.Keys.Session, 32)
	require.NotEqual(established.Keys.Encryption, established.Keys.Authentication)
	require.Equal(peerPub, established.Handshake.RemoteStatic)
	require.False(established.Handshake.CompletedAt.IsZero())

	// The transcript signature verifies under the signer's identity.
	ok, err := p.VerifyPeerHandshake(res, res.SignerPublicKey)
	require.NoError(err)
	require.True(ok)

	// A foreign identity does not verify.
	otherPub, _, err := prov.GenerateKeyPair(provider.AlgorithmMLDSA65)
	require.NoError(err)
	ok, err = p.VerifyPeerHandshake(res, otherPub)
	require.NoError(err)
	require.False(ok)
}

func TestHandshakeRequiresInitiated(t *testing.T) {
	require := require.New(t)

	p, prov := newTestProtocol(t, config.DefaultConfig())
	session := establish(t, p, prov)

	peerPub, _, err := prov.HybridKeyPair()
	require.NoError(err)
	_, err = p.PerformHandshake(session.ID, peerPub)
	require.ErrorIs(err, ErrInvalidSessionState)

	_, err = p.PerformHandshake(ids.GenerateTestID(), peerPub)
	require.ErrorIs(err, ErrSessionNotFound)
}

func TestHandshakeFailureEntersErrorState(t *testing.T) {
	require := require.New(t)

	p, _ := newTestProtocol(t, config.DefaultConfig())
	session, err := p.InitiateSession(ids.GenerateTestNodeID())
	require.NoError(err)

	_, err = p.PerformHandshake(session.ID, []byte("not a public key"))
	require.ErrorIs(err, ErrHandshakeFailed)

	got, err := p.GetSession(session.ID)
	require.NoError(err)
	require.Equal(StateError, got.State)

	// Only termination recovers an errored session.
	require.NoError(p.TerminateSession(session.ID, "errored", false))
}

func TestSendReceiveLoopback(t *testing.T) {
	require := require.New(t)

	p, prov := newTestProtocol(t, config.DefaultConfig())
	session := establish(t, p, prov)

	payloads := []string{"first", "second", "third"}
	for i, payload := range payloads {
		msg, err := p.SendMessage(session.ID, []byte(payload), PriorityNormal, AtLeastOnce)
		require.NoError(err)
		require.Equal(uint64(i+1), msg.Sequence)
		require.NotEqual([]byte(payload), msg.Payload)
		require.NotEmpty(msg.Signature)

		data, ctx, err := p.ReceiveMessage(msg)
		require.NoError(err)
		require.Equal([]byte(payload), data)
		require.True(ctx.Integrity)
		require.True(ctx.Confidentiality)
	}

	got, err := p.GetSession(session.ID)
	require.NoError(err)
	require.Equal(uint64(3), got.Metrics.MessagesSent)
	require.Equal(uint64(3), got.Metrics.MessagesReceived)
	require.Zero(got.Metrics.Violations)
}

func TestReceiveRejectsReplay(t *testing.T) {
	require := require.New(t)

	p, prov := newTestProtocol(t, config.DefaultConfig())
	session := establish(t, p, prov)

	msg, err := p.SendMessage(session.ID, []byte("once"), PriorityNormal, ExactlyOnce)
	require.NoError(err)

	_, _, err = p.ReceiveMessage(msg)
	require.NoError(err)

	// The identical message is refused on replay.
	_, _, err = p.ReceiveMessage(msg)
	require.ErrorIs(err, ErrReplayDetected)
}

func TestReceiveRejectsOutOfOrder(t *testing.T) {
	require := require.New(t)

	p, prov := newTestProtocol(t, config.DefaultConfig())
	session := establish(t, p, prov)

	first, err := p.SendMessage(session.ID, []byte("one"), PriorityNormal, AtLeastOnce)
	require.NoError(err)
	second, err := p.SendMessage(session.ID, []byte("two"), PriorityNormal, AtLeastOnce)
	require.NoError(err)

	_, _, err = p.ReceiveMessage(second)
	require.NoError(err)

	// Arriving late is indistinguishable from replay.
	_, _, err = p.ReceiveMessage(first)
	require.ErrorIs(err, ErrReplayDetected)
}

func TestReceiveRejectsTampering(t *testing.T) {
	require := require.New(t)

	p, prov := newTestProtocol(t, config.DefaultConfig())
	session := establish(t, p, prov)

	msg, err := p.SendMessage(session.ID, []byte("intact"), PriorityNormal, AtLeastOnce)
	require.NoError(err)

	tampered := *msg
	tampered.Payload = append([]byte(nil), msg.Payload...)
	tampered.Payload[0] ^= 1

	_, _, err = p.ReceiveMessage(&tampered)
	require.ErrorIs(err, ErrAuthenticationFailed)

	got, err := p.GetSession(session.ID)
	require.NoError(err)
	require.Equal(uint64(1), got.Metrics.Violations)
}

func TestReceiveUnknownSession(t *testing.T) {
	p, _ := newTestProtocol(t, config.DefaultConfig())
	_, _, err := p.ReceiveMessage(&Message{SessionID: ids.GenerateTestID()})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReceiveMaxHops(t *testing.T) {
	require := require.New(t)

	p, prov := newTestProtocol(t, config.DefaultConfig())
	session := establish(t, p, prov)

	msg, err := p.SendMessage(session.ID, []byte("routed"), PriorityNormal, AtLeastOnce)
	require.NoError(err)
	msg.Routing.HopCount = msg.Routing.MaxHops + 1

	_, _, err = p.ReceiveMessage(msg)
	require.ErrorIs(err, ErrMaxHopsExceeded)
}

func TestReceiveConcurrentSameSequence(t *testing.T) {
	require := require.New(t)

	p, prov := newTestProtocol(t, config.DefaultConfig())
	session := establish(t, p, prov)

	first, err := p.SendMessage(session.ID, []byte("one"), PriorityNormal, AtLeastOnce)
	require.NoError(err)

	// Forge a second, independently valid message carrying the same
	// sequence number.
	p.lock.Lock()
	p.sessions[session.ID].localSeq = 0
	p.lock.Unlock()
	second, err := p.SendMessage(session.ID, []byte("two"), PriorityNormal, AtLeastOnce)
	require.NoError(err)
	require.Equal(first.Sequence, second.Sequence)

	// Deliver both concurrently: exactly one may win the sequence.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, msg := range []*Message{first, second} {
		wg.Add(1)
		go func(i int, msg *Message) {
			defer wg.Done()
			_, _, errs[i] = p.ReceiveMessage(msg)
		}(i, msg)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else {
			require.ErrorIs(err, ErrReplayDetected)
		}
	}
	require.Equal(1, accepted)
}

func TestReceiveDecryptFailureKeepsMessageAdmissible(t *testing.T) {
	require := require.New(t)

	cfg := config.DefaultConfig()
	cfg.MessageIntegrity = false
	cfg.MutualAuthentication = false
	p, prov := newTestProtocol(t, cfg)
	session := establish(t, p, prov)

	msg, err := p.SendMessage(session.ID, []byte("fragile"), PriorityNormal, AtLeastOnce)
	require.NoError(err)

	// A corrupted delivery fails decryption without consuming the ID.
	msg.Payload[0] ^= 1
	_, _, err = p.ReceiveMessage(msg)
	require.Error(err)

	// The same message delivered intact is still accepted.
	msg.Payload[0] ^= 1
	got, _, err := p.ReceiveMessage(msg)
	require.NoError(err)
	require.Equal([]byte("fragile"), got)
}

func TestReceiveVersionMismatch(t *testing.T) {
	require := require.New(t)

	p, prov := newTestProtocol(t, config.DefaultConfig())
	session := establish(t, p, prov)

	msg, err := p.SendMessage(session.ID, []byte("versioned"), PriorityNormal, AtLeastOnce)
	require.NoError(err)
	msg.Version = "qcomm/0.9"

	_, _, err = p.ReceiveMessage(msg)
	require.ErrorIs(err, ErrVersionMismatch)
}

func TestViolationsEscalateToError(t *testing.T) {
	require := require.New(t)

	cfg := config.DefaultConfig()
	cfg.MaxViolations = 2
	p, prov := newTestProtocol(t, cfg)
	session := establish(t, p, prov)

	for i := 0; i < 2; i++ {
		msg, err := p.SendMessage(session.ID, []byte("x"), PriorityNormal, AtLeastOnce)
		require.NoError(err)
		msg.Payload[0] ^= 1
		_, _, err = p.ReceiveMessage(msg)
		require.ErrorIs(err, ErrAuthenticationFailed)
	}

	got, err := p.GetSession(session.ID)
	require.NoError(err)
	require.Equal(StateError, got.State)

	// The errored session refuses traffic in both directions.
	_, err = p.SendMessage(session.ID, []byte("y"), PriorityNormal, AtLeastOnce)
	require.ErrorIs(err, ErrInvalidSessionState)
}

func TestSendMessageTooLarge(t *testing.T) {
	require := require.New(t)

	cfg := config.DefaultConfig()
	cfg.MaxMessageSize = 8
	p, prov := newTestProtocol(t, cfg)
	session := establish(t, p, prov)

	_, err := p.SendMessage(session.ID, []byte("way past the limit"), PriorityNormal, AtLeastOnce)
	require.ErrorIs(err, ErrMessageTooLarge)
}

func TestRateLimit(t *testing.T) {
	require := require.New(t)

	cfg := config.DefaultConfig()
	cfg.RateLimit.MaxMessagesPerSecond = 2
	cfg.RateLimit.BurstSize = 0
	cfg.RateLimit.PenaltyDuration = 30 * time.Second
	p, prov := newTestProtocol(t, cfg)
	session := establish(t, p, prov)

	// Initiate consumed one budget slot, then the send used the second.
	_, err := p.SendMessage(session.ID, []byte("ok"), PriorityNormal, AtLeastOnce)
	require.NoError(err)

	_, err = p.SendMessage(session.ID, []byte("over"), PriorityNormal, AtLeastOnce)
	require.ErrorIs(err, ErrRateLimited)
	require.Equal(1, p.PeerViolations(session.PeerID))

	// The penalty outlasts the window itself.
	p.clock.Set(p.clock.Time().Add(2 * time.Second))
	_, err = p.SendMessage(session.ID, []byte("still blocked"), PriorityNormal, AtLeastOnce)
	require.ErrorIs(err, ErrRateLimited)

	p.clock.Set(p.clock.Time().Add(cfg.RateLimit.PenaltyDuration))
	released, err := p.SendMessage(session.ID, []byte("released"), PriorityNormal, AtLeastOnce)
	require.NoError(err)

	// The refused sends left no gap in the sequence.
	require.Equal(uint64(2), released.Sequence)
}

func TestRenewSession(t *testing.T) {
	require := require.New(t)

	p, prov := newTestProtocol(t, config.DefaultConfig())
	session := establish(t, p, prov)

	msg, err := p.SendMessage(session.ID, []byte("pre-renewal"), PriorityNormal, AtLeastOnce)
	require.NoError(err)
	_, _, err = p.ReceiveMessage(msg)
	require.NoError(err)
	oldKeys := session.Keys

	p.clock.Set(p.clock.Time().Add(10 * time.Minute))
	require.NoError(p.RenewSession(session.ID))

	renewed, err := p.GetSession(session.ID)
	require.NoError(err)
	require.Equal(StateEstablished, renewed.State)
	require.Equal(session.ID, renewed.ID)
	require.NotEqual(oldKeys.Encryption, renewed.Keys.Encryption)
	require.Equal(p.clock.Time().Add(p.cfg.SessionTimeout), renewed.ExpiresAt)

	// Sequence counters reset with the new key epoch.
	msg, err = p.SendMessage(session.ID, []byte("post-renewal"), PriorityNormal, AtLeastOnce)
	require.NoError(err)
	require.Equal(uint64(1), msg.Sequence)
	data, _, err := p.ReceiveMessage(msg)
	require.NoError(err)
	require.Equal([]byte("post-renewal"), data)
}

func TestRenewRequiresEstablished(t *testing.T) {
	require := require.New(t)

	p, _ := newTestProtocol(t, config.DefaultConfig())
	session, err := p.InitiateSession(ids.GenerateTestNodeID())
	require.NoError(err)

	err = p.RenewSession(session.ID)
	require.ErrorIs(err, ErrInvalidSessionState)

	err = p.RenewSession(ids.GenerateTestID())
	require.ErrorIs(err, ErrSessionNotFound)
}

func TestTerminateSession(t *testing.T) {
	require := require.New(t)

	p, prov := newTestProtocol(t, config.DefaultConfig())
	session := establish(t, p, prov)

	require.NoError(p.TerminateSession(session.ID, "done", true))
	got, err := p.GetSession(session.ID)
	require.NoError(err)
	require.Equal(StateTerminated, got.State)

	// Keys are wiped on teardown.
	require.Zero(got.Keys.Encryption[0] | got.Keys.Authentication[0] | got.Keys.Session[0])

	// Graceful teardown leaves a termination notice in the history.
	p.lock.RLock()
	history := p.sessions[session.ID].history
	p.lock.RUnlock()
	require.NotEmpty(history)
	require.Equal(SessionTermination, history[len(history)-1].Type)

	// Termination is idempotent.
	require.NoError(p.TerminateSession(session.ID, "again", false))

	// Traffic after termination is refused.
	_, err = p.SendMessage(session.ID, []byte("late"), PriorityNormal, AtLeastOnce)
	require.ErrorIs(err, ErrInvalidSessionState)

	err = p.TerminateSession(ids.GenerateTestID(), "missing", false)
	require.ErrorIs(err, ErrSessionNotFound)
}

func TestCleanupExpiresSessions(t *testing.T) {
	require := require.New(t)

	p, prov := newTestProtocol(t, config.DefaultConfig())
	session := establish(t, p, prov)
	require.Zero(p.Cleanup())

	p.clock.Set(p.clock.Time().Add(p.cfg.SessionTimeout + time.Minute))

	require.Equal(1, p.Cleanup())
	got, err := p.GetSession(session.ID)
	require.NoError(err)
	require.Equal(StateTerminated, got.State)

	// Idempotent.
	require.Zero(p.Cleanup())
}

func TestClose(t *testing.T) {
	require := require.New(t)

	p, prov := newTestProtocol(t, config.DefaultConfig())
	established := establish(t, p, prov)
	initiated, err := p.InitiateSession(ids.GenerateTestNodeID())
	require.NoError(err)

	require.NoError(p.Close())
	require.Zero(p.ActiveSessions())

	for _, id := range []ids.ID{established.ID, initiated.ID} {
		got, err := p.GetSession(id)
		require.NoError(err)
		require.Equal(StateTerminated, got.State)
	}
}

func TestSendRequiresUnexpiredSession(t *testing.T) {
	require := require.New(t)

	p, prov := newTestProtocol(t, config.DefaultConfig())
	session := establish(t, p, prov)

	p.clock.Set(p.clock.Time().Add(p.cfg.SessionTimeout + time.Minute))

	_, err := p.SendMessage(session.ID, []byte("too late"), PriorityNormal, AtLeastOnce)
	require.ErrorIs(err, ErrSessionExpired)
}
