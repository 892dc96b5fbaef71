// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"golang.org/x/crypto/hkdf"

	"github.com/luxfi/qcomm/audit"
	"github.com/luxfi/qcomm/config"
	"github.com/luxfi/qcomm/keychain"
	"github.com/luxfi/qcomm/provider"
	"github.com/luxfi/qcomm/seal"
	"github.com/luxfi/qcomm/utils"
	"github.com/luxfi/qcomm/utils/timer/mockable"
	"github.com/luxfi/qcomm/utils/wrappers"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidSessionState  = errors.New("invalid session state")
	ErrSessionExpired       = errors.New("session expired")
	ErrHandshakeFailed      = errors.New("handshake failed")
	ErrReplayDetected       = errors.New("replay detected")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRateLimited          = errors.New("rate limited")
	ErrMessageTooLarge      = errors.New("message too large")
	ErrTooManySessions      = errors.New("too many sessions for peer")
	ErrMaxHopsExceeded      = errors.New("max hops exceeded")
	ErrVersionMismatch      = errors.New("protocol version mismatch")
)

const (
	nonceSize    = 32
	historyLimit = 64

	sessionKDFLabel = "qcomm/v1"
)

// hybridSplitter is implemented by providers whose key-exchange public keys
// carry a classical component behind the post-quantum one.
type hybridSplitter interface {
	SplitHybridPublicKey(public []byte) (kemPublic, classicalPublic []byte, err error)
}

// HandshakeResult is the local half of a completed handshake: the
// encapsulation ciphertext for the peer and our signature over the
// handshake transcript.
type HandshakeResult struct {
	SessionID       ids.ID
	Ciphertext      []byte
	Signature       []byte
	SignerPublicKey []byte
}

// Protocol manages secure sessions with peers.
type Protocol struct {
	cfg     config.Config
	nodeID  ids.NodeID
	sealer  *seal.Sealer
	prov    provider.Provider
	log     log.Logger
	audit   *audit.Log
	metrics *metrics

	clock mockable.Clock

	replay  *replayCache
	limiter *rateLimiter

	// ML-DSA identity signing handshake transcripts.
	sigPub  []byte
	sigPriv []byte

	lock         sync.RWMutex
	sessions     map[ids.ID]*Session
	peerSessions map[ids.NodeID]map[ids.ID]struct{}
}

// New returns a protocol instance bound to the local node identity. A fresh
// signature key pair is generated for handshake transcripts.
func New(
	cfg config.Config,
	nodeID ids.NodeID,
	sealer *seal.Sealer,
	prov provider.Provider,
	auditLog *audit.Log,
	logger log.Logger,
	registerer metric.Registerer,
) (*Protocol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sigPub, sigPriv, err := prov.GenerateKeyPair(cfg.PrimarySignatureAlgorithm())
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	m, err := newMetrics(registerer)
	if err != nil {
		return nil, err
	}
	return &Protocol{
		cfg:          cfg,
		nodeID:       nodeID,
		sealer:       sealer,
		prov:         prov,
		log:          logger,
		audit:        auditLog,
		metrics:      m,
		replay:       newReplayCache(cfg.MaxReplayWindow),
		limiter:      newRateLimiter(cfg.RateLimit),
		sigPub:       sigPub,
		sigPriv:      sigPriv,
		sessions:     make(map[ids.ID]*Session),
		peerSessions: make(map[ids.NodeID]map[ids.ID]struct{}),
	}, nil
}

// Identity returns the public half of the handshake signing key.
func (p *Protocol) Identity() []byte {
	return append([]byte(nil), p.sigPub...)
}

// InitiateSession opens a new session toward the peer. The session starts in
// Initiated and carries a fresh local nonce for the handshake.
func (p *Protocol) InitiateSession(peerID ids.NodeID) (*Session, error) {
	now := p.clock.Time()
	if !p.limiter.allow(peerID, 0, now) {
		p.metrics.rateLimited.Inc()
		p.audit.Record(audit.EventRateLimited, ids.Empty, audit.SeverityWarning, map[string]string{
			"peerID": peerID.String(),
		})
		return nil, fmt.Errorf("%w: peer %s", ErrRateLimited, peerID)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	var id ids.ID
	if _, err := rand.Read(id[:]); err != nil {
		return nil, err
	}

	session := &Session{
		ID:        id,
		PeerID:    peerID,
		Version:   p.cfg.Version,
		State:     StateInitiated,
		CreatedAt: now,
		ExpiresAt: now.Add(p.cfg.SessionTimeout),
		Handshake: HandshakeInfo{LocalNonce: nonce},
	}

	p.lock.Lock()
	if len(p.peerSessions[peerID]) >= p.cfg.MaxSessionsPerPeer {
		p.lock.Unlock()
		return nil, fmt.Errorf("%w: peer %s has %d", ErrTooManySessions, peerID, p.cfg.MaxSessionsPerPeer)
	}
	p.sessions[id] = session
	if p.peerSessions[peerID] == nil {
		p.peerSessions[peerID] = make(map[ids.ID]struct{})
	}
	p.peerSessions[peerID][id] = struct{}{}
	active := len(p.sessions)
	p.lock.Unlock()

	p.metrics.sessionsInitiated.Inc()
	p.metrics.activeSessions.Set(float64(active))
	p.audit.Record(audit.EventSessionInitiated, id, audit.SeverityInfo, map[string]string{
		"peerID": peerID.String(),
	})
	p.log.Info("initiated session", "sessionID", id, "peerID", peerID)
	return session.snapshot(), nil
}

// PerformHandshake derives the session keys from an encapsulation against
// the peer's key-exchange public key and moves the session to Established.
// The returned ciphertext and transcript signature travel to the peer.
func (p *Protocol) PerformHandshake(sessionID ids.ID, peerPublicKey []byte) (*HandshakeResult, error) {
	start := p.clock.Time()

	p.lock.Lock()
	session, ok := p.sessions[sessionID]
	if !ok {
		p.lock.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.State != StateInitiated {
		state := session.State
		p.lock.Unlock()
		return nil, fmt.Errorf("%w: handshake requires initiated, session is %s", ErrInvalidSessionState, state)
	}
	if session.expired(start) {
		p.lock.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, sessionID)
	}
	session.State = StateHandshaking
	peerID := session.PeerID
	nonce := append([]byte(nil), session.Handshake.LocalNonce...)
	p.lock.Unlock()

	keys, ciphertext, sealKeyID, err := p.establishKeys(sessionID, peerID, peerPublicKey, nonce)
	if err != nil {
		p.failSession(sessionID, "handshake failed")
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	digest := handshakeTranscript(sessionID, peerID, nonce, ciphertext)
	sig, err := p.prov.Sign(digest, p.cfg.PrimarySignatureAlgorithm(), p.sigPriv)
	if err != nil {
		p.failSession(sessionID, "transcript signing failed")
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	done := p.clock.Time()
	p.lock.Lock()
	session, ok = p.sessions[sessionID]
	if !ok || session.State != StateHandshaking {
		p.lock.Unlock()
		return nil, fmt.Errorf("%w: session changed state during handshake", ErrInvalidSessionState)
	}
	session.Keys = keys
	session.sealKeyID = sealKeyID
	session.State = StateEstablished
	session.Handshake.RemoteStatic = append([]byte(nil), peerPublicKey...)
	session.Handshake.Duration = done.Sub(start)
	session.Handshake.CompletedAt = done
	session.Context = seal.SecurityContext{
		SecurityLevel:    256,
		ForwardSecrecy:   p.cfg.ForwardSecrecy,
		ReplayProtection: p.cfg.ReplayProtection,
		Integrity:        p.cfg.MessageIntegrity,
		Confidentiality:  true,
	}
	p.lock.Unlock()

	p.metrics.handshakesCompleted.Inc()
	p.metrics.handshakeDuration.Set(done.Sub(start).Seconds())
	p.audit.Record(audit.EventHandshakeComplete, sessionID, audit.SeverityInfo, map[string]string{
		"peerID": peerID.String(),
	})
	p.log.Info("handshake complete", "sessionID", sessionID, "peerID", peerID, "duration", done.Sub(start))
	return &HandshakeResult{
		SessionID:       sessionID,
		Ciphertext:      ciphertext,
		Signature:       sig,
		SignerPublicKey: p.Identity(),
	}, nil
}

// VerifyPeerHandshake checks a peer's transcript signature against the
// session's handshake state. A failed check is recorded as an
// authentication failure.
func (p *Protocol) VerifyPeerHandshake(res *HandshakeResult, peerSigPub []byte) (bool, error) {
	p.lock.RLock()
	session, ok := p.sessions[res.SessionID]
	if !ok {
		p.lock.RUnlock()
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, res.SessionID)
	}
	peerID := session.PeerID
	nonce := append([]byte(nil), session.Handshake.LocalNonce...)
	p.lock.RUnlock()

	digest := handshakeTranscript(res.SessionID, peerID, nonce, res.Ciphertext)
	ok, err := p.prov.Verify(digest, res.Signature, p.cfg.PrimarySignatureAlgorithm(), peerSigPub)
	if err != nil {
		return false, err
	}
	if !ok {
		p.metrics.authFailures.Inc()
		p.audit.Record(audit.EventAuthFailure, res.SessionID, audit.SeverityCritical, map[string]string{
			"stage": "handshake",
		})
		p.log.Warn("handshake transcript verification failed", "sessionID", res.SessionID)
	}
	return ok, nil
}

// SendMessage encrypts payload for the session's peer under the current
// session keys with a strictly increasing sequence number.
func (p *Protocol) SendMessage(
	sessionID ids.ID,
	payload []byte,
	priority Priority,
	guarantee DeliveryGuarantee,
) (*Message, error) {
	now := p.clock.Time()
	if len(payload) > p.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(payload), p.cfg.MaxMessageSize)
	}

	p.lock.Lock()
	session, ok := p.sessions[sessionID]
	if !ok {
		p.lock.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.State != StateEstablished {
		state := session.State
		p.lock.Unlock()
		return nil, fmt.Errorf("%w: cannot send in %s", ErrInvalidSessionState, state)
	}
	if session.expired(now) {
		p.lock.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, sessionID)
	}
	peerID := session.PeerID

	// Rate-limit before any session state changes so a refusal leaves no
	// trace on the sequence counter.
	if !p.limiter.allow(peerID, len(payload), now) {
		p.lock.Unlock()
		p.metrics.rateLimited.Inc()
		p.audit.Record(audit.EventRateLimited, sessionID, audit.SeverityWarning, map[string]string{
			"peerID": peerID.String(),
		})
		return nil, fmt.Errorf("%w: peer %s", ErrRateLimited, peerID)
	}
	session.localSeq++
	seq := session.localSeq
	sealKeyID := session.sealKeyID
	authKey := append([]byte(nil), session.Keys.Authentication...)
	p.lock.Unlock()

	var msgID ids.ID
	if _, err := rand.Read(msgID[:]); err != nil {
		return nil, err
	}
	msg := &Message{
		ID:        msgID,
		Version:   p.cfg.Version,
		Type:      Data,
		SessionID: sessionID,
		Sequence:  seq,
		Timestamp: now,
		Guarantee: guarantee,
		Routing: RoutingHeader{
			Source:      p.nodeID,
			Destination: peerID,
			MaxHops:     p.cfg.MaxHops,
			Priority:    priority,
		},
	}

	result, err := p.sealer.Encrypt(payload, sealKeyID, msg.aad())
	if err != nil {
		return nil, err
	}
	msg.Payload = result.Ciphertext
	msg.Nonce = result.Nonce
	msg.Tag = result.Tag
	msg.Compressed = result.Compressed
	if p.cfg.MessageIntegrity || p.cfg.MutualAuthentication {
		msg.Signature = signDigest(authKey, msg.digest())
	}

	p.lock.Lock()
	if session, ok := p.sessions[sessionID]; ok {
		session.Metrics.MessagesSent++
		session.Metrics.BytesSent += uint64(len(payload))
		session.history = append(session.history, msg)
		if len(session.history) > historyLimit {
			session.history = session.history[len(session.history)-historyLimit:]
		}
		msg.Context = session.Context
	}
	p.lock.Unlock()

	p.metrics.messagesSent.Inc()
	p.log.Debug("sent message", "sessionID", sessionID, "sequence", seq, "bytes", len(payload))
	return msg, nil
}

// ReceiveMessage validates and decrypts an inbound message. Checks run in a
// fixed order: authentication, sequence, replay window, then decryption.
// Out-of-order delivery is treated the same as replay.
func (p *Protocol) ReceiveMessage(msg *Message) ([]byte, *seal.SecurityContext, error) {
	now := p.clock.Time()

	p.lock.RLock()
	session, ok := p.sessions[msg.SessionID]
	if !ok {
		p.lock.RUnlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, msg.SessionID)
	}
	if session.State != StateEstablished {
		state := session.State
		p.lock.RUnlock()
		return nil, nil, fmt.Errorf("%w: cannot receive in %s", ErrInvalidSessionState, state)
	}
	if session.expired(now) {
		p.lock.RUnlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionExpired, msg.SessionID)
	}
	remoteSeq := session.remoteSeq
	sealKeyID := session.sealKeyID
	authKey := append([]byte(nil), session.Keys.Authentication...)
	p.lock.RUnlock()

	if msg.Version != "" && msg.Version != p.cfg.Version {
		return nil, nil, fmt.Errorf("%w: got %q, want %q", ErrVersionMismatch, msg.Version, p.cfg.Version)
	}

	if msg.Routing.MaxHops > 0 && msg.Routing.HopCount > msg.Routing.MaxHops ||
		msg.Routing.HopCount > p.cfg.MaxHops {
		return nil, nil, fmt.Errorf("%w: %d hops", ErrMaxHopsExceeded, msg.Routing.HopCount)
	}

	if p.cfg.MessageIntegrity || p.cfg.MutualAuthentication {
		if !hmac.Equal(msg.Signature, signDigest(authKey, msg.digest())) {
			p.recordViolation(msg.SessionID, audit.EventAuthFailure, "bad message signature")
			p.metrics.authFailures.Inc()
			return nil, nil, fmt.Errorf("%w: message signature mismatch", ErrAuthenticationFailed)
		}
	}

	if msg.Sequence <= remoteSeq {
		p.recordViolation(msg.SessionID, audit.EventReplayDetected, "sequence not increasing")
		p.metrics.replaysDetected.Inc()
		return nil, nil, fmt.Errorf("%w: sequence %d <= %d", ErrReplayDetected, msg.Sequence, remoteSeq)
	}

	// Non-mutating pre-check so a message that later fails decryption does
	// not burn its ID for the rest of the window.
	if p.cfg.ReplayProtection && !p.replay.admissible(msg.ID, msg.Timestamp, now) {
		p.recordViolation(msg.SessionID, audit.EventReplayDetected, "message id replayed or stale")
		p.metrics.replaysDetected.Inc()
		return nil, nil, fmt.Errorf("%w: message %s", ErrReplayDetected, msg.ID)
	}

	plaintext, err := p.sealer.Decrypt(msg.Payload, msg.Nonce, msg.Tag, sealKeyID, msg.aad(), msg.Compressed)
	if err != nil {
		p.recordViolation(msg.SessionID, audit.EventIntegrityFailure, "decryption failed")
		return nil, nil, err
	}

	// Commit. The sequence and replay checks run again under the write lock:
	// a concurrent delivery may have advanced remoteSeq or claimed the
	// message ID since the snapshot above, and only one of two racing
	// messages with the same sequence may win.
	p.lock.Lock()
	session, ok = p.sessions[msg.SessionID]
	if !ok {
		p.lock.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, msg.SessionID)
	}
	if msg.Sequence <= session.remoteSeq {
		remote := session.remoteSeq
		p.lock.Unlock()
		p.recordViolation(msg.SessionID, audit.EventReplayDetected, "sequence not increasing")
		p.metrics.replaysDetected.Inc()
		return nil, nil, fmt.Errorf("%w: sequence %d <= %d", ErrReplayDetected, msg.Sequence, remote)
	}
	if p.cfg.ReplayProtection && !p.replay.check(msg.ID, msg.Timestamp, now) {
		p.lock.Unlock()
		p.recordViolation(msg.SessionID, audit.EventReplayDetected, "message id replayed or stale")
		p.metrics.replaysDetected.Inc()
		return nil, nil, fmt.Errorf("%w: message %s", ErrReplayDetected, msg.ID)
	}
	session.remoteSeq = msg.Sequence
	session.Metrics.MessagesReceived++
	session.Metrics.BytesReceived += uint64(len(plaintext.Data))
	p.lock.Unlock()

	p.metrics.messagesReceived.Inc()
	p.log.Debug("received message", "sessionID", msg.SessionID, "sequence", msg.Sequence)
	ctx := plaintext.Context
	return plaintext.Data, &ctx, nil
}

// RenewSession re-derives the session keys from a fresh encapsulation
// against the peer's static key. The session keeps its ID; the expiry
// extends and both sequence counters reset for the new key epoch.
func (p *Protocol) RenewSession(sessionID ids.ID) error {
	now := p.clock.Time()

	p.lock.Lock()
	session, ok := p.sessions[sessionID]
	if !ok {
		p.lock.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.State != StateEstablished {
		state := session.State
		p.lock.Unlock()
		return fmt.Errorf("%w: renewal requires established, session is %s", ErrInvalidSessionState, state)
	}
	session.State = StateRenewing
	peerID := session.PeerID
	remoteStatic := append([]byte(nil), session.Handshake.RemoteStatic...)
	p.lock.Unlock()

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		p.failSession(sessionID, "renewal nonce generation failed")
		return err
	}
	keys, _, sealKeyID, err := p.establishKeys(sessionID, peerID, remoteStatic, nonce)
	if err != nil {
		p.failSession(sessionID, "renewal key establishment failed")
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	p.lock.Lock()
	session, ok = p.sessions[sessionID]
	if !ok || session.State != StateRenewing {
		p.lock.Unlock()
		return fmt.Errorf("%w: session changed state during renewal", ErrInvalidSessionState)
	}
	wipeKeys(&session.Keys)
	session.Keys = keys
	session.sealKeyID = sealKeyID
	session.Handshake.LocalNonce = nonce
	session.Handshake.CompletedAt = now
	session.localSeq = 0
	session.remoteSeq = 0
	session.ExpiresAt = now.Add(p.cfg.SessionTimeout)
	session.State = StateEstablished
	p.lock.Unlock()

	p.metrics.sessionsRenewed.Inc()
	p.audit.Record(audit.EventSessionRenewed, sessionID, audit.SeverityInfo, nil)
	p.log.Info("renewed session", "sessionID", sessionID, "peerID", peerID)
	return nil
}

// TerminateSession tears the session down. Termination is idempotent:
// terminating a terminated session is a no-op. Graceful termination leaves a
// termination notice in the session history.
func (p *Protocol) TerminateSession(sessionID ids.ID, reason string, graceful bool) error {
	now := p.clock.Time()

	p.lock.Lock()
	session, ok := p.sessions[sessionID]
	if !ok {
		p.lock.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.State == StateTerminated {
		p.lock.Unlock()
		return nil
	}
	session.State = StateTerminating
	if graceful {
		session.localSeq++
		session.history = append(session.history, &Message{
			Type:      SessionTermination,
			SessionID: sessionID,
			Sequence:  session.localSeq,
			Timestamp: now,
			Payload:   []byte(reason),
			Routing: RoutingHeader{
				Source:      p.nodeID,
				Destination: session.PeerID,
				MaxHops:     p.cfg.MaxHops,
				Priority:    PriorityHigh,
			},
		})
	}
	wipeKeys(&session.Keys)
	session.State = StateTerminated
	delete(p.peerSessions[session.PeerID], sessionID)
	if len(p.peerSessions[session.PeerID]) == 0 {
		delete(p.peerSessions, session.PeerID)
	}
	p.lock.Unlock()

	p.metrics.sessionsTerminated.Inc()
	p.audit.Record(audit.EventSessionTerminated, sessionID, audit.SeverityInfo, map[string]string{
		"reason":   reason,
		"graceful": fmt.Sprintf("%t", graceful),
	})
	p.log.Info("terminated session", "sessionID", sessionID, "reason", reason, "graceful", graceful)
	return nil
}

// Cleanup expires sessions past their deadline, prunes the replay cache,
// and drops idle rate-limiter state. It returns the number of sessions
// expired.
func (p *Protocol) Cleanup() int {
	now := p.clock.Time()

	p.lock.Lock()
	expired := 0
	for id, session := range p.sessions {
		if session.State != StateTerminated && session.expired(now) {
			wipeKeys(&session.Keys)
			session.State = StateTerminated
			delete(p.peerSessions[session.PeerID], id)
			if len(p.peerSessions[session.PeerID]) == 0 {
				delete(p.peerSessions, session.PeerID)
			}
			expired++
			p.audit.Record(audit.EventSessionTerminated, id, audit.SeverityInfo, map[string]string{
				"reason": "expired",
			})
		}
	}
	p.lock.Unlock()

	p.replay.prune(now)
	p.limiter.prune(now, p.cfg.SessionTimeout)
	if expired > 0 {
		p.log.Info("expired sessions", "count", expired)
	}
	return expired
}

// Close terminates every session, typically at node shutdown. The first
// termination failure is reported after all sessions are torn down.
func (p *Protocol) Close() error {
	p.lock.RLock()
	open := make([]ids.ID, 0, len(p.sessions))
	for id := range p.sessions {
		open = append(open, id)
	}
	p.lock.RUnlock()

	errs := wrappers.Errs{}
	for _, id := range open {
		errs.Add(p.TerminateSession(id, "shutdown", false))
	}
	return errs.Err
}

// ActiveSessions returns the number of sessions not yet terminated.
func (p *Protocol) ActiveSessions() int {
	p.lock.RLock()
	defer p.lock.RUnlock()

	active := 0
	for _, session := range p.sessions {
		if session.State != StateTerminated {
			active++
		}
	}
	return active
}

// PeerViolations returns how many times the peer has been refused by the
// rate limiter. Callers can feed this into peer scoring.
func (p *Protocol) PeerViolations(peerID ids.NodeID) int {
	return p.limiter.violations(peerID)
}

// GetSession returns a snapshot of the session.
func (p *Protocol) GetSession(sessionID ids.ID) (*Session, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	session, ok := p.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session.snapshot(), nil
}

// establishKeys encapsulates against peerPublic and expands the shared
// secret into the session key set, registering the encryption key with the
// sealer. The ciphertext must reach the peer for it to derive the same keys.
func (p *Protocol) establishKeys(
	sessionID ids.ID,
	peerID ids.NodeID,
	peerPublic []byte,
	nonce []byte,
) (SessionKeys, []byte, ids.ID, error) {
	kemPub, classicalPub := peerPublic, []byte(nil)
	if splitter, ok := p.prov.(hybridSplitter); ok {
		var err error
		kemPub, classicalPub, err = splitter.SplitHybridPublicKey(peerPublic)
		if err != nil {
			return SessionKeys{}, nil, ids.Empty, err
		}
	}
	enc, err := p.prov.Encapsulate(kemPub, classicalPub)
	if err != nil {
		return SessionKeys{}, nil, ids.Empty, err
	}

	keys, err := deriveSessionKeys(enc.SharedSecret, nonce, sessionID, peerID)
	if err != nil {
		return SessionKeys{}, nil, ids.Empty, err
	}
	utils.ZeroBytes(enc.SharedSecret)

	sealKey, err := p.sealer.ImportKey(keys.Encryption, keychain.TypeEncryption, seal.AES256GCM)
	if err != nil {
		return SessionKeys{}, nil, ids.Empty, err
	}
	return keys, enc.Ciphertext, sealKey.ID, nil
}

// failSession moves a session to the error state after an unrecoverable
// protocol failure. Only termination and a fresh initiate recover from it.
func (p *Protocol) failSession(sessionID ids.ID, reason string) {
	p.lock.Lock()
	if session, ok := p.sessions[sessionID]; ok {
		wipeKeys(&session.Keys)
		session.State = StateError
	}
	p.lock.Unlock()

	p.audit.Record(audit.EventSecurityViolation, sessionID, audit.SeverityCritical, map[string]string{
		"reason": reason,
	})
	p.log.Warn("session failed", "sessionID", sessionID, "reason", reason)
}

// recordViolation counts a security violation against the session and flips
// it to the error state once the configured threshold accumulates.
func (p *Protocol) recordViolation(sessionID ids.ID, event audit.EventType, detail string) {
	p.lock.Lock()
	var violations uint64
	if session, ok := p.sessions[sessionID]; ok {
		session.Metrics.Violations++
		violations = session.Metrics.Violations
		if violations >= uint64(p.cfg.MaxViolations) {
			wipeKeys(&session.Keys)
			session.State = StateError
		}
	}
	p.lock.Unlock()

	p.audit.Record(event, sessionID, audit.SeverityWarning, map[string]string{
		"detail": detail,
	})
	p.log.Warn("security violation", "sessionID", sessionID, "detail", detail, "violations", violations)
}

func deriveSessionKeys(secret, salt []byte, sessionID ids.ID, peerID ids.NodeID) (SessionKeys, error) {
	info := []byte(sessionKDFLabel + "|" + sessionID.String() + "|" + peerID.String())
	out := make([]byte, 96)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return SessionKeys{}, err
	}
	return SessionKeys{
		Encryption:     out[:32],
		Authentication: out[32:64],
		Session:        out[64:],
	}, nil
}

func signDigest(authKey, digest []byte) []byte {
	mac := hmac.New(sha256.New, authKey)
	mac.Write(digest)
	return mac.Sum(nil)
}

func handshakeTranscript(sessionID ids.ID, peerID ids.NodeID, nonce, ciphertext []byte) []byte {
	h := sha256.New()
	h.Write(sessionID[:])
	h.Write(peerID.Bytes())
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}

func wipeKeys(keys *SessionKeys) {
	utils.ZeroBytes(keys.Encryption)
	utils.ZeroBytes(keys.Authentication)
	utils.ZeroBytes(keys.Session)
}
