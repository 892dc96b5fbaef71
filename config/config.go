// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the declarative configuration of the secure
// communication subsystem: the protocol version, the supported encryption
// and signature schemes, session limits, and rate-limiting parameters.
package config

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNoSchemes          = errors.New("no supported encryption schemes")
	ErrNoSigAlgorithms    = errors.New("no supported signature algorithms")
	ErrInvalidMessageSize = errors.New("invalid max message size")
	ErrInvalidTimeout     = errors.New("invalid session timeout")
	ErrInvalidWindow      = errors.New("invalid replay window")
	ErrInvalidRateLimit   = errors.New("invalid rate limit configuration")
	ErrInvalidHops        = errors.New("invalid max hops")
	ErrNoKeyExchange      = errors.New("no key exchange algorithm configured")
)

// Supported encryption schemes. The first entry of SupportedSchemes is the
// primary scheme used for new keys and sessions.
const (
	SchemeAES256GCM         = "aes-256-gcm"
	SchemeChaCha20Poly1305  = "chacha20-poly1305"
	SchemeHybridPQ          = "hybrid-pq"
	DefaultProtocolVersion  = "qcomm/1.0"
	DefaultKEMAlgorithm     = "ml-kem-768"
	DefaultSigAlgorithm     = "ml-dsa-65"
	DefaultClassicalKEX     = "x25519"
)

// RateLimitConfig bounds per-peer traffic over a sliding window.
type RateLimitConfig struct {
	// MaxMessagesPerSecond is the per-peer message budget per window.
	MaxMessagesPerSecond int `json:"maxMessagesPerSecond"`
	// MaxBytesPerSecond is the per-peer byte budget per window.
	MaxBytesPerSecond int64 `json:"maxBytesPerSecond"`
	// BurstSize is extra message headroom tolerated within a single window.
	BurstSize int `json:"burstSize"`
	// PenaltyDuration blocks a peer entirely after a violation.
	PenaltyDuration time.Duration `json:"penaltyDuration"`
}

// Config is the full configuration of the subsystem.
type Config struct {
	Version string `json:"version"`

	// SupportedSchemes is ordered; the first entry is the primary scheme.
	SupportedSchemes             []string `json:"supportedSchemes"`
	SupportedSignatureAlgorithms []string `json:"supportedSignatureAlgorithms"`
	KeyExchangeAlgorithm         string   `json:"keyExchangeAlgorithm"`
	// ClassicalKEXAlgorithm is the classical half of the hybrid key exchange.
	ClassicalKEXAlgorithm string `json:"classicalKexAlgorithm"`

	MaxMessageSize     int           `json:"maxMessageSize"`
	SessionTimeout     time.Duration `json:"sessionTimeout"`
	KeyRenewalInterval time.Duration `json:"keyRenewalInterval"`
	MaxReplayWindow    time.Duration `json:"maxReplayWindow"`
	MaxHops            int           `json:"maxHops"`
	MaxSessionsPerPeer int           `json:"maxSessionsPerPeer"`
	// MaxViolations is the number of security violations tolerated before a
	// session is forced into the error state.
	MaxViolations int `json:"maxViolations"`

	EnableCompression    bool `json:"enableCompression"`
	ForwardSecrecy       bool `json:"forwardSecrecy"`
	ReplayProtection     bool `json:"replayProtection"`
	MessageIntegrity     bool `json:"messageIntegrity"`
	MutualAuthentication bool `json:"mutualAuthentication"`
	KeyConfirmation      bool `json:"keyConfirmation"`

	RateLimit RateLimitConfig `json:"rateLimit"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() Config {
	return Config{
		Version: DefaultProtocolVersion,
		SupportedSchemes: []string{
			SchemeHybridPQ,
			SchemeAES256GCM,
			SchemeChaCha20Poly1305,
		},
		SupportedSignatureAlgorithms: []string{
			DefaultSigAlgorithm,
			"ml-dsa-87",
		},
		KeyExchangeAlgorithm:  DefaultKEMAlgorithm,
		ClassicalKEXAlgorithm: DefaultClassicalKEX,
		MaxMessageSize:        1 << 20, // 1 MiB
		SessionTimeout:        time.Hour,
		KeyRenewalInterval:    15 * time.Minute,
		MaxReplayWindow:       5 * time.Minute,
		MaxHops:               16,
		MaxSessionsPerPeer:    4,
		MaxViolations:         5,
		EnableCompression:     true,
		ForwardSecrecy:        true,
		ReplayProtection:      true,
		MessageIntegrity:      true,
		MutualAuthentication:  true,
		KeyConfirmation:       false,
		RateLimit: RateLimitConfig{
			MaxMessagesPerSecond: 100,
			MaxBytesPerSecond:    10 << 20, // 10 MiB
			BurstSize:            20,
			PenaltyDuration:      30 * time.Second,
		},
	}
}

// PrimaryScheme returns the preferred encryption scheme.
func (c *Config) PrimaryScheme() string {
	if len(c.SupportedSchemes) == 0 {
		return ""
	}
	return c.SupportedSchemes[0]
}

// PrimarySignatureAlgorithm returns the preferred signature algorithm.
func (c *Config) PrimarySignatureAlgorithm() string {
	if len(c.SupportedSignatureAlgorithms) == 0 {
		return ""
	}
	return c.SupportedSignatureAlgorithms[0]
}

// Validate validates the configuration. Structural problems are rejected
// here, before any component state exists.
func (c *Config) Validate() error {
	if len(c.SupportedSchemes) == 0 {
		return ErrNoSchemes
	}
	if len(c.SupportedSignatureAlgorithms) == 0 {
		return ErrNoSigAlgorithms
	}
	if c.KeyExchangeAlgorithm == "" || c.ClassicalKEXAlgorithm == "" {
		return ErrNoKeyExchange
	}
	if c.MaxMessageSize <= 0 {
		return ErrInvalidMessageSize
	}
	if c.SessionTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.ReplayProtection && c.MaxReplayWindow <= 0 {
		return ErrInvalidWindow
	}
	if c.MaxHops <= 0 {
		return ErrInvalidHops
	}
	rl := c.RateLimit
	if rl.MaxMessagesPerSecond <= 0 || rl.MaxBytesPerSecond <= 0 || rl.BurstSize < 0 || rl.PenaltyDuration < 0 {
		return ErrInvalidRateLimit
	}
	return nil
}

// ParseConfig parses configuration from JSON bytes, applying defaults for
// absent fields.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
