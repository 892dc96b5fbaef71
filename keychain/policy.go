// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keychain

import (
	"fmt"
	"time"

	"github.com/luxfi/ids"
)

// RotationStrategy decides when a key becomes due for rotation.
type RotationStrategy uint8

const (
	// RotationManual rotates only on an explicit trigger.
	RotationManual RotationStrategy = iota
	// RotationTimeBased rotates once the key's age reaches MaxAge.
	RotationTimeBased
	// RotationUsageBased rotates once the usage count reaches MaxUsage.
	RotationUsageBased
	// RotationEventBased rotates on an externally signaled event.
	RotationEventBased
	// RotationHybrid rotates when either the age or the usage threshold is
	// reached.
	RotationHybrid
)

func (s RotationStrategy) String() string {
	switch s {
	case RotationManual:
		return "manual"
	case RotationTimeBased:
		return "time-based"
	case RotationUsageBased:
		return "usage-based"
	case RotationEventBased:
		return "event-based"
	case RotationHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// RotationPolicy parameterizes a rotation strategy.
type RotationPolicy struct {
	Strategy RotationStrategy `json:"strategy"`
	MaxAge   time.Duration    `json:"maxAge"`
	MaxUsage uint64           `json:"maxUsage"`
}

// MigrationStrategy records how dependents move to the replacement key after
// a rotation.
type MigrationStrategy uint8

const (
	MigrationImmediate MigrationStrategy = iota
	MigrationGradual
	MigrationParallel
	MigrationManual
)

func (s MigrationStrategy) String() string {
	switch s {
	case MigrationImmediate:
		return "immediate"
	case MigrationGradual:
		return "gradual"
	case MigrationParallel:
		return "parallel"
	case MigrationManual:
		return "manual"
	default:
		return "unknown"
	}
}

// RotationRecord is the durable trace of one completed rotation.
type RotationRecord struct {
	OldID    ids.ID            `json:"oldID"`
	NewID    ids.ID            `json:"newID"`
	Strategy MigrationStrategy `json:"strategy"`
	At       time.Time         `json:"at"`
}

// KeyPolicy declares everything the keychain needs to create and manage a
// key: algorithm, type, expiry, rotation schedule, and what the key may be
// used for.
type KeyPolicy struct {
	Algorithm     string             `json:"algorithm"`
	Type          KeyType            `json:"type"`
	Expiry        time.Duration      `json:"expiry"`
	SecurityLevel int                `json:"securityLevel"`
	Rotation      RotationPolicy     `json:"rotation"`
	Restrictions  []UsageRestriction `json:"restrictions"`
}

// Validate rejects structurally invalid policies before any key material
// exists.
func (p *KeyPolicy) Validate() error {
	if p.Algorithm == "" {
		return fmt.Errorf("%w: missing algorithm", ErrPolicyViolation)
	}
	if p.Expiry <= 0 {
		return fmt.Errorf("%w: expiry must be positive", ErrPolicyViolation)
	}
	for _, r := range p.Restrictions {
		if !p.Type.Allows(r) {
			return fmt.Errorf("%w: %s key may not %s", ErrPolicyViolation, p.Type, r)
		}
	}
	switch p.Rotation.Strategy {
	case RotationTimeBased:
		if p.Rotation.MaxAge <= 0 {
			return fmt.Errorf("%w: time-based rotation needs a positive max age", ErrPolicyViolation)
		}
	case RotationUsageBased:
		if p.Rotation.MaxUsage == 0 {
			return fmt.Errorf("%w: usage-based rotation needs a positive max usage", ErrPolicyViolation)
		}
	case RotationHybrid:
		if p.Rotation.MaxAge <= 0 && p.Rotation.MaxUsage == 0 {
			return fmt.Errorf("%w: hybrid rotation needs a max age or max usage", ErrPolicyViolation)
		}
	}
	return nil
}
