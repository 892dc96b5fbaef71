// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package provider abstracts the asymmetric crypto primitives used by the
// secure communication subsystem: key encapsulation, digital signatures, and
// key pair generation. Algorithm identity is carried as data so components
// never compile against a specific primitive.
package provider

import "errors"

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidPublicKey     = errors.New("invalid public key")
	ErrInvalidPrivateKey    = errors.New("invalid private key")
	ErrInvalidCiphertext    = errors.New("invalid ciphertext")
	ErrInvalidSignature     = errors.New("invalid signature")
)

// Algorithm identifiers recognized by the default provider.
const (
	AlgorithmMLKEM512  = "ml-kem-512"
	AlgorithmMLKEM768  = "ml-kem-768"
	AlgorithmMLKEM1024 = "ml-kem-1024"
	AlgorithmMLDSA44   = "ml-dsa-44"
	AlgorithmMLDSA65   = "ml-dsa-65"
	AlgorithmMLDSA87   = "ml-dsa-87"
	AlgorithmX25519    = "x25519"
)

// Encapsulation is the result of a key encapsulation against a peer's public
// key material. The ciphertext travels to the peer; the shared secret never
// leaves the local node.
type Encapsulation struct {
	Ciphertext   []byte
	SharedSecret []byte
}

// Provider supplies the asymmetric primitives. Implementations must be safe
// for concurrent use.
type Provider interface {
	// GenerateKeyPair generates a key pair for the named algorithm. For the
	// hybrid key-exchange algorithm the returned keys are the concatenation
	// of the post-quantum and classical components.
	GenerateKeyPair(algorithm string) (public, private []byte, err error)

	// Encapsulate derives a fresh shared secret against the peer's
	// key-exchange public key. classicalPublicKey may be nil for a pure
	// post-quantum exchange.
	Encapsulate(peerPublicKey, classicalPublicKey []byte) (*Encapsulation, error)

	// Decapsulate recovers the shared secret from a ciphertext produced by
	// Encapsulate against our public key.
	Decapsulate(ciphertext, privateKey []byte) ([]byte, error)

	// Sign signs a digest with the named signature algorithm.
	Sign(digest []byte, algorithm string, privateKey []byte) ([]byte, error)

	// Verify reports whether signature is valid for digest under publicKey.
	Verify(digest, signature []byte, algorithm string, publicKey []byte) (bool, error)
}
