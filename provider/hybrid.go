// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package provider

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem512"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/luxfi/crypto/mldsa"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var _ Provider = (*HybridProvider)(nil)

// sharedSecretSize is the size of every derived shared secret, independent
// of the underlying KEM.
const sharedSecretSize = 32

// Domain separation labels for the shared-secret KDF.
var (
	hybridKDFInfo = []byte("qcomm/v1/hybrid-kem")
	pqKDFInfo     = []byte("qcomm/v1/pq-kem")
)

// HybridProvider implements Provider with an ML-KEM post-quantum
// encapsulation, optionally combined with an X25519 exchange, and ML-DSA
// signatures. When both components are present the shared secret is derived
// from the concatenation of both raw secrets, so the exchange stays secure
// as long as either primitive does.
type HybridProvider struct {
	kemName   string
	kemScheme kem.Scheme
}

// NewHybrid returns a provider whose encapsulation uses the named ML-KEM
// parameter set.
func NewHybrid(kemAlgorithm string) (*HybridProvider, error) {
	scheme, err := kemSchemeFor(kemAlgorithm)
	if err != nil {
		return nil, err
	}
	return &HybridProvider{
		kemName:   kemAlgorithm,
		kemScheme: scheme,
	}, nil
}

func kemSchemeFor(algorithm string) (kem.Scheme, error) {
	switch algorithm {
	case AlgorithmMLKEM512:
		return mlkem512.Scheme(), nil
	case AlgorithmMLKEM768:
		return mlkem768.Scheme(), nil
	case AlgorithmMLKEM1024:
		return mlkem1024.Scheme(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

func sigModeFor(algorithm string) (mldsa.Mode, error) {
	switch algorithm {
	case AlgorithmMLDSA44:
		return mldsa.MLDSA44, nil
	case AlgorithmMLDSA65:
		return mldsa.MLDSA65, nil
	case AlgorithmMLDSA87:
		return mldsa.MLDSA87, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

// KEMAlgorithm returns the ML-KEM parameter set this provider encapsulates
// with.
func (p *HybridProvider) KEMAlgorithm() string {
	return p.kemName
}

func (p *HybridProvider) GenerateKeyPair(algorithm string) ([]byte, []byte, error) {
	switch algorithm {
	case AlgorithmMLKEM512, AlgorithmMLKEM768, AlgorithmMLKEM1024:
		scheme, err := kemSchemeFor(algorithm)
		if err != nil {
			return nil, nil, err
		}
		pk, sk, err := scheme.GenerateKeyPair()
		if err != nil {
			return nil, nil, fmt.Errorf("ML-KEM key generation failed: %w", err)
		}
		pub, err := pk.MarshalBinary()
		if err != nil {
			return nil, nil, err
		}
		priv, err := sk.MarshalBinary()
		if err != nil {
			return nil, nil, err
		}
		return pub, priv, nil

	case AlgorithmX25519:
		priv := make([]byte, curve25519.ScalarSize)
		if _, err := rand.Read(priv); err != nil {
			return nil, nil, err
		}
		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return nil, nil, err
		}
		return pub, priv, nil

	case AlgorithmMLDSA44, AlgorithmMLDSA65, AlgorithmMLDSA87:
		mode, err := sigModeFor(algorithm)
		if err != nil {
			return nil, nil, err
		}
		priv, err := mldsa.GenerateKey(rand.Reader, mode)
		if err != nil {
			return nil, nil, fmt.Errorf("ML-DSA key generation failed: %w", err)
		}
		return priv.PublicKey.Bytes(), priv.Bytes(), nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

func (p *HybridProvider) Encapsulate(peerPublicKey, classicalPublicKey []byte) (*Encapsulation, error) {
	pk, err := p.kemScheme.UnmarshalBinaryPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	kemCiphertext, kemSecret, err := p.kemScheme.Encapsulate(pk)
	if err != nil {
		return nil, fmt.Errorf("ML-KEM encapsulation failed: %w", err)
	}

	if len(classicalPublicKey) == 0 {
		secret, err := deriveSecret(kemSecret, pqKDFInfo)
		if err != nil {
			return nil, err
		}
		return &Encapsulation{
			Ciphertext:   kemCiphertext,
			SharedSecret: secret,
		}, nil
	}

	if len(classicalPublicKey) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: classical component must be %d bytes", ErrInvalidPublicKey, curve25519.PointSize)
	}
	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	classicalSecret, err := curve25519.X25519(ephPriv, classicalPublicKey)
	if err != nil {
		return nil, fmt.Errorf("X25519 exchange failed: %w", err)
	}

	secret, err := deriveSecret(append(kemSecret, classicalSecret...), hybridKDFInfo)
	if err != nil {
		return nil, err
	}
	// The ephemeral classical public key rides behind the KEM ciphertext so
	// the peer can complete both halves from a single blob.
	ciphertext := make([]byte, 0, len(kemCiphertext)+len(ephPub))
	ciphertext = append(ciphertext, kemCiphertext...)
	ciphertext = append(ciphertext, ephPub...)
	return &Encapsulation{
		Ciphertext:   ciphertext,
		SharedSecret: secret,
	}, nil
}

func (p *HybridProvider) Decapsulate(ciphertext, privateKey []byte) ([]byte, error) {
	ctSize := p.kemScheme.CiphertextSize()
	skSize := p.kemScheme.PrivateKeySize()

	switch {
	case len(ciphertext) == ctSize && len(privateKey) == skSize:
		sk, err := p.kemScheme.UnmarshalBinaryPrivateKey(privateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
		}
		kemSecret, err := p.kemScheme.Decapsulate(sk, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("ML-KEM decapsulation failed: %w", err)
		}
		return deriveSecret(kemSecret, pqKDFInfo)

	case len(ciphertext) == ctSize+curve25519.PointSize && len(privateKey) == skSize+curve25519.ScalarSize:
		sk, err := p.kemScheme.UnmarshalBinaryPrivateKey(privateKey[:skSize])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
		}
		kemSecret, err := p.kemScheme.Decapsulate(sk, ciphertext[:ctSize])
		if err != nil {
			return nil, fmt.Errorf("ML-KEM decapsulation failed: %w", err)
		}
		classicalSecret, err := curve25519.X25519(privateKey[skSize:], ciphertext[ctSize:])
		if err != nil {
			return nil, fmt.Errorf("X25519 exchange failed: %w", err)
		}
		return deriveSecret(append(kemSecret, classicalSecret...), hybridKDFInfo)

	default:
		return nil, fmt.Errorf("%w: unexpected ciphertext or key length", ErrInvalidCiphertext)
	}
}

func (p *HybridProvider) Sign(digest []byte, algorithm string, privateKey []byte) ([]byte, error) {
	mode, err := sigModeFor(algorithm)
	if err != nil {
		return nil, err
	}
	priv, err := mldsa.PrivateKeyFromBytes(mode, privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}
	sig, err := priv.Sign(rand.Reader, digest, nil)
	if err != nil {
		return nil, fmt.Errorf("ML-DSA signing failed: %w", err)
	}
	return sig, nil
}

func (p *HybridProvider) Verify(digest, signature []byte, algorithm string, publicKey []byte) (bool, error) {
	mode, err := sigModeFor(algorithm)
	if err != nil {
		return false, err
	}
	if len(signature) != mldsa.GetSignatureSize(mode) {
		return false, ErrInvalidSignature
	}
	pub, err := mldsa.PublicKeyFromBytes(publicKey, mode)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	return pub.VerifySignature(digest, signature), nil
}

// HybridKeyPair generates a combined key-exchange pair: ML-KEM and X25519
// components concatenated, matching the layout Encapsulate and Decapsulate
// expect.
func (p *HybridProvider) HybridKeyPair() (public, private []byte, err error) {
	kemPub, kemPriv, err := p.GenerateKeyPair(p.kemName)
	if err != nil {
		return nil, nil, err
	}
	xPub, xPriv, err := p.GenerateKeyPair(AlgorithmX25519)
	if err != nil {
		return nil, nil, err
	}
	return append(kemPub, xPub...), append(kemPriv, xPriv...), nil
}

// SplitHybridPublicKey splits a combined key-exchange public key into its
// ML-KEM and X25519 components.
func (p *HybridProvider) SplitHybridPublicKey(public []byte) (kemPublic, classicalPublic []byte, err error) {
	pkSize := p.kemScheme.PublicKeySize()
	switch len(public) {
	case pkSize:
		return public, nil, nil
	case pkSize + curve25519.PointSize:
		return public[:pkSize], public[pkSize:], nil
	default:
		return nil, nil, fmt.Errorf("%w: unexpected public key length %d", ErrInvalidPublicKey, len(public))
	}
}

func deriveSecret(input, info []byte) ([]byte, error) {
	out := make([]byte, sharedSecretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, input, nil, info), out); err != nil {
		return nil, err
	}
	return out, nil
}
