// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package provider

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewHybrid(t *testing.T) {
	for _, alg := range []string{AlgorithmMLKEM512, AlgorithmMLKEM768, AlgorithmMLKEM1024} {
		t.Run(alg, func(t *testing.T) {
			p, err := NewHybrid(alg)
			require.NoError(t, err)
			require.Equal(t, alg, p.KEMAlgorithm())
		})
	}

	_, err := NewHybrid("rsa-2048")
	require.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestPureKEMRoundTrip(t *testing.T) {
	require := require.New(t)

	p, err := NewHybrid(AlgorithmMLKEM768)
	require.NoError(err)

	pub, priv, err := p.GenerateKeyPair(AlgorithmMLKEM768)
	require.NoError(err)

	enc, err := p.Encapsulate(pub, nil)
	require.NoError(err)
	require.Len(enc.SharedSecret, sharedSecretSize)

	secret, err := p.Decapsulate(enc.Ciphertext, priv)
	require.NoError(err)
	require.Equal(enc.SharedSecret, secret)
}

func TestHybridRoundTrip(t *testing.T) {
	require := require.New(t)

	p, err := NewHybrid(AlgorithmMLKEM768)
	require.NoError(err)

	pub, priv, err := p.HybridKeyPair()
	require.NoError(err)

	kemPub, classicalPub, err := p.SplitHybridPublicKey(pub)
	require.NoError(err)
	require.NotEmpty(classicalPub)

	enc, err := p.Encapsulate(kemPub, classicalPub)
	require.NoError(err)
	require.Len(enc.SharedSecret, sharedSecretSize)

	secret, err := p.Decapsulate(enc.Ciphertext, priv)
	require.NoError(err)
	require.Equal(enc.SharedSecret, secret)

	// Encapsulation is randomized: a second run yields a fresh secret.
	enc2, err := p.Encapsulate(kemPub, classicalPub)
	require.NoError(err)
	require.NotEqual(enc.SharedSecret, enc2.SharedSecret)
}

func TestDecapsulateRejectsBadLengths(t *testing.T) {
	require := require.New(t)

	p, err := NewHybrid(AlgorithmMLKEM768)
	require.NoError(err)

	pub, priv, err := p.GenerateKeyPair(AlgorithmMLKEM768)
	require.NoError(err)

	enc, err := p.Encapsulate(pub, nil)
	require.NoError(err)

	_, err = p.Decapsulate(enc.Ciphertext[:16], priv)
	require.ErrorIs(err, ErrInvalidCiphertext)

	_, err = p.Decapsulate(enc.Ciphertext, priv[:16])
	require.ErrorIs(err, ErrInvalidCiphertext)
}

func TestSignVerify(t *testing.T) {
	require := require.New(t)

	p, err := NewHybrid(AlgorithmMLKEM768)
	require.NoError(err)

	pub, priv, err := p.GenerateKeyPair(AlgorithmMLDSA65)
	require.NoError(err)

	digest := []byte("ledger state root v1")
	sig, err := p.Sign(digest, AlgorithmMLDSA65, priv)
	require.NoError(err)

	ok, err := p.Verify(digest, sig, AlgorithmMLDSA65, pub)
	require.NoError(err)
	require.True(ok)

	// Tampered digest fails verification.
	ok, err = p.Verify([]byte("ledger state root v2"), sig, AlgorithmMLDSA65, pub)
	require.NoError(err)
	require.False(ok)

	// Truncated signature is rejected before hitting the primitive.
	_, err = p.Verify(digest, sig[:8], AlgorithmMLDSA65, pub)
	require.ErrorIs(err, ErrInvalidSignature)

	_, err = p.Sign(digest, "ed25519", priv)
	require.ErrorIs(err, ErrUnsupportedAlgorithm)
}

func TestX25519KeyPair(t *testing.T) {
	require := require.New(t)

	p, err := NewHybrid(AlgorithmMLKEM512)
	require.NoError(err)

	pub, priv, err := p.GenerateKeyPair(AlgorithmX25519)
	require.NoError(err)
	require.Len(pub, 32)
	require.Len(priv, 32)
}
