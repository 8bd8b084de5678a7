// Package cryptoprovider is the narrow crypto interface consumed by the
// rest of the validator core: certificate/batch hashing and BLS-shaped
// committee-member signatures.
//
// The default provider (DevProvider) signs and verifies with Ed25519
// under the BLS-shaped method names. It is a deliberate placeholder:
// swapping in a real BLS12-381 backend means implementing this interface
// again, not touching any caller.
package cryptoprovider

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Provider is the pluggable crypto backend. Implementations may be backed
// by a software library or an HSM; callers must never assume which.
type Provider interface {
	// SHA3_256 is used for CertificateID, TransmissionID (transaction
	// branch), and the wire checksum.
	SHA3_256(input []byte) [32]byte

	// GenerateKey returns a fresh keypair suitable for SignBLS/VerifyBLS.
	GenerateKey() (pub, priv []byte, err error)

	// DeriveKey deterministically derives a keypair from a 32-byte seed,
	// used by --dev provisioning so every devnet seat's public key is
	// reproducible on every node without a key-exchange step.
	DeriveKey(seed [32]byte) (pub, priv []byte)

	// PublicKey extracts the public half of priv, for callers that load a
	// private key from a key file and need the matching committee address.
	PublicKey(priv []byte) []byte

	// SignBLS signs digest with the committee member's private key.
	SignBLS(priv []byte, digest [32]byte) ([]byte, error)

	// VerifyBLS verifies sig over digest under pub.
	VerifyBLS(pub, sig []byte, digest [32]byte) bool
}

// DevProvider is a development-only provider layered on stdlib Ed25519
// and x/crypto SHA3. It does not claim any BLS security property; see the
// package doc comment.
type DevProvider struct{}

func (DevProvider) SHA3_256(input []byte) [32]byte {
	return sha3.Sum256(input)
}

func (DevProvider) GenerateKey() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptoprovider: generate key: %w", err)
	}
	return []byte(pub), []byte(priv), nil
}

func (DevProvider) PublicKey(priv []byte) []byte {
	if len(priv) != ed25519.PrivateKeySize {
		return nil
	}
	return []byte(ed25519.PrivateKey(priv).Public().(ed25519.PublicKey))
}

func (DevProvider) DeriveKey(seed [32]byte) ([]byte, []byte) {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)
	return []byte(pub), []byte(priv)
}

func (DevProvider) SignBLS(priv []byte, digest [32]byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("cryptoprovider: invalid private key length %d", len(priv))
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), digest[:]), nil
}

func (DevProvider) VerifyBLS(pub, sig []byte, digest [32]byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), digest[:], sig)
}
