// Package signature provides helper functions for handling the blockchain
// signature needs.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrKeysNotConfigured is returned when the leader key material is missing.
// Every signing and verification operation depends on it, so callers treat
// it as a fatal configuration error.
var ErrKeysNotConfigured = errors.New("leader keys not configured")

// ZeroHash represents a hash code of zeros.
const ZeroHash string = "0000000000000000000000000000000000000000000000000000000000000000"

// =============================================================================

// KeyPair holds the leader key material used to sign blocks and transactions.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateKeyPair constructs a fresh random key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key: %w", err)
	}

	return KeyPair{Private: priv, Public: pub}, nil
}

// LoadKeyPair decodes the base64 raw key bytes provided by configuration. The
// private key may be the 32 byte seed or the 64 byte expanded key.
func LoadKeyPair(privB64 string, pubB64 string) (KeyPair, error) {
	if privB64 == "" || pubB64 == "" {
		return KeyPair{}, ErrKeysNotConfigured
	}

	privRaw, err := base64.StdEncoding.DecodeString(privB64)
	if err != nil {
		return KeyPair{}, fmt.Errorf("decode private key: %w", err)
	}

	pubRaw, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return KeyPair{}, fmt.Errorf("decode public key: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(privRaw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(privRaw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(privRaw)
	default:
		return KeyPair{}, fmt.Errorf("private key has invalid length %d", len(privRaw))
	}

	if len(pubRaw) != ed25519.PublicKeySize {
		return KeyPair{}, fmt.Errorf("public key has invalid length %d", len(pubRaw))
	}

	return KeyPair{Private: priv, Public: ed25519.PublicKey(pubRaw)}, nil
}

// EncodeKeyPair returns the base64 form of the private key seed and public
// key, the same form LoadKeyPair accepts.
func EncodeKeyPair(kp KeyPair) (privB64 string, pubB64 string) {
	privB64 = base64.StdEncoding.EncodeToString(kp.Private.Seed())
	pubB64 = base64.StdEncoding.EncodeToString(kp.Public)
	return privB64, pubB64
}

// =============================================================================

// Sign uses the specified private key to sign the data. The signature is
// returned base64 encoded.
func Sign(priv ed25519.PrivateKey, data []byte) string {
	sig := ed25519.Sign(priv, data)
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks the base64 signature against the data. Malformed input of any
// kind results in false.
func Verify(pub ed25519.PublicKey, data []byte, sigB64 string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(pub, data, sig)
}

// Hash returns the hex encoded SHA-256 digest of the data.
func Hash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
