// Package signature wraps Ed25519 signing and verification for the gateway's
// trust chain: the gateway identity, the desktop binding, and every
// attestation all ride on the same primitives.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Keypair is a generated Ed25519 identity.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateIdentity creates a fresh Ed25519 keypair.
func GenerateIdentity() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return Keypair{Public: pub, Private: priv}, nil
}

// Sign signs message with priv. Panics if priv is not a valid Ed25519
// private key length — callers only ever pass keys this package produced
// or loaded and validated.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify reports whether sig is a valid Ed25519 signature of message under
// pub. It never panics: a malformed key or signature simply fails to
// verify.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// RandomNonce returns 32 cryptographically random bytes, hex-encoded.
func RandomNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// EncodeKey returns the standard-alphabet base64 encoding of raw key bytes.
func EncodeKey(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodePublicKey decodes a base64 Ed25519 public key. It returns an error
// for malformed base64 or the wrong length rather than panicking, so
// callers on the handshake path can turn any failure into an auth
// rejection.
func DecodePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode public key: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// DecodePrivateKey decodes a base64 Ed25519 private key (seed+public, 64
// bytes, the form ed25519.PrivateKey and this package's EncodeKey use).
func DecodePrivateKey(b64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode private key: want %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// DecodeSignature decodes a base64 signature. Unlike the key decoders this
// never returns an error — an invalid signature should fail verification,
// not short-circuit the caller's error handling — callers pass the zero
// value through to Verify, which then correctly returns false.
func DecodeSignature(b64 string) []byte {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil
	}
	return raw
}

// DecodeNonce decodes a lowercase-hex nonce back to raw bytes.
func DecodeNonce(nonceHex string) ([]byte, error) {
	raw, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	return raw, nil
}
