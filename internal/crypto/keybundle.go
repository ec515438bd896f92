// Package crypto parses and holds the ECDSA/ECDH key material the
// encryption handshake needs: a P-256 signing key, a P-256 verification
// key, and a 16-byte shared secret, all supplied by the host as
// hex-encoded strings.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"math/big"
)

// KeyBundle is the material the handshake needs to authenticate a peer
// and derive the challenge-round key.
type KeyBundle struct {
	// SigningKey signs this side's ephemeral public key during the
	// handshake (state 4 for the initiator, state 5 for the responder).
	SigningKey *ecdsa.PrivateKey
	// VerifyKey verifies the peer's signed ephemeral public key.
	VerifyKey *ecdsa.PublicKey
	// SharedSecret is XORed with the challenge-derived IV to produce the
	// challenge-round AES key.
	SharedSecret [16]byte
}

// ParseKeyBundle decodes the three hex-encoded fields described in the
// environment/configuration section: a 32-byte raw P-256 scalar signing
// key, a DER-encoded SubjectPublicKeyInfo verify key, and a 16-byte
// shared secret.
func ParseKeyBundle(signingKeyHex, verifyKeyHex, sharedSecretHex string) (*KeyBundle, error) {
	signingKey, err := parseSigningKey(signingKeyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: signing key: %w", err)
	}
	verifyKey, err := parseVerifyKey(verifyKeyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: verify key: %w", err)
	}
	secret, err := parseSharedSecret(sharedSecretHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: shared secret: %w", err)
	}
	return &KeyBundle{SigningKey: signingKey, VerifyKey: verifyKey, SharedSecret: secret}, nil
}

// parseSigningKey decodes a 64-hex-char (32-byte) raw P-256 scalar and
// wraps it into an *ecdsa.PrivateKey, the Go equivalent of importing it
// as PKCS#8.
func parseSigningKey(hexStr string) (*ecdsa.PrivateKey, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("want 32 raw bytes (64 hex chars), got %d bytes", len(raw))
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	x, y := curve.ScalarBaseMult(raw)

	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}, nil
}

// parseVerifyKey decodes a DER-encoded SubjectPublicKeyInfo P-256 public
// key.
func parseVerifyKey(hexStr string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing SubjectPublicKeyInfo: %w", err)
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not an ECDSA public key")
	}
	if ecdsaPub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("key is not on the P-256 curve")
	}
	return ecdsaPub, nil
}

// parseSharedSecret decodes a 32-hex-char (16-byte) shared secret.
func parseSharedSecret(hexStr string) ([16]byte, error) {
	var secret [16]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return secret, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 16 {
		return secret, fmt.Errorf("want 16 raw bytes (32 hex chars), got %d bytes", len(raw))
	}
	copy(secret[:], raw)
	return secret, nil
}
