package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
)

// pubKeySize is the raw (no 0x04 prefix, no DER) encoding size of a P-256
// public key: 32-byte X plus 32-byte Y.
const pubKeySize = 64

// sigSize is the raw (r, s) ECDSA signature encoding size: 32 bytes each.
const sigSize = 64

// coordSize is the byte width of a single P-256 field element.
const coordSize = 32

// GenerateEphemeralKeyPair produces a fresh P-256 keypair for one side of
// the ECDH exchange.
func GenerateEphemeralKeyPair() (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generating ephemeral keypair: %w", err)
	}
	return priv, nil
}

// MarshalPublicKey encodes a P-256 public key as raw X||Y, 32 bytes each,
// with no compression prefix — the 64-byte layout the wire format uses.
func MarshalPublicKey(pub *ecdsa.PublicKey) []byte {
	out := make([]byte, pubKeySize)
	pub.X.FillBytes(out[:coordSize])
	pub.Y.FillBytes(out[coordSize:])
	return out
}

// UnmarshalPublicKey decodes a raw X||Y public key and validates that the
// resulting point lies on the P-256 curve.
func UnmarshalPublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != pubKeySize {
		return nil, fmt.Errorf("crypto: public key must be %d bytes, got %d", pubKeySize, len(raw))
	}
	curve := elliptic.P256()
	x := new(big.Int).SetBytes(raw[:coordSize])
	y := new(big.Int).SetBytes(raw[coordSize:])
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("crypto: point is not on the P-256 curve")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// SignMessage produces a raw (r||s) ECDSA-SHA256 signature, 32 bytes each,
// matching the fixed-width layout the handshake body expects.
func SignMessage(priv *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: signing: %w", err)
	}
	out := make([]byte, sigSize)
	r.FillBytes(out[:coordSize])
	s.FillBytes(out[coordSize:])
	return out, nil
}

// VerifyMessage checks a raw (r||s) ECDSA-SHA256 signature against message
// using pub.
func VerifyMessage(pub *ecdsa.PublicKey, message, sig []byte) bool {
	if len(sig) != sigSize {
		return false
	}
	r := new(big.Int).SetBytes(sig[:coordSize])
	s := new(big.Int).SetBytes(sig[coordSize:])
	digest := sha256.Sum256(message)
	return ecdsa.Verify(pub, digest[:], r, s)
}

// DeriveSessionKey computes the ECDH shared point between priv and
// peerPub and returns its X coordinate as a 32-byte value, used directly
// as an AES-256-CBC key.
func DeriveSessionKey(priv *ecdsa.PrivateKey, peerPub *ecdsa.PublicKey) []byte {
	x, _ := peerPub.Curve.ScalarMult(peerPub.X, peerPub.Y, priv.D.Bytes())
	key := make([]byte, coordSize)
	x.FillBytes(key)
	return key
}
