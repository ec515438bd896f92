package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fixtures below are a real P-256 scalar / SubjectPublicKeyInfo pair,
// computed independently of this package so the parse tests exercise
// genuine curve points rather than hand-waved byte strings.
const (
	testSigningKeyHex   = "001234567890abcdef1234567890abcdef1234567890abcdef1234567890abcd"
	testVerifyKeyHex    = "3059301306072a8648ce3d020106082a8648ce3d030107034200042d562a617e9dfb0437d6613a0386fbb9c2418e8e8957d4d7a9fd7b151888327a38ecd7d9b6b166746d85b974fb8a6b9fd2bab38b9a40eddb6008a380d0786ccf"
	testSharedSecretHex = "00112233445566778899aabbccddeeff"
)

func TestParseKeyBundle_Valid(t *testing.T) {
	bundle, err := ParseKeyBundle(testSigningKeyHex, testVerifyKeyHex, testSharedSecretHex)
	require.NoError(t, err)
	assert.NotNil(t, bundle.SigningKey)
	assert.NotNil(t, bundle.VerifyKey)
	assert.Equal(t, [16]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, bundle.SharedSecret)
}

func TestParseKeyBundle_SigningKeyWrongLength(t *testing.T) {
	_, err := ParseKeyBundle("abcd", testVerifyKeyHex, testSharedSecretHex)
	require.Error(t, err)
}

func TestParseKeyBundle_SigningKeyBadHex(t *testing.T) {
	_, err := ParseKeyBundle("not-hex-at-all-zz", testVerifyKeyHex, testSharedSecretHex)
	require.Error(t, err)
}

func TestParseKeyBundle_VerifyKeyBadDER(t *testing.T) {
	_, err := ParseKeyBundle(testSigningKeyHex, "deadbeef", testSharedSecretHex)
	require.Error(t, err)
}

func TestParseKeyBundle_SharedSecretWrongLength(t *testing.T) {
	_, err := ParseKeyBundle(testSigningKeyHex, testVerifyKeyHex, "00112233")
	require.Error(t, err)
}

func TestParseKeyBundle_SigningKeyProducesValidPublicPoint(t *testing.T) {
	bundle, err := ParseKeyBundle(testSigningKeyHex, testVerifyKeyHex, testSharedSecretHex)
	require.NoError(t, err)
	assert.True(t, bundle.SigningKey.Curve.IsOnCurve(bundle.SigningKey.X, bundle.SigningKey.Y))
}
