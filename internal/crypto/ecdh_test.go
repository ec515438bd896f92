package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalPublicKey_RoundTrip(t *testing.T) {
	priv, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	raw := MarshalPublicKey(&priv.PublicKey)
	assert.Len(t, raw, pubKeySize)

	pub, err := UnmarshalPublicKey(raw)
	require.NoError(t, err)
	assert.Equal(t, priv.PublicKey.X, pub.X)
	assert.Equal(t, priv.PublicKey.Y, pub.Y)
}

func TestUnmarshalPublicKey_WrongLength(t *testing.T) {
	_, err := UnmarshalPublicKey(make([]byte, 63))
	require.Error(t, err)
}

func TestSignVerifyMessage_RoundTrip(t *testing.T) {
	priv, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	message := []byte("ephemeral public key bytes plus iv")
	sig, err := SignMessage(priv, message)
	require.NoError(t, err)
	assert.Len(t, sig, sigSize)

	assert.True(t, VerifyMessage(&priv.PublicKey, message, sig))
}

func TestVerifyMessage_TamperedMessageFails(t *testing.T) {
	priv, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	sig, err := SignMessage(priv, []byte("original"))
	require.NoError(t, err)

	assert.False(t, VerifyMessage(&priv.PublicKey, []byte("tampered"), sig))
}

func TestVerifyMessage_WrongKeyFails(t *testing.T) {
	priv1, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	priv2, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	message := []byte("message")
	sig, err := SignMessage(priv1, message)
	require.NoError(t, err)

	assert.False(t, VerifyMessage(&priv2.PublicKey, message, sig))
}

func TestDeriveSessionKey_BothSidesAgree(t *testing.T) {
	alice, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	bob, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	keyFromAlice := DeriveSessionKey(alice, &bob.PublicKey)
	keyFromBob := DeriveSessionKey(bob, &alice.PublicKey)

	assert.Equal(t, keyFromAlice, keyFromBob)
	assert.Len(t, keyFromAlice, 32)
}
