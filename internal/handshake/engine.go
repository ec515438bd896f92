// Package handshake implements the six-state encryption handshake: a
// shared-secret-keyed challenge round that establishes a temporary
// AES-CBC key/IV, followed by an ECDH exchange of ECDSA-signed ephemeral
// P-256 keys that yields the session AES key used for the rest of the
// connection.
package handshake

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/md5"
	"crypto/rand"

	"github.com/edgeflow/psdiscover/internal/aescbc"
	psdcrypto "github.com/edgeflow/psdiscover/internal/crypto"
)

// Role distinguishes the device-side (initiator) from the host-side
// (responder) of the handshake.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Wire state numbers, per the handshake message table.
const (
	StateChallenge         byte = 1
	StateChallengeResponse byte = 2
	StateChallengeAccepted byte = 3
	StateServerPublicKey   byte = 4
	StateClientPublicKey   byte = 5
	StateECDHAccepted      byte = 6
)

const challengeSize = 4
const acceptByte = 0x00
const rejectByte = 0x01

// Engine drives one side of the handshake. It is not safe for concurrent
// use.
type Engine struct {
	role   Role
	bundle *psdcrypto.KeyBundle

	expect byte // wire state this engine expects to receive next

	aesIV  []byte // 16 bytes, challenge-round IV
	aesKey []byte // 16 bytes, challenge-round key

	ephemeral  *ecdsa.PrivateKey
	peerPublic *ecdsa.PublicKey

	// SessionKey is set once this side has derived the ECDH session key
	// (after processing state 5 for the initiator, state 6 for the
	// responder).
	SessionKey []byte
	// Done is true once this side has no further handshake messages to
	// process or send.
	Done bool
}

// NewEngine constructs a handshake engine for the given role and key
// bundle.
func NewEngine(role Role, bundle *psdcrypto.KeyBundle) *Engine {
	return &Engine{role: role, bundle: bundle, expect: StateChallenge}
}

// Start produces the engine's first, unsolicited message. Only the
// initiator calls this — it generates the 4-byte challenge and derives
// the challenge-round key/IV immediately, since it owns the challenge
// bytes.
func (e *Engine) Start() ([][]byte, error) {
	if e.role != RoleInitiator {
		return nil, newSequenceErr("only the initiator starts the handshake")
	}
	if e.expect != StateChallenge {
		return nil, newSequenceErr("Start called out of order")
	}

	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, newFormatErr("generating challenge: %v", err)
	}
	e.deriveChallengeRoundKey(challenge)

	frame, err := encodeMessage(StateChallenge, challenge)
	if err != nil {
		return nil, err
	}
	e.expect = StateChallengeResponse
	return [][]byte{frame}, nil
}

// Advance feeds one received wire frame (already stripped of any
// BLE/MODBUS transport framing) into the engine and returns zero or more
// outbound frames to send in order. The frame is transparently
// AES-CBC-unwrapped if the current phase requires it, and outbound
// frames are wrapped the same way.
func (e *Engine) Advance(incoming []byte) ([][]byte, error) {
	plain, err := e.maybeUnwrap(e.expect, incoming)
	if err != nil {
		// A plaintext message for a different state cannot be unwrapped;
		// report it as out of sequence rather than as a cipher failure.
		if state, _, decErr := decodeMessage(incoming); decErr == nil && state != e.expect {
			return nil, newSequenceErr("received plaintext state %d, expected encrypted state %d", state, e.expect)
		}
		return nil, err
	}

	state, body, err := decodeMessage(plain)
	if err != nil {
		return nil, err
	}
	if state != e.expect {
		return nil, newSequenceErr("received state %d, expected %d", state, e.expect)
	}

	switch state {
	case StateChallenge:
		return e.onChallenge(body)
	case StateChallengeResponse:
		return e.onChallengeResponse(body)
	case StateChallengeAccepted:
		return e.onChallengeAccepted(body)
	case StateServerPublicKey:
		return e.onServerPublicKey(body)
	case StateClientPublicKey:
		return e.onClientPublicKey(body)
	case StateECDHAccepted:
		return e.onECDHAccepted(body)
	default:
		return nil, newSequenceErr("unknown state %d", state)
	}
}

// onChallenge: responder receives the initiator's 4-byte challenge.
func (e *Engine) onChallenge(body []byte) ([][]byte, error) {
	if e.role != RoleResponder {
		return nil, newSequenceErr("state 1 is only valid for the responder")
	}
	if len(body) != challengeSize {
		return nil, newFormatErr("challenge body length %d, want %d", len(body), challengeSize)
	}
	e.deriveChallengeRoundKey(body)

	reply := append([]byte{}, e.aesIV[8:12]...)
	frame, err := e.encodeOutgoing(StateChallengeResponse, reply)
	if err != nil {
		return nil, err
	}
	e.expect = StateChallengeAccepted
	return [][]byte{frame}, nil
}

// onChallengeResponse: initiator receives the responder's echo of
// aes_iv[8:12] and decides acceptance, then immediately generates its
// ephemeral keypair and sends both the acceptance (state 3) and its
// signed ephemeral public key (state 4) back to back.
func (e *Engine) onChallengeResponse(body []byte) ([][]byte, error) {
	if e.role != RoleInitiator {
		return nil, newSequenceErr("state 2 is only valid for the initiator")
	}
	if len(body) != challengeSize {
		return nil, newFormatErr("challenge response body length %d, want %d", len(body), challengeSize)
	}

	accepted := bytes.Equal(body, e.aesIV[8:12])
	acceptFrame, err := e.sendAcceptance(StateChallengeAccepted, accepted)
	if err != nil {
		return nil, err
	}
	if !accepted {
		// The rejection frame still needs to reach the peer, so it is
		// returned alongside the error rather than discarded.
		e.Done = true
		return [][]byte{acceptFrame}, newRejectedErr("challenge response mismatch")
	}

	if err := e.generateEphemeral(); err != nil {
		return nil, err
	}
	pubFrame, err := e.sendSignedPublicKey(StateServerPublicKey)
	if err != nil {
		return nil, err
	}

	e.expect = StateClientPublicKey
	return [][]byte{acceptFrame, pubFrame}, nil
}

// onChallengeAccepted: responder receives the initiator's state-3
// acceptance body and generates its own ephemeral keypair.
func (e *Engine) onChallengeAccepted(body []byte) ([][]byte, error) {
	if e.role != RoleResponder {
		return nil, newSequenceErr("state 3 is only valid for the responder")
	}
	if err := checkAcceptanceBody(body); err != nil {
		e.Done = true
		return nil, err
	}
	if err := e.generateEphemeral(); err != nil {
		return nil, err
	}
	e.expect = StateServerPublicKey
	return nil, nil
}

// onServerPublicKey: responder verifies the initiator's signed ephemeral
// public key and replies with its own.
func (e *Engine) onServerPublicKey(body []byte) ([][]byte, error) {
	if e.role != RoleResponder {
		return nil, newSequenceErr("state 4 is only valid for the responder")
	}
	peerPub, err := e.verifySignedPublicKey(body)
	if err != nil {
		return nil, err
	}
	e.peerPublic = peerPub

	frame, err := e.sendSignedPublicKey(StateClientPublicKey)
	if err != nil {
		return nil, err
	}
	e.expect = StateECDHAccepted
	return [][]byte{frame}, nil
}

// onClientPublicKey: initiator verifies the responder's signed ephemeral
// public key, derives the session key, and acknowledges.
func (e *Engine) onClientPublicKey(body []byte) ([][]byte, error) {
	if e.role != RoleInitiator {
		return nil, newSequenceErr("state 5 is only valid for the initiator")
	}
	peerPub, err := e.verifySignedPublicKey(body)
	if err != nil {
		return nil, err
	}
	e.peerPublic = peerPub
	e.SessionKey = psdcrypto.DeriveSessionKey(e.ephemeral, e.peerPublic)

	frame, err := e.sendAcceptance(StateECDHAccepted, true)
	if err != nil {
		return nil, err
	}
	e.Done = true
	return [][]byte{frame}, nil
}

// onECDHAccepted: responder receives the initiator's final acceptance and
// derives the session key. Terminal: no further output.
func (e *Engine) onECDHAccepted(body []byte) ([][]byte, error) {
	if e.role != RoleResponder {
		return nil, newSequenceErr("state 6 is only valid for the responder")
	}
	if err := checkAcceptanceBody(body); err != nil {
		e.Done = true
		return nil, err
	}
	e.SessionKey = psdcrypto.DeriveSessionKey(e.ephemeral, e.peerPublic)
	e.Done = true
	return nil, nil
}

// deriveChallengeRoundKey computes aes_iv = MD5(reverse(challenge)) and
// aes_key = aes_iv XOR shared_secret.
func (e *Engine) deriveChallengeRoundKey(challenge []byte) {
	reversed := make([]byte, len(challenge))
	for i, b := range challenge {
		reversed[len(challenge)-1-i] = b
	}
	iv := md5.Sum(reversed)
	e.aesIV = iv[:]

	key := make([]byte, len(e.aesIV))
	for i := range key {
		key[i] = e.aesIV[i] ^ e.bundle.SharedSecret[i]
	}
	e.aesKey = key
}

func (e *Engine) generateEphemeral() error {
	priv, err := psdcrypto.GenerateEphemeralKeyPair()
	if err != nil {
		return newFormatErr("generating ephemeral keypair: %v", err)
	}
	e.ephemeral = priv
	return nil
}

// sendSignedPublicKey builds the 128-byte pubkey||signature body signed
// over (pubkey||aes_iv) and wraps it in the given state.
func (e *Engine) sendSignedPublicKey(state byte) ([]byte, error) {
	pub := psdcrypto.MarshalPublicKey(&e.ephemeral.PublicKey)
	sig, err := psdcrypto.SignMessage(e.bundle.SigningKey, append(append([]byte{}, pub...), e.aesIV...))
	if err != nil {
		return nil, newFormatErr("signing ephemeral public key: %v", err)
	}
	body := append(pub, sig...)
	return e.encodeOutgoing(state, body)
}

// verifySignedPublicKey parses and authenticates a 128-byte
// pubkey||signature body.
func (e *Engine) verifySignedPublicKey(body []byte) (*ecdsa.PublicKey, error) {
	const wantLen = 64 + 64
	if len(body) != wantLen {
		return nil, newFormatErr("public key body length %d, want %d", len(body), wantLen)
	}
	pubBytes, sig := body[:64], body[64:]

	pub, err := psdcrypto.UnmarshalPublicKey(pubBytes)
	if err != nil {
		return nil, newAuthErr("invalid ephemeral public key: %v", err)
	}
	if !psdcrypto.VerifyMessage(e.bundle.VerifyKey, append(append([]byte{}, pubBytes...), e.aesIV...), sig) {
		return nil, newAuthErr("signature verification failed")
	}
	return pub, nil
}

func (e *Engine) sendAcceptance(state byte, accepted bool) ([]byte, error) {
	body := []byte{acceptByte}
	if !accepted {
		body[0] = rejectByte
	}
	return e.encodeOutgoing(state, body)
}

func checkAcceptanceBody(body []byte) error {
	if len(body) != 1 {
		return newFormatErr("acceptance body length %d, want 1", len(body))
	}
	if body[0] != acceptByte {
		return newRejectedErr("peer rejected with body 0x%02X", body[0])
	}
	return nil
}

// wireNeedsEncryption reports whether messages of the given state travel
// wrapped in the AES-CBC transport codec: state 3 onward.
func wireNeedsEncryption(state byte) bool {
	return state >= StateChallengeAccepted
}

func (e *Engine) encodeOutgoing(state byte, body []byte) ([]byte, error) {
	plain, err := encodeMessage(state, body)
	if err != nil {
		return nil, err
	}
	if !wireNeedsEncryption(state) {
		return plain, nil
	}
	return aescbc.EncodeFrame(e.aesKey, plain, e.aesIV)
}

func (e *Engine) maybeUnwrap(expectedState byte, incoming []byte) ([]byte, error) {
	if !wireNeedsEncryption(expectedState) {
		return incoming, nil
	}
	return aescbc.DecodeFrame(e.aesKey, incoming, e.aesIV)
}
