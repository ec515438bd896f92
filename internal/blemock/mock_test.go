package blemock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgeflow/psdiscover/internal/ble"
	psdcrypto "github.com/edgeflow/psdiscover/internal/crypto"
	"github.com/edgeflow/psdiscover/internal/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() ble.Config {
	cfg := ble.DefaultConfig()
	cfg.EncryptionWindow = 30 * time.Millisecond
	cfg.ResponseTimeout = 200 * time.Millisecond
	return cfg
}

// Scenario 1: read three registers (spec §8 end-to-end scenario 1).
func TestMock_ReadThreeRegisters(t *testing.T) {
	device := NewDevice("dev-1", "station", []AddrRange{{Start: 0, End: 100}}, []AddrRange{{Start: 0, End: 100}})
	device.SetRegister(10, 0x0064)
	device.SetRegister(11, 0x00C8)
	device.SetRegister(12, 0x012C)

	client := ble.NewClient(device, nil, testConfig(), nil)
	require.NoError(t, client.Connect(context.Background()))

	data, err := client.ReadRegisters(context.Background(), 10, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x64, 0x00, 0xC8, 0x01, 0x2C}, data)
}

// Scenario 2: a read outside the readable range yields a MODBUS
// exception, surfaced verbatim.
func TestMock_ReadOutsideReadableRange_YieldsException(t *testing.T) {
	device := NewDevice("dev-1", "station", []AddrRange{{Start: 0, End: 100}}, nil)
	client := ble.NewClient(device, nil, testConfig(), nil)
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.ReadRegisters(context.Background(), 200, 1)
	require.Error(t, err)
	var exc *modbus.Exception
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, byte(0x02), exc.ExceptionCode)
}

// Scenario 3: an injected timeout fails the first read; the next read
// (no failure queued) succeeds.
func TestMock_TimeoutThenSuccess(t *testing.T) {
	device := NewDevice("dev-1", "station", []AddrRange{{Start: 0, End: 10}}, nil)
	device.Failures.InjectTimeout()

	client := ble.NewClient(device, nil, testConfig(), nil)
	require.NoError(t, client.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.ReadRegisters(ctx, 0, 1)
	require.Error(t, err)
	var berr *ble.Error
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, ble.CodeTimeout, berr.Code)

	data, err := client.ReadRegisters(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, data)
}

// Scenario 4: an injected CRC error on the response surfaces Checksum.
func TestMock_CRCCorruption(t *testing.T) {
	device := NewDevice("dev-1", "station", []AddrRange{{Start: 0, End: 10}}, nil)
	device.Failures.InjectCRCError()

	client := ble.NewClient(device, nil, testConfig(), nil)
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.ReadRegisters(context.Background(), 0, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, &modbus.Error{Code: modbus.CodeChecksum}))
}

// Scenario 5: a forced OS-level disconnect is transparently recovered by
// the client's auto-reconnect-on-demand path.
func TestMock_AutoReconnectAfterForcedDisconnect(t *testing.T) {
	device := NewDevice("dev-1", "station", []AddrRange{{Start: 0, End: 100}}, []AddrRange{{Start: 0, End: 100}})
	client := ble.NewClient(device, nil, testConfig(), nil)
	require.NoError(t, client.Connect(context.Background()))

	device.ForceDisconnect()
	time.Sleep(10 * time.Millisecond) // let the watcher goroutine observe it
	assert.False(t, client.IsConnected())

	require.NoError(t, client.WriteRegisters(context.Background(), 50, []byte{0xAB, 0xCD}))
	data, err := client.ReadRegisters(context.Background(), 50, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB, 0xCD}, data)
}

// Scenario 6: an encrypted session is auto-detected, negotiated, and used
// transparently for register reads.
func TestMock_EncryptedSession(t *testing.T) {
	deviceKey, err := psdcrypto.GenerateEphemeralKeyPair()
	require.NoError(t, err)
	hostKey, err := psdcrypto.GenerateEphemeralKeyPair()
	require.NoError(t, err)
	secret := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	deviceBundle := &psdcrypto.KeyBundle{SigningKey: deviceKey, VerifyKey: &hostKey.PublicKey, SharedSecret: secret}
	hostBundle := &psdcrypto.KeyBundle{SigningKey: hostKey, VerifyKey: &deviceKey.PublicKey, SharedSecret: secret}

	device := NewEncryptedDevice("dev-1", "station", []AddrRange{{Start: 0, End: 10}}, nil, deviceBundle)
	client := ble.NewClient(device, hostBundle, testConfig(), nil)
	require.NoError(t, client.Connect(context.Background()))

	assert.True(t, client.IsEncrypted())

	data, err := client.ReadRegisters(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, data)
}

// A device configured without a key bundle never attempts a handshake,
// even when the host supplies one.
func TestMock_PlaintextDevice_NeverEncrypts(t *testing.T) {
	device := NewDevice("dev-1", "station", []AddrRange{{Start: 0, End: 10}}, nil)
	client := ble.NewClient(device, &psdcrypto.KeyBundle{}, testConfig(), nil)
	require.NoError(t, client.Connect(context.Background()))
	assert.False(t, client.IsEncrypted())
}

// A connection error injection disconnects instead of responding.
func TestMock_ConnectionErrorInjection_Disconnects(t *testing.T) {
	device := NewDevice("dev-1", "station", []AddrRange{{Start: 0, End: 10}}, nil)
	device.Failures.InjectConnectionError()

	client := ble.NewClient(device, nil, testConfig(), nil)
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.ReadRegisters(context.Background(), 0, 1)
	require.Error(t, err)
	var berr *ble.Error
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, ble.CodeDisconnected, berr.Code)
}

// A canned response lets a test script an exact byte-for-byte reply.
func TestMock_CannedResponse(t *testing.T) {
	device := NewDevice("dev-1", "station", []AddrRange{{Start: 0, End: 10}}, nil)
	canned := device.srv.handle(nil) // produces the length<2 exception frame, a deterministic stand-in
	device.Failures.InjectCannedResponse(canned)

	client := ble.NewClient(device, nil, testConfig(), nil)
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.ReadRegisters(context.Background(), 0, 1)
	require.Error(t, err)
}
