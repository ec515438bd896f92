// Package blemock provides an in-process stand-in for a real BLE GATT
// binding: a mock power station that speaks the MODBUS codec over the
// same write/notify characteristic shape internal/ble expects, complete
// with optional encryption (acting as the handshake initiator) and a
// FIFO failure-injection queue for exercising timeout, CRC-corruption,
// disconnect, and canned-response scenarios without real hardware.
package blemock

import (
	"context"
	"sync"
	"time"

	"github.com/edgeflow/psdiscover/internal/aescbc"
	"github.com/edgeflow/psdiscover/internal/ble"
	psdcrypto "github.com/edgeflow/psdiscover/internal/crypto"
	"github.com/edgeflow/psdiscover/internal/handshake"
)

// defaultChallengeDelay is how long the mock waits after notification
// subscription before sending its unsolicited state-1 challenge, short
// enough to land well inside the client's default 500ms encryption
// window (and any shorter window a test configures).
const defaultChallengeDelay = 5 * time.Millisecond

// Device is a mock power station: a sparse register file gated by
// readable/writable ranges, reachable over a single GATT connection at a
// time, optionally running the encryption handshake as initiator.
type Device struct {
	id, name string
	srv      *server
	bundle   *psdcrypto.KeyBundle // nil means the device never encrypts

	// Failures is the FIFO queue callers inject timeout/CRC/connection/
	// canned-response overrides into before issuing a request.
	Failures *FailureQueue

	ChallengeDelay time.Duration

	mu   sync.Mutex
	conn *Connection
}

var _ ble.GATTDevice = (*Device)(nil)

// NewDevice builds a plaintext mock device.
func NewDevice(id, name string, readable, writable []AddrRange) *Device {
	return &Device{
		id:             id,
		name:           name,
		srv:            newServer(readable, writable),
		Failures:       &FailureQueue{},
		ChallengeDelay: defaultChallengeDelay,
	}
}

// NewEncryptedDevice builds a mock device that drives the handshake as
// initiator immediately after the host subscribes to notifications,
// using bundle as its side of the key material.
func NewEncryptedDevice(id, name string, readable, writable []AddrRange, bundle *psdcrypto.KeyBundle) *Device {
	d := NewDevice(id, name, readable, writable)
	d.bundle = bundle
	return d
}

// ID implements ble.GATTDevice.
func (d *Device) ID() string { return d.id }

// Name implements ble.GATTDevice.
func (d *Device) Name() string { return d.name }

// SetRegister pre-seeds one register's value, letting tests exercise
// reads against known memory without going through WriteRegisters.
func (d *Device) SetRegister(addr, value uint16) {
	d.srv.registers.set(addr, value)
}

// ForceDisconnect simulates an OS-signalled loss of the GATT link,
// exercising the client's reconnect-on-demand path.
func (d *Device) ForceDisconnect() {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		conn.signalDisconnect()
	}
}

// Connect implements ble.GATTDevice: it builds a fresh Connection,
// discarding whatever the previous one held (a real GATT reconnect
// re-discovers everything).
func (d *Device) Connect(ctx context.Context) (ble.GATTConnection, error) {
	conn := newConnection(d)
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	return conn, nil
}

// connState is the phase a live Connection is in, distinguishing
// handshake traffic from ordinary MODBUS commands.
type connState int

const (
	connStateIdle connState = iota
	connStateHandshaking
	connStateReady
)

// Connection is one live link to a Device, implementing
// ble.GATTConnection.
type Connection struct {
	device *Device

	writeChar  *writeCharacteristic
	notifyChar *notifyCharacteristic

	disconnected chan struct{}
	once         sync.Once

	mu         sync.Mutex
	state      connState
	engine     *handshake.Engine
	sessionKey []byte
	subscribed bool
}

var _ ble.GATTConnection = (*Connection)(nil)

func newConnection(d *Device) *Connection {
	c := &Connection{device: d, disconnected: make(chan struct{})}
	c.writeChar = &writeCharacteristic{conn: c}
	c.notifyChar = &notifyCharacteristic{conn: c, ch: make(chan []byte, 8)}
	return c
}

// Characteristic implements ble.GATTConnection.
func (c *Connection) Characteristic(uuid string) (ble.Characteristic, error) {
	switch uuid {
	case ble.WriteCharUUID:
		return c.writeChar, nil
	case ble.NotifyCharUUID:
		return c.notifyChar, nil
	default:
		return nil, &unknownCharacteristicError{uuid: uuid}
	}
}

// Disconnected implements ble.GATTConnection.
func (c *Connection) Disconnected() <-chan struct{} { return c.disconnected }

// Disconnect implements ble.GATTConnection: a host-initiated disconnect.
func (c *Connection) Disconnect() error {
	c.signalDisconnect()
	return nil
}

func (c *Connection) signalDisconnect() {
	c.once.Do(func() { close(c.disconnected) })
}

// onSubscribed starts the encrypted handshake, if the device is
// configured for one, shortly after the host subscribes to
// notifications — mirroring a real station's unsolicited challenge.
func (c *Connection) onSubscribed() {
	c.mu.Lock()
	if c.subscribed || c.device.bundle == nil {
		c.subscribed = true
		c.mu.Unlock()
		return
	}
	c.subscribed = true
	c.mu.Unlock()

	delay := c.device.ChallengeDelay
	go func() {
		time.Sleep(delay)
		c.startHandshake()
	}()
}

func (c *Connection) startHandshake() {
	engine := handshake.NewEngine(handshake.RoleInitiator, c.device.bundle)
	outbound, err := engine.Start()
	if err != nil {
		return
	}

	c.mu.Lock()
	c.engine = engine
	c.state = connStateHandshaking
	c.mu.Unlock()

	for _, frame := range outbound {
		c.pushNotify(frame)
	}
}

// onHostWrite handles one frame written by the host: a handshake reply
// while handshaking, otherwise a MODBUS command.
func (c *Connection) onHostWrite(data []byte) {
	c.mu.Lock()
	state := c.state
	engine := c.engine
	c.mu.Unlock()

	if state == connStateHandshaking && engine != nil {
		outbound, err := engine.Advance(data)
		for _, frame := range outbound {
			c.pushNotify(frame)
		}
		if err != nil {
			return
		}
		if engine.Done {
			c.mu.Lock()
			c.sessionKey = engine.SessionKey
			c.state = connStateReady
			c.mu.Unlock()
		}
		return
	}

	c.handleCommand(data)
}

// handleCommand decrypts (if a session key is in effect), runs the
// command through the MODBUS server, applies any queued failure
// injection, re-encrypts, and pushes the response — or withholds it
// entirely for an injected timeout, or disconnects for an injected
// connection error.
func (c *Connection) handleCommand(frame []byte) {
	c.mu.Lock()
	sessionKey := c.sessionKey
	c.mu.Unlock()

	plain := frame
	if sessionKey != nil {
		p, err := aescbc.DecodeFrame(sessionKey, frame, nil)
		if err != nil {
			return
		}
		plain = p
	}

	out := c.device.Failures.consume()
	if out.connErr {
		c.signalDisconnect()
		return
	}
	if out.timeout {
		return
	}

	var response []byte
	if out.hasCanned {
		response = out.canned
	} else {
		response = c.device.srv.handle(plain)
	}
	if out.crcError {
		response = corruptCRC(response)
	}

	if sessionKey != nil {
		wrapped, err := aescbc.EncodeFrame(sessionKey, response, nil)
		if err != nil {
			return
		}
		response = wrapped
	}
	c.pushNotify(response)
}

func (c *Connection) pushNotify(frame []byte) {
	select {
	case c.notifyChar.ch <- frame:
	default:
		// Notification channel full: a real peripheral would drop the
		// stale notification rather than block.
	}
}

// corruptCRC flips the low bit of a response's trailing checksum byte,
// simulating transport bit corruption.
func corruptCRC(frame []byte) []byte {
	if len(frame) == 0 {
		return frame
	}
	out := append([]byte(nil), frame...)
	out[len(out)-1] ^= 0x01
	return out
}

type unknownCharacteristicError struct{ uuid string }

func (e *unknownCharacteristicError) Error() string {
	return "blemock: unknown characteristic " + e.uuid
}

// writeCharacteristic is the command-inbound characteristic: the host
// writes MODBUS/handshake frames here.
type writeCharacteristic struct {
	conn *Connection
}

var _ ble.Characteristic = (*writeCharacteristic)(nil)

func (w *writeCharacteristic) WriteWithResponse(ctx context.Context, data []byte) error {
	w.conn.onHostWrite(data)
	return nil
}

func (w *writeCharacteristic) Subscribe(ctx context.Context) (<-chan []byte, error) {
	return nil, &unsupportedOperationError{op: "subscribe on write characteristic"}
}

// notifyCharacteristic is the response-outbound characteristic: the
// device pushes MODBUS/handshake frames here for the host to receive.
type notifyCharacteristic struct {
	conn *Connection
	ch   chan []byte
}

var _ ble.Characteristic = (*notifyCharacteristic)(nil)

func (n *notifyCharacteristic) WriteWithResponse(ctx context.Context, data []byte) error {
	return &unsupportedOperationError{op: "write on notify characteristic"}
}

func (n *notifyCharacteristic) Subscribe(ctx context.Context) (<-chan []byte, error) {
	n.conn.onSubscribed()
	return n.ch, nil
}

type unsupportedOperationError struct{ op string }

func (e *unsupportedOperationError) Error() string {
	return "blemock: unsupported operation: " + e.op
}
