// Package ble implements the single-flight MODBUS-over-GATT request/
// response client: connect, optional encryption handshake, and
// read/write register operations, all serialized through one in-flight
// slot per client.
package ble

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/edgeflow/psdiscover/internal/aescbc"
	psdcrypto "github.com/edgeflow/psdiscover/internal/crypto"
	"github.com/edgeflow/psdiscover/internal/handshake"
	"github.com/edgeflow/psdiscover/internal/modbus"
	"go.uber.org/zap"
)

// State is one of the client lifecycle states (spec §4.4).
type State int

const (
	StateDetached State = iota
	StateConnecting
	StateIdle
	StateHandshaking
	StateReady
	StateBusy
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Client is a single-flight request/response engine over one device's
// GATT write/notify characteristics. Not safe for concurrent request
// calls — callers must serialize, per the single-flight contract; the
// client detects and rejects overlapping attempts with Concurrency
// rather than queuing them.
type Client struct {
	device GATTDevice
	bundle *psdcrypto.KeyBundle
	cfg    Config
	log    *zap.Logger

	mu         sync.Mutex
	state      State
	conn       GATTConnection
	writeChar  Characteristic
	notifyCh   <-chan []byte
	sessionKey []byte // nil until a session key is established or encryption is disabled
}

// NewClient builds a Detached client bound to device. bundle may be nil,
// meaning the caller never wants an encrypted session attempted.
func NewClient(device GATTDevice, bundle *psdcrypto.KeyBundle, cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{device: device, bundle: bundle, cfg: cfg, log: log, state: StateDetached}
}

// ID returns the bound device's identifier.
func (c *Client) ID() string { return c.device.ID() }

// DeviceName returns the bound device's display name.
func (c *Client) DeviceName() string { return c.device.Name() }

// IsConnected reports whether the client currently holds a GATT link.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateDetached
}

// IsEncrypted reports whether a session key is in effect.
func (c *Client) IsEncrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey != nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect acquires the GATT link, subscribes to notifications, and runs
// encryption auto-detection if a key bundle was supplied. A no-op if
// already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDetached {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.device.Connect(ctx)
	if err != nil {
		c.setState(StateDetached)
		return newErr(CodeDisconnected, "connect: %v", err)
	}

	writeChar, err := conn.Characteristic(c.cfg.WriteCharUUID)
	if err != nil {
		conn.Disconnect()
		c.setState(StateDetached)
		return newErr(CodeDisconnected, "resolving write characteristic: %v", err)
	}
	notifyChar, err := conn.Characteristic(c.cfg.NotifyCharUUID)
	if err != nil {
		conn.Disconnect()
		c.setState(StateDetached)
		return newErr(CodeDisconnected, "resolving notify characteristic: %v", err)
	}
	notifyCh, err := notifyChar.Subscribe(ctx)
	if err != nil {
		conn.Disconnect()
		c.setState(StateDetached)
		return newErr(CodeDisconnected, "subscribing to notifications: %v", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.writeChar = writeChar
	c.notifyCh = notifyCh
	c.mu.Unlock()

	go c.watchDisconnect(conn)

	if c.bundle != nil {
		if err := c.runEncryptionDetection(ctx, conn); err != nil {
			c.Disconnect()
			return err
		}
	} else {
		c.setState(StateReady)
	}

	c.log.Info("ble client connected",
		zap.String("device_id", c.device.ID()),
		zap.Bool("encrypted", c.IsEncrypted()),
	)
	return nil
}

// Disconnect tears the link down and clears session state. Safe to call
// when already detached.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.writeChar = nil
	c.notifyCh = nil
	c.sessionKey = nil
	c.state = StateDetached
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}

// watchDisconnect clears client state the moment the transport signals an
// unexpected disconnect, so a subsequent request call observes Detached
// and reconnects instead of blocking against a dead link.
func (c *Client) watchDisconnect(conn GATTConnection) {
	<-conn.Disconnected()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.writeChar = nil
		c.notifyCh = nil
		c.sessionKey = nil
		c.state = StateDetached
	}
	c.mu.Unlock()

	c.log.Warn("ble client disconnected", zap.String("device_id", c.device.ID()))
}

// runEncryptionDetection waits up to cfg.EncryptionWindow for an
// unsolicited notification. If one arrives it is treated as a state-1
// handshake challenge; otherwise the connection is considered plaintext.
func (c *Client) runEncryptionDetection(ctx context.Context, conn GATTConnection) error {
	c.setState(StateIdle)

	windowCtx, cancel := context.WithTimeout(ctx, c.cfg.EncryptionWindow)
	defer cancel()

	c.mu.Lock()
	notifyCh := c.notifyCh
	c.mu.Unlock()

	select {
	case frame, ok := <-notifyCh:
		if !ok {
			return newErr(CodeDisconnected, "notify channel closed during encryption detection")
		}
		return c.runHandshake(ctx, conn, frame)
	case <-conn.Disconnected():
		return newErr(CodeDisconnected, "disconnected during encryption detection")
	case <-windowCtx.Done():
		c.setState(StateReady)
		return nil
	}
}

// runHandshake drives the responder side of the handshake engine to
// completion, writing each outbound frame and awaiting the next
// notification in between.
func (c *Client) runHandshake(ctx context.Context, conn GATTConnection, firstFrame []byte) error {
	c.setState(StateHandshaking)
	engine := handshake.NewEngine(handshake.RoleResponder, c.bundle)

	c.mu.Lock()
	writeChar := c.writeChar
	notifyCh := c.notifyCh
	c.mu.Unlock()

	frame := firstFrame
	for {
		outbound, err := engine.Advance(frame)
		if err != nil {
			return newErr(CodeDisconnected, "handshake failed: %v", err)
		}
		for _, out := range outbound {
			if err := writeChar.WriteWithResponse(ctx, out); err != nil {
				return newErr(CodeDisconnected, "writing handshake frame: %v", err)
			}
		}
		if engine.Done {
			break
		}

		select {
		case next, ok := <-notifyCh:
			if !ok {
				return newErr(CodeDisconnected, "notify channel closed mid-handshake")
			}
			frame = next
		case <-conn.Disconnected():
			return newErr(CodeDisconnected, "disconnected mid-handshake")
		case <-ctx.Done():
			return newErr(CodeTimeout, "handshake timed out: %v", ctx.Err())
		}
	}

	c.mu.Lock()
	c.sessionKey = engine.SessionKey
	c.state = StateReady
	c.mu.Unlock()

	c.log.Debug("handshake complete", zap.String("device_id", c.device.ID()))
	return nil
}

// acquireSlot claims the single in-flight slot, failing fast if the
// client is detached or already busy.
func (c *Client) acquireSlot() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDetached:
		return newErr(CodeDisconnected, "not connected")
	case StateBusy:
		return newErr(CodeConcurrency, "a request is already in flight")
	case StateIdle, StateReady:
		c.state = StateBusy
		return nil
	default:
		return newErr(CodeDisconnected, "client in state %s", c.state)
	}
}

func (c *Client) releaseSlot(next State) {
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
}

// ensureConnected reconnects under the same deadline budget if the
// client finds itself Detached (auto-reconnect-on-demand).
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateDetached {
		return c.Connect(ctx)
	}
	return nil
}

// request runs the single-flight write/await-response pipeline (spec
// §4.4 steps 1–7, minus the MODBUS frame build which the caller already
// did). expectedPlainLen is the MODBUS response length callers expect
// back, used for the pre-I/O MTU check. The MTU applies to the plain
// MODBUS command and response sizes, before any AES-CBC wrapping.
func (c *Client) request(ctx context.Context, modbusFrame []byte, expectedPlainLen int) ([]byte, error) {
	if len(modbusFrame) > c.cfg.MTU {
		return nil, newErr(CodePacketTooLarge, "command size %d exceeds MTU %d", len(modbusFrame), c.cfg.MTU)
	}
	if expectedPlainLen > c.cfg.MTU {
		return nil, newErr(CodePacketTooLarge, "expected response size %d exceeds MTU %d", expectedPlainLen, c.cfg.MTU)
	}
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if err := c.acquireSlot(); err != nil {
		return nil, err
	}

	releasedState := StateReady
	defer func() { c.releaseSlot(releasedState) }()

	c.mu.Lock()
	sessionKey := c.sessionKey
	writeChar := c.writeChar
	notifyCh := c.notifyCh
	conn := c.conn
	c.mu.Unlock()

	outbound := modbusFrame
	if sessionKey != nil {
		wrapped, err := aescbc.EncodeFrame(sessionKey, modbusFrame, nil)
		if err != nil {
			return nil, newErr(CodePacketTooLarge, "wrapping request: %v", err)
		}
		outbound = wrapped
	}

	if err := writeChar.WriteWithResponse(ctx, outbound); err != nil {
		releasedState = StateDetached
		return nil, newErr(CodeDisconnected, "write: %v", err)
	}

	select {
	case frame, ok := <-notifyCh:
		if !ok {
			releasedState = StateDetached
			return nil, newErr(CodeDisconnected, "notify channel closed")
		}
		if sessionKey == nil {
			return frame, nil
		}
		plain, err := aescbc.DecodeFrame(sessionKey, frame, nil)
		if err != nil {
			return nil, err
		}
		return plain, nil
	case <-conn.Disconnected():
		releasedState = StateDetached
		return nil, newErr(CodeDisconnected, "disconnected while awaiting response")
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newErr(CodeTimeout, "awaiting response: %v", ctx.Err())
		}
		return nil, newErr(CodeCancelled, "awaiting response: %v", ctx.Err())
	}
}

// ReadRegisters reads count holding registers starting at start. A count
// that would overflow the per-request ceiling is not rejected up front:
// it naturally trips the MTU check in request() once the expected
// response size is computed, surfacing PacketTooLarge per spec.
func (c *Client) ReadRegisters(ctx context.Context, start, count uint16) ([]byte, error) {
	if count == 0 {
		return nil, newErr(CodeInvalidArgument, "count must be positive")
	}

	frame := modbus.BuildReadHoldingRegisters(start, count)
	expectedLen := 2*int(count) + 5

	response, err := c.request(ctx, frame, expectedLen)
	if err != nil {
		return nil, err
	}
	return modbus.ParseReadHoldingRegistersResponse(start, count, response)
}

// WriteRegisters writes data (an even number of bytes, one register per
// 2 bytes) starting at start.
func (c *Client) WriteRegisters(ctx context.Context, start uint16, data []byte) error {
	if len(data) == 0 || len(data)%2 != 0 {
		return newErr(CodeInvalidArgument, "data length %d must be a positive even number of bytes", len(data))
	}
	qty := uint16(len(data) / 2)

	var frame []byte
	var err error
	if qty == 1 {
		frame = modbus.BuildWriteSingleRegister(start, binary.BigEndian.Uint16(data))
	} else {
		frame, err = modbus.BuildWriteMultipleRegisters(start, data)
		if err != nil {
			return newErr(CodeInvalidArgument, "%v", err)
		}
	}

	response, err := c.request(ctx, frame, 8)
	if err != nil {
		return err
	}

	if qty == 1 {
		_, err = modbus.ParseWriteSingleRegisterResponse(start, binary.BigEndian.Uint16(data), response)
	} else {
		_, err = modbus.ParseWriteMultipleRegistersResponse(start, qty, response)
	}
	return err
}
