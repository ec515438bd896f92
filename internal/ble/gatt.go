package ble

import "context"

// GATTDevice is a host-selected device handle, held across connect
// attempts so reconnecting never requires re-selecting the device. A real
// implementation wraps an OS or browser BLE binding (e.g. a
// tinygo.org/x/bluetooth peripheral); this package only depends on the
// interface.
type GATTDevice interface {
	ID() string
	Name() string
	// Connect acquires the GATT link, discovers the service, and returns
	// a live connection. ctx bounds the whole operation.
	Connect(ctx context.Context) (GATTConnection, error)
}

// GATTConnection is a live GATT link to one device's service.
type GATTConnection interface {
	// Characteristic resolves a characteristic by UUID within the
	// connected service.
	Characteristic(uuid string) (Characteristic, error)
	// Disconnected returns a channel that is closed exactly once, when
	// the OS or peer signals an unexpected disconnect.
	Disconnected() <-chan struct{}
	// Disconnect tears the link down from the client's side.
	Disconnect() error
}

// Characteristic is a single GATT characteristic this client writes to
// or subscribes on.
type Characteristic interface {
	// WriteWithResponse performs a GATT "write with response" and
	// returns once the peripheral has acknowledged the write.
	WriteWithResponse(ctx context.Context, data []byte) error
	// Subscribe enables notifications and returns a channel delivering
	// each notification payload. The channel is closed when the
	// connection is dropped.
	Subscribe(ctx context.Context) (<-chan []byte, error)
}
