// Package modbus builds and parses MODBUS RTU-style frames for the three
// function codes this client speaks: Read Holding Registers (0x03), Write
// Single Register (0x06), and Write Multiple Registers (0x10).
//
// Frame layout: [slave][function][payload...][crc_lo][crc_hi]. crc16 is
// computed over every byte except the trailing two and stored
// little-endian.
package modbus

import (
	"encoding/binary"

	"github.com/edgeflow/psdiscover/internal/crc"
)

// SlaveAddress is the fixed MODBUS unit address this client always
// targets (the power station answers on a single logical unit).
const SlaveAddress = 0x01

// Function codes this client speaks.
const (
	FuncReadHoldingRegisters   byte = 0x03
	FuncWriteSingleRegister    byte = 0x06
	FuncWriteMultipleRegisters byte = 0x10
)

const exceptionBit = 0x80

// BuildReadHoldingRegisters builds a Read Holding Registers (0x03) request
// frame for `qty` registers starting at `addr`.
func BuildReadHoldingRegisters(addr, qty uint16) []byte {
	payload := make([]byte, 6)
	payload[0] = SlaveAddress
	payload[1] = FuncReadHoldingRegisters
	binary.BigEndian.PutUint16(payload[2:4], addr)
	binary.BigEndian.PutUint16(payload[4:6], qty)
	return crc.Append(payload)
}

// ParseReadHoldingRegistersResponse validates a 0x03 response against the
// request that produced it and returns the raw 2*qty register bytes.
func ParseReadHoldingRegistersResponse(addr, qty uint16, response []byte) ([]byte, error) {
	if err := validate(response, FuncReadHoldingRegisters); err != nil {
		return nil, err
	}
	expectedLen := 2*int(qty) + 5
	if len(response) != expectedLen {
		return nil, newChecksumErr("read holding registers: response length %d, want %d", len(response), expectedLen)
	}
	byteCount := int(response[2])
	if byteCount != 2*int(qty) {
		return nil, newChecksumErr("read holding registers: byte count %d, want %d", byteCount, 2*qty)
	}
	return response[3 : len(response)-2], nil
}

// BuildWriteSingleRegister builds a Write Single Register (0x06) request
// frame.
func BuildWriteSingleRegister(addr, value uint16) []byte {
	payload := make([]byte, 6)
	payload[0] = SlaveAddress
	payload[1] = FuncWriteSingleRegister
	binary.BigEndian.PutUint16(payload[2:4], addr)
	binary.BigEndian.PutUint16(payload[4:6], value)
	return crc.Append(payload)
}

// ParseWriteSingleRegisterResponse validates a 0x06 response, which echoes
// the request up to the CRC, and returns the two value bytes.
func ParseWriteSingleRegisterResponse(addr, value uint16, response []byte) ([]byte, error) {
	if err := validate(response, FuncWriteSingleRegister); err != nil {
		return nil, err
	}
	if len(response) != 8 {
		return nil, newChecksumErr("write single register: response length %d, want 8", len(response))
	}
	gotAddr := binary.BigEndian.Uint16(response[2:4])
	if gotAddr != addr {
		return nil, newChecksumErr("write single register: echoed address 0x%04X, want 0x%04X", gotAddr, addr)
	}
	return response[4:6], nil
}

// BuildWriteMultipleRegisters builds a Write Multiple Registers (0x10)
// request frame. data must hold 2*qty bytes, big-endian per register.
func BuildWriteMultipleRegisters(addr uint16, data []byte) ([]byte, error) {
	if len(data)%2 != 0 {
		return nil, newInvalidArgErr("write multiple registers: odd data length %d", len(data))
	}
	qty := uint16(len(data) / 2)
	payload := make([]byte, 7+len(data))
	payload[0] = SlaveAddress
	payload[1] = FuncWriteMultipleRegisters
	binary.BigEndian.PutUint16(payload[2:4], addr)
	binary.BigEndian.PutUint16(payload[4:6], qty)
	payload[6] = byte(len(data))
	copy(payload[7:], data)
	return crc.Append(payload), nil
}

// ParseWriteMultipleRegistersResponse validates a 0x10 response and
// returns its [addr_hi addr_lo qty_hi qty_lo] payload.
func ParseWriteMultipleRegistersResponse(addr, qty uint16, response []byte) ([]byte, error) {
	if err := validate(response, FuncWriteMultipleRegisters); err != nil {
		return nil, err
	}
	if len(response) != 8 {
		return nil, newChecksumErr("write multiple registers: response length %d, want 8", len(response))
	}
	gotAddr := binary.BigEndian.Uint16(response[2:4])
	gotQty := binary.BigEndian.Uint16(response[4:6])
	if gotAddr != addr || gotQty != qty {
		return nil, newChecksumErr("write multiple registers: echoed addr/qty 0x%04X/%d, want 0x%04X/%d", gotAddr, gotQty, addr, qty)
	}
	return response[2:6], nil
}

// validate applies the receipt validation order from the specification:
// (1) minimum length, (2) CRC, (3) exception bit, (4) function code match,
// with final size checks left to each per-function parser.
func validate(response []byte, wantFunc byte) error {
	if len(response) < 3 {
		return newChecksumErr("response too short: %d bytes", len(response))
	}
	if !crc.Verify(response) {
		return newChecksumErr("CRC mismatch")
	}

	function := response[1]
	if function&exceptionBit != 0 {
		return &Exception{FunctionCode: function &^ exceptionBit, ExceptionCode: response[2]}
	}

	if function != wantFunc {
		return newChecksumErr("unexpected function code 0x%02X, want 0x%02X", function, wantFunc)
	}

	return nil
}
