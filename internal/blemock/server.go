package blemock

import (
	"encoding/binary"

	"github.com/edgeflow/psdiscover/internal/crc"
	"github.com/edgeflow/psdiscover/internal/modbus"
)

// exceptionIllegalDataAddress is the MODBUS exception code returned when
// a request touches a register outside the configured readable/writable
// ranges.
const exceptionIllegalDataAddress = 0x02

// server answers MODBUS requests against a registerFile, gated by
// readable/writable address ranges, exactly the shape a real power
// station exposes over its single logical unit.
type server struct {
	registers *registerFile
	readable  []AddrRange
	writable  []AddrRange
}

func newServer(readable, writable []AddrRange) *server {
	return &server{registers: newRegisterFile(), readable: readable, writable: writable}
}

// handle parses and answers one MODBUS request frame. The request's CRC
// is not checked — a real device would reject a corrupt request, but this
// mock only injects failures on its own outbound responses, per the
// spec's mock device scope. It returns the response frame, including
// exception responses, with a valid CRC.
func (s *server) handle(frame []byte) []byte {
	if len(frame) < 2 {
		return s.exception(0, exceptionIllegalDataAddress)
	}
	function := frame[1]

	switch function {
	case modbus.FuncReadHoldingRegisters:
		return s.handleReadHoldingRegisters(frame)
	case modbus.FuncWriteSingleRegister:
		return s.handleWriteSingleRegister(frame)
	case modbus.FuncWriteMultipleRegisters:
		return s.handleWriteMultipleRegisters(frame)
	default:
		return s.exception(function, 0x01) // illegal function
	}
}

func (s *server) handleReadHoldingRegisters(frame []byte) []byte {
	if len(frame) < 8 {
		return s.exception(modbus.FuncReadHoldingRegisters, exceptionIllegalDataAddress)
	}
	addr := binary.BigEndian.Uint16(frame[2:4])
	qty := binary.BigEndian.Uint16(frame[4:6])

	if qty == 0 || !allInAnyRange(s.readable, addr, qty) {
		return s.exception(modbus.FuncReadHoldingRegisters, exceptionIllegalDataAddress)
	}

	payload := make([]byte, 3+2*int(qty))
	payload[0] = modbus.SlaveAddress
	payload[1] = modbus.FuncReadHoldingRegisters
	payload[2] = byte(2 * qty)
	for i := uint16(0); i < qty; i++ {
		binary.BigEndian.PutUint16(payload[3+2*i:5+2*i], s.registers.get(addr+i))
	}
	return crc.Append(payload)
}

func (s *server) handleWriteSingleRegister(frame []byte) []byte {
	if len(frame) < 8 {
		return s.exception(modbus.FuncWriteSingleRegister, exceptionIllegalDataAddress)
	}
	addr := binary.BigEndian.Uint16(frame[2:4])
	value := binary.BigEndian.Uint16(frame[4:6])

	if !inAnyRange(s.writable, addr) {
		return s.exception(modbus.FuncWriteSingleRegister, exceptionIllegalDataAddress)
	}
	s.registers.set(addr, value)

	payload := append([]byte(nil), frame[:6]...)
	return crc.Append(payload)
}

func (s *server) handleWriteMultipleRegisters(frame []byte) []byte {
	if len(frame) < 9 {
		return s.exception(modbus.FuncWriteMultipleRegisters, exceptionIllegalDataAddress)
	}
	addr := binary.BigEndian.Uint16(frame[2:4])
	qty := binary.BigEndian.Uint16(frame[4:6])
	byteCount := int(frame[6])
	if byteCount != 2*int(qty) || len(frame) < 7+byteCount+2 {
		return s.exception(modbus.FuncWriteMultipleRegisters, exceptionIllegalDataAddress)
	}

	if qty == 0 || !allInAnyRange(s.writable, addr, qty) {
		return s.exception(modbus.FuncWriteMultipleRegisters, exceptionIllegalDataAddress)
	}

	data := frame[7 : 7+byteCount]
	for i := uint16(0); i < qty; i++ {
		s.registers.set(addr+i, binary.BigEndian.Uint16(data[2*i:2*i+2]))
	}

	payload := make([]byte, 6)
	payload[0] = modbus.SlaveAddress
	payload[1] = modbus.FuncWriteMultipleRegisters
	binary.BigEndian.PutUint16(payload[2:4], addr)
	binary.BigEndian.PutUint16(payload[4:6], qty)
	return crc.Append(payload)
}

func (s *server) exception(function, code byte) []byte {
	payload := []byte{modbus.SlaveAddress, function | 0x80, code}
	return crc.Append(payload)
}
