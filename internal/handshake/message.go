package handshake

import "encoding/binary"

// messagePrefix is the fixed two-byte marker every handshake message
// starts with.
var messagePrefix = [2]byte{0x2A, 0x2A}

// minMessageLen is the smallest legal message: prefix + state + body_len
// + checksum, with an empty body.
const minMessageLen = 2 + 1 + 1 + 2

// maxBodyLen is the largest body a one-byte length field can describe.
const maxBodyLen = 255

// encodeMessage builds [0x2A 0x2A][state][body_len][body...][sum_hi sum_lo].
func encodeMessage(state byte, body []byte) ([]byte, error) {
	if len(body) > maxBodyLen {
		return nil, newFormatErr("body length %d exceeds %d", len(body), maxBodyLen)
	}

	frame := make([]byte, 0, minMessageLen+len(body))
	frame = append(frame, messagePrefix[0], messagePrefix[1], state, byte(len(body)))
	frame = append(frame, body...)

	sum := checksum(state, byte(len(body)), body)
	sumBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(sumBytes, sum)
	frame = append(frame, sumBytes...)
	return frame, nil
}

// decodeMessage validates and parses a handshake wire message.
func decodeMessage(frame []byte) (state byte, body []byte, err error) {
	if len(frame) < minMessageLen {
		return 0, nil, newFormatErr("message length %d, need at least %d", len(frame), minMessageLen)
	}
	if frame[0] != messagePrefix[0] || frame[1] != messagePrefix[1] {
		return 0, nil, newFormatErr("bad prefix 0x%02X%02X", frame[0], frame[1])
	}

	state = frame[2]
	bodyLen := int(frame[3])
	wantLen := 4 + bodyLen + 2
	if len(frame) != wantLen {
		return 0, nil, newFormatErr("body_len %d implies message length %d, got %d", bodyLen, wantLen, len(frame))
	}
	body = frame[4 : 4+bodyLen]

	gotSum := binary.BigEndian.Uint16(frame[4+bodyLen:])
	wantSum := checksum(state, byte(bodyLen), body)
	if gotSum != wantSum {
		return 0, nil, newFormatErr("checksum mismatch: got 0x%04X, want 0x%04X", gotSum, wantSum)
	}

	return state, body, nil
}

// checksum is the big-endian unsigned 16-bit sum of state, body_len, and
// every body byte.
func checksum(state, bodyLen byte, body []byte) uint16 {
	sum := uint16(state) + uint16(bodyLen)
	for _, b := range body {
		sum += uint16(b)
	}
	return sum
}
