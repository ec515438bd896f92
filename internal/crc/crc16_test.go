package crc

import "testing"

func TestChecksumKnownVector(t *testing.T) {
	// Read Holding Registers request: slave 0x01, func 0x03, addr 0x0000, qty 0x0001.
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	sum := Checksum(frame)
	if sum != 0x0A84 {
		t.Fatalf("Checksum() = 0x%04X, want 0x0A84", sum)
	}
}

func TestAppendAndVerifyRoundTrip(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x00, 0x0A, 0x00, 0x03}
	framed := Append(frame)
	if len(framed) != len(frame)+2 {
		t.Fatalf("Append() length = %d, want %d", len(framed), len(frame)+2)
	}
	if !Verify(framed) {
		t.Fatalf("Verify() = false, want true for freshly appended frame")
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	frame := Append([]byte{0x01, 0x03, 0x00, 0x0A, 0x00, 0x03})
	frame[0] ^= 0xFF
	if Verify(frame) {
		t.Fatalf("Verify() = true, want false for corrupted frame")
	}
}

func TestVerifyRejectsShortFrame(t *testing.T) {
	if Verify([]byte{0x01, 0x02}) {
		t.Fatalf("Verify() = true, want false for frame shorter than 3 bytes")
	}
}

func TestChecksumRoundTripForAllBuiltFrames(t *testing.T) {
	frames := [][]byte{
		{0x01, 0x03, 0x00, 0x00, 0x00, 0x01},
		{0x01, 0x06, 0x00, 0x05, 0x00, 0x64},
		{0x01, 0x10, 0x00, 0x00, 0x00, 0x02, 0x04, 0x00, 0x01, 0x00, 0x02},
	}
	for _, f := range frames {
		framed := Append(append([]byte{}, f...))
		lo := framed[len(framed)-2]
		hi := framed[len(framed)-1]
		got := uint16(lo) | uint16(hi)<<8
		want := Checksum(f)
		if got != want {
			t.Fatalf("round trip mismatch: got 0x%04X, want 0x%04X", got, want)
		}
	}
}
