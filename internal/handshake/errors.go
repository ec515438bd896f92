package handshake

import "fmt"

// Code identifies a category of handshake failure.
type Code string

const (
	// CodeFormat covers prefix/length/checksum mismatches in the wire
	// message itself.
	CodeFormat Code = "handshake_format"
	// CodeSequence covers a message arriving for the wrong state given
	// the current role and phase.
	CodeSequence Code = "handshake_sequence"
	// CodeAuth covers an invalid ECDSA signature over a peer's ephemeral
	// public key.
	CodeAuth Code = "handshake_auth"
	// CodeRejected covers a peer reporting 0x01 in a state 3 or state 6
	// acceptance body.
	CodeRejected Code = "handshake_rejected"
)

// Error is the error type returned by this package.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("handshake: %s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("handshake: %s", e.Code)
}

// Is implements errors.Is comparison by Code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newFormatErr(format string, args ...interface{}) *Error {
	return &Error{Code: CodeFormat, Msg: fmt.Sprintf(format, args...)}
}

func newSequenceErr(format string, args ...interface{}) *Error {
	return &Error{Code: CodeSequence, Msg: fmt.Sprintf(format, args...)}
}

func newAuthErr(format string, args ...interface{}) *Error {
	return &Error{Code: CodeAuth, Msg: fmt.Sprintf(format, args...)}
}

func newRejectedErr(format string, args ...interface{}) *Error {
	return &Error{Code: CodeRejected, Msg: fmt.Sprintf(format, args...)}
}
