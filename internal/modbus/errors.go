package modbus

import "fmt"

// Code identifies a category of MODBUS codec failure, matching the
// transport-wide error taxonomy so callers can branch without string
// matching.
type Code string

const (
	// CodeChecksum covers CRC mismatch, truncation, wrong function code,
	// and wrong response length.
	CodeChecksum Code = "checksum"
	// CodeException means the device returned a MODBUS exception response.
	CodeException Code = "modbus_exception"
	// CodeInvalidArgument covers malformed request parameters.
	CodeInvalidArgument Code = "invalid_argument"
)

// Error is the error type returned by this package. It satisfies
// errors.Is against a bare *Error with a matching Code.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("modbus: %s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("modbus: %s", e.Code)
}

// Is implements errors.Is comparison by Code alone, so callers can write
// errors.Is(err, &modbus.Error{Code: modbus.CodeChecksum}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newChecksumErr(format string, args ...interface{}) *Error {
	return &Error{Code: CodeChecksum, Msg: fmt.Sprintf(format, args...)}
}

func newInvalidArgErr(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

// Exception is a device-reported MODBUS exception response. It is
// surfaced verbatim to callers: per the error-propagation policy, a
// device exception means the caller asked for something the device
// refuses, and is never retried automatically.
type Exception struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *Exception) Error() string {
	return fmt.Sprintf("MODBUS exception: %d", e.ExceptionCode)
}

// Is classifies the exception under the shared taxonomy so it also
// satisfies errors.Is(err, &modbus.Error{Code: modbus.CodeException}).
func (e *Exception) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == CodeException
}
