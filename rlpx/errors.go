package rlpx

import "fmt"

// ErrorCode classifies faults raised by the framing codec and handshake
// engine, mirroring the taxonomy devp2p implementations use to decide
// whether a fault is fatal to the connection.
type ErrorCode int

const (
	ErrShortFrame ErrorCode = iota
	ErrMACMismatch
	ErrDecodeError
	ErrInvalidAuth
	ErrUnsupportedVersion
	ErrPlainMessageTooLarge
)

var codeStrings = map[ErrorCode]string{
	ErrShortFrame:           "short frame",
	ErrMACMismatch:          "MAC mismatch",
	ErrDecodeError:          "decode error",
	ErrInvalidAuth:          "invalid auth",
	ErrUnsupportedVersion:   "unsupported version",
	ErrPlainMessageTooLarge: "message length >= 16MB",
}

// Error is a fault raised by the rlpx session layer. Every fault that
// terminates a connection carries one of these so the wire layer above
// can map it onto a devp2p disconnect reason.
type Error struct {
	Code    ErrorCode
	Message string
}

func newError(code ErrorCode, format string, v ...interface{}) *Error {
	desc, ok := codeStrings[code]
	if !ok {
		panic("rlpx: invalid error code")
	}
	return &Error{Code: code, Message: desc + ": " + fmt.Sprintf(format, v...)}
}

func (e *Error) Error() string { return e.Message }
