package devp2p

import "fmt"

// ErrorCode classifies faults detected by the wire protocol state
// machine, mirroring the reserved-message and handshake fault taxonomy
// a devp2p implementation needs to decide how to react and what
// disconnect reason to report.
type ErrorCode int

const (
	ErrReadError ErrorCode = iota
	ErrWriteError
	ErrMiscError
	ErrInvalidMsgCode
	ErrInvalidMsg
	ErrP2PVersionMismatch
	ErrPubkeyMissing
	ErrPubkeyInvalid
	ErrPubkeyForbidden
	ErrProtocolBreach
	ErrPingTimeout
	ErrSubprotocolNotNegotiated
	ErrServiceNotStarted
	ErrAlreadyConnected
	ErrConnectedToSelf
	ErrConnectionNotFound
	ErrInvalidListenPort
)

var errorToString = map[ErrorCode]string{
	ErrReadError:                "read error",
	ErrWriteError:               "write error",
	ErrMiscError:                "misc error",
	ErrInvalidMsgCode:           "invalid message code",
	ErrInvalidMsg:               "invalid message",
	ErrP2PVersionMismatch:       "p2p version mismatch",
	ErrPubkeyMissing:            "public key missing",
	ErrPubkeyInvalid:            "public key invalid",
	ErrPubkeyForbidden:          "public key forbidden",
	ErrProtocolBreach:           "protocol breach",
	ErrPingTimeout:              "ping timeout",
	ErrSubprotocolNotNegotiated: "subprotocol not negotiated",
	ErrServiceNotStarted:        "service not started",
	ErrAlreadyConnected:         "already connected",
	ErrConnectedToSelf:          "connected to self",
	ErrConnectionNotFound:       "connection not found",
	ErrInvalidListenPort:        "invalid listen port",
}

// PeerError is a fault raised while running the wire protocol for one
// peer. It carries enough information for disc.go to pick the matching
// DiscReason to send before the connection is torn down.
type PeerError struct {
	Code    ErrorCode
	message string
}

// NewPeerError builds a PeerError, panicking if code is not one of the
// constants above (a programmer error, not a runtime fault).
func NewPeerError(code ErrorCode, format string, v ...interface{}) *PeerError {
	desc, ok := errorToString[code]
	if !ok {
		panic("devp2p: invalid error code")
	}
	format = desc + ": " + format
	return &PeerError{Code: code, message: fmt.Sprintf(format, v...)}
}

func (e *PeerError) Error() string { return e.message }
