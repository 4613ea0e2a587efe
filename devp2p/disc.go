package devp2p

import "fmt"

// DiscReason is the single RLP-encoded list element carried by a
// Disconnect message (code 1), explaining why the sender is ending the
// session.
type DiscReason uint

const (
	DiscRequested DiscReason = iota
	DiscNetworkError
	DiscProtocolError
	DiscUselessPeer
	DiscTooManyPeers
	DiscAlreadyConnected
	DiscIncompatibleVersion
	DiscNullNodeIdentity
	DiscQuitting
	DiscUnexpectedIdentity
	DiscSelf
	DiscPingTimeout
	_ // 12: reserved, unused by this implementation
	_ // 13
	_ // 14
	_ // 15
	DiscSubprotocolError
)

var discReasonToString = map[DiscReason]string{
	DiscRequested:           "disconnect requested",
	DiscNetworkError:        "network error",
	DiscProtocolError:       "breach of protocol",
	DiscUselessPeer:         "useless peer",
	DiscTooManyPeers:        "too many peers",
	DiscAlreadyConnected:    "already connected",
	DiscIncompatibleVersion: "incompatible p2p protocol version",
	DiscNullNodeIdentity:    "null node identity",
	DiscQuitting:            "client quitting",
	DiscUnexpectedIdentity:  "unexpected identity",
	DiscSelf:                "connected to self",
	DiscPingTimeout:         "ping timeout",
	DiscSubprotocolError:    "subprotocol error",
}

func (d DiscReason) String() string {
	if s, ok := discReasonToString[d]; ok {
		return s
	}
	return fmt.Sprintf("unknown disconnect reason %d", uint(d))
}

func (d DiscReason) Error() string { return d.String() }

// discReasonForError maps a fault raised while running the wire
// protocol onto the DiscReason to send before closing the connection.
// Errors that are neither a DiscReason nor a PeerError with one of the
// codes below map to DiscSubprotocolError. Besides errors returned by a
// subprotocol's Run function, this includes transport read errors such
// as io.EOF or an rlpx MAC mismatch.
func discReasonForError(err error) DiscReason {
	if reason, ok := err.(DiscReason); ok {
		return reason
	}
	if peerErr, ok := err.(*PeerError); ok {
		switch peerErr.Code {
		case ErrP2PVersionMismatch:
			return DiscIncompatibleVersion
		case ErrPubkeyMissing, ErrPubkeyInvalid:
			return DiscNullNodeIdentity
		case ErrPubkeyForbidden:
			return DiscUnexpectedIdentity
		case ErrAlreadyConnected:
			return DiscAlreadyConnected
		case ErrConnectedToSelf:
			return DiscSelf
		case ErrPingTimeout:
			return DiscPingTimeout
		case ErrProtocolBreach, ErrInvalidMsgCode, ErrInvalidMsg, ErrInvalidListenPort:
			return DiscProtocolError
		case ErrReadError, ErrWriteError, ErrMiscError:
			return DiscNetworkError
		}
	}
	return DiscSubprotocolError
}
