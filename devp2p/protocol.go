package devp2p

import (
	"fmt"

	"github.com/lattice-net/devp2p/enode"
)

// baseProtocolLength is the number of message codes reserved for the
// wire protocol itself (Hello, Disconnect, Ping, Pong). Subprotocol
// message codes are offset to start above this range.
const baseProtocolLength = 16

// Protocol represents a subprotocol multiplexed over a devp2p session.
// Run is started once per connected peer, after Hello negotiation has
// matched this protocol against one the remote peer advertised; it
// should return when rw is closed or the peer disconnects.
type Protocol struct {
	// Name is the protocol identifier announced in Hello capabilities.
	Name string

	// Version is the protocol version announced in Hello capabilities.
	Version uint

	// Length is the number of message codes this protocol uses. Matched
	// peer capabilities are granted a contiguous code range of this size.
	Length uint64

	// Run is called for each peer that negotiates this protocol. The
	// peer is considered running as long as Run has not returned; when
	// it returns, the peer is disconnected, whether or not other
	// subprotocols' Run functions are still active. The reason sent is
	// derived from the returned error by discReasonForError; a nil return
	// is reported as DiscSubprotocolError.
	Run func(peer *Peer, rw MsgReadWriter) error

	// NodeInfo, if set, is called to retrieve protocol-specific metadata
	// about the local node for diagnostics.
	NodeInfo func() interface{}

	// PeerInfo, if set, retrieves protocol-specific metadata about a
	// connected peer, keyed by the peer's identity.
	PeerInfo func(id enode.ID) interface{}
}

func (p Protocol) cap() Cap {
	return Cap{p.Name, p.Version}
}

// Cap names a capability one side advertises in its Hello message: a
// subprotocol name and version the sender is willing to run.
type Cap struct {
	Name    string
	Version uint
}

func (cap Cap) String() string {
	return fmt.Sprintf("%s/%d", cap.Name, cap.Version)
}
