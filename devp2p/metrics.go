package devp2p

import (
	"net"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/lattice-net/devp2p/enode"
)

const (
	ingressMeterName = "devp2p/ingress"
	egressMeterName  = "devp2p/egress"
)

// PeerConnectEvent is emitted whenever a connection is registered by the
// owning service: after the RLPx handshake has completed, before the
// Hello exchange has necessarily completed.
type PeerConnectEvent struct {
	RemoteAddress string
	Inbound       bool
}

// PeerHandshakeEvent is emitted once RLPx and Hello negotiation both
// succeed for a connection.
type PeerHandshakeEvent struct {
	Peer enode.ID
	Caps []Cap
}

// PeerDisconnectEvent is emitted exactly once per connection, when its
// disconnect handler runs.
type PeerDisconnectEvent struct {
	Peer   enode.ID
	Reason DiscReason
}

// peerMeterEvents bundles the event.Feeds a service can subscribe to for
// connection lifecycle notifications, grounded on the teacher's
// networkMeterEvents aggregate.
type peerMeterEvents struct {
	connect    event.Feed
	handshake  event.Feed
	disconnect event.Feed

	scope event.SubscriptionScope
}

func (m *peerMeterEvents) SubscribeConnectEvent(ch chan<- PeerConnectEvent) event.Subscription {
	return m.scope.Track(m.connect.Subscribe(ch))
}

func (m *peerMeterEvents) SubscribeHandshakeEvent(ch chan<- PeerHandshakeEvent) event.Subscription {
	return m.scope.Track(m.handshake.Subscribe(ch))
}

func (m *peerMeterEvents) SubscribeDisconnectEvent(ch chan<- PeerDisconnectEvent) event.Subscription {
	return m.scope.Track(m.disconnect.Subscribe(ch))
}

func (m *peerMeterEvents) close() {
	m.scope.Close()
}

// meteredConn wraps a net.Conn, registering global ingress/egress traffic
// meters. It short-circuits to a plain passthrough when metrics
// collection is disabled or the remote address has no usable IP, mirroring
// the teacher's newMeteredConn guard.
type meteredConn struct {
	net.Conn
}

func newMeteredConn(conn net.Conn) net.Conn {
	if !metrics.Enabled {
		return conn
	}
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return conn
	}
	return &meteredConn{Conn: conn}
}

func (c *meteredConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	ingressMeter().Mark(int64(n))
	return n, err
}

func (c *meteredConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	egressMeter().Mark(int64(n))
	return n, err
}

func ingressMeter() metrics.Meter {
	return metrics.GetOrRegisterMeter(ingressMeterName, nil)
}

func egressMeter() metrics.Meter {
	return metrics.GetOrRegisterMeter(egressMeterName, nil)
}
