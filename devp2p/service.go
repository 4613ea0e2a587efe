package devp2p

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/lattice-net/devp2p/enode"
	"github.com/lattice-net/devp2p/rlpx"
)

// Config configures a Service. It is a plain field struct passed into
// the constructor, not a functional-options builder, matching the
// teacher's Server field style.
type Config struct {
	PrivateKey  *ecdsa.PrivateKey
	Name        string // client id advertised in Hello
	ListenPort  uint64
	Protocols   []Protocol
	DialTimeout time.Duration
	Logger      log.Logger
}

// Service is the thin owner of a set of devp2p connections: it drives
// the RLPx handshake for outbound and inbound sockets, hands the result
// to a Peer, and keeps a connection registry that Send/Broadcast/
// Disconnect address by connection id. It does not implement discovery,
// dialing policy, or NAT traversal - those are out of scope.
type Service struct {
	config  Config
	localID enode.ID
	log     log.Logger

	mu      sync.RWMutex
	peers   map[string]*Peer
	seq     map[enode.ID]int
	closed  bool

	events peerMeterEvents
}

// NewService builds a Service around the given configuration. The
// service is ready to Connect/Accept immediately; there is no separate
// Start step because there is no listener owned here.
func NewService(config Config) *Service {
	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}
	return &Service{
		config:  config,
		localID: enode.PubkeyToID(&config.PrivateKey.PublicKey),
		log:     logger,
		peers:   make(map[string]*Peer),
		seq:     make(map[enode.ID]int),
	}
}

// LocalID returns this service's node identity.
func (s *Service) LocalID() enode.ID { return s.localID }

// Connect dials address, performs the RLPx handshake as initiator against
// the expected remote static key, registers the resulting connection and
// starts the Hello exchange in the background; the returned Peer becomes
// active once the remote Hello has been processed. It returns the
// connection id the caller should use with Send/Broadcast/Disconnect.
func (s *Service) Connect(address string, remotePubkey *ecdsa.PublicKey) (*Peer, string, error) {
	if s.isClosed() {
		return nil, "", NewPeerError(ErrServiceNotStarted, "service is closed")
	}
	conn, err := net.DialTimeout("tcp", address, s.dialTimeout())
	if err != nil {
		return nil, "", err
	}
	return s.setupConn(conn, remotePubkey)
}

// Accept performs the RLPx handshake as responder over an already
// accepted socket, registers the resulting connection and starts the
// Hello exchange in the background.
func (s *Service) Accept(conn net.Conn) (*Peer, string, error) {
	if s.isClosed() {
		conn.Close()
		return nil, "", NewPeerError(ErrServiceNotStarted, "service is closed")
	}
	return s.setupConn(conn, nil)
}

func (s *Service) dialTimeout() time.Duration {
	if s.config.DialTimeout > 0 {
		return s.config.DialTimeout
	}
	return 15 * time.Second
}

func (s *Service) setupConn(conn net.Conn, dialDest *ecdsa.PublicKey) (*Peer, string, error) {
	if s.config.ListenPort > 65535 {
		conn.Close()
		return nil, "", NewPeerError(ErrInvalidListenPort, "configured listen port %d out of range", s.config.ListenPort)
	}

	metered := newMeteredConn(conn)
	rconn := rlpx.NewConn(metered, dialDest)

	remotePub, err := rconn.Handshake(s.config.PrivateKey)
	if err != nil {
		conn.Close()
		s.log.Debug("devp2p handshake failed", "addr", conn.RemoteAddr(), "err", err)
		return nil, "", err
	}

	caps := make([]Cap, len(s.config.Protocols))
	for i, p := range s.config.Protocols {
		caps[i] = p.cap()
	}
	hello := protoHandshake{
		Version:    baseProtocolVersion,
		Name:       s.config.Name,
		Caps:       caps,
		ListenPort: s.config.ListenPort,
		ID:         s.localID.Bytes(),
	}

	remoteID := enode.PubkeyToID(remotePub)
	// dialDest is non-nil only for outbound connections; that's the one
	// case a caller named a specific node to reach, so it's the one case
	// handleHello has an expectation to check Hello's claimed id against.
	var expectedID enode.ID
	if dialDest != nil {
		expectedID = remoteID
	}

	peer := newPeer(s.log, &wireConn{conn: rconn}, s.localID, expectedID, hello, s.config.Protocols, rconn.RemoteAddr(), rconn.LocalAddr())
	connID := s.nextConnID(remoteID)

	peer.onDisconnect = func(p *Peer, reason DiscReason) {
		s.unregister(connID)
		s.events.disconnect.Send(PeerDisconnectEvent{Peer: p.peerID, Reason: reason})
	}
	peer.onHandshake = func(p *Peer) {
		s.events.handshake.Send(PeerHandshakeEvent{Peer: p.peerID, Caps: p.peerCaps})
	}

	s.register(connID, peer)
	s.events.connect.Send(PeerConnectEvent{RemoteAddress: conn.RemoteAddr().String(), Inbound: dialDest == nil})

	go func() {
		peer.run()
	}()

	return peer, connID, nil
}

func (s *Service) nextConnID(id enode.ID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.seq[id]
	s.seq[id] = n + 1
	return fmt.Sprintf("%s@%d", id.String(), n)
}

func (s *Service) register(connID string, peer *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[connID] = peer
}

func (s *Service) unregister(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, connID)
}

func (s *Service) peer(connID string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[connID]
	return p, ok
}

// Peers returns a snapshot of the currently registered connections.
func (s *Service) Peers() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Send writes one subprotocol frame to a single connection, identified
// by connection id and the negotiated protocol's name.
func (s *Service) Send(connID, protocolName string, localMsgID uint64, payload []byte) error {
	peer, ok := s.peer(connID)
	if !ok {
		return NewPeerError(ErrConnectionNotFound, "%q", connID)
	}
	w, ok := peer.writerFor(protocolName)
	if !ok {
		return NewPeerError(ErrSubprotocolNotNegotiated, "%s not negotiated on %q", protocolName, connID)
	}
	return w.WriteMsg(Msg{Code: localMsgID, Size: uint32(len(payload)), Payload: bytes.NewReader(payload)})
}

// Broadcast writes one subprotocol frame to every registered connection
// that has negotiated the named protocol. It returns the errors from
// individual sends, if any, keyed by connection id.
func (s *Service) Broadcast(protocolName string, localMsgID uint64, payload []byte) map[string]error {
	s.mu.RLock()
	snapshot := make(map[string]*Peer, len(s.peers))
	for connID, p := range s.peers {
		snapshot[connID] = p
	}
	s.mu.RUnlock()

	failures := make(map[string]error)
	for connID, p := range snapshot {
		w, ok := p.writerFor(protocolName)
		if !ok {
			continue
		}
		msg := Msg{Code: localMsgID, Size: uint32(len(payload)), Payload: bytes.NewReader(payload)}
		if err := w.WriteMsg(msg); err != nil {
			failures[connID] = err
		}
	}
	return failures
}

// Disconnect terminates one connection with the given reason.
func (s *Service) Disconnect(connID string, reason DiscReason) error {
	peer, ok := s.peer(connID)
	if !ok {
		return NewPeerError(ErrConnectionNotFound, "%q", connID)
	}
	peer.Disconnect(reason)
	return nil
}

// Close disconnects every registered connection and stops accepting new
// event subscriptions. It does not close listeners - Service never owns
// one.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, p := range s.Peers() {
		p.Disconnect(DiscQuitting)
	}
	s.events.close()
}

func (s *Service) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
