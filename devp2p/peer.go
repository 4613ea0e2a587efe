package devp2p

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/lattice-net/devp2p/enode"
	"github.com/lattice-net/devp2p/rlpx"
)

const (
	// baseProtocolVersion is the p2p wire-protocol version this
	// implementation speaks; a peer advertising a newer version in its
	// Hello is rejected as incompatible.
	baseProtocolVersion = 5

	// snappyProtocolVersion is the lowest p2p version at which both
	// peers are known to support snappy-compressed frame payloads.
	snappyProtocolVersion = 5

	pingInterval = 15 * time.Second
)

// reserved devp2p message codes.
const (
	helloMsg = 0x00
	discMsg  = 0x01
	pingMsg  = 0x02
	pongMsg  = 0x03
)

// errProtocolReturned is reported to Peer.run when a subprotocol's Run
// function returns nil; a well-behaved Run only returns on error or when
// the peer disconnects, both of which produce a non-nil error.
var errProtocolReturned = errors.New("devp2p: protocol returned without error")

// ErrShuttingDown is returned to subprotocol writers when the peer
// connection has already closed.
var ErrShuttingDown = errors.New("devp2p: shutting down")

// protoHandshake is the RLP body of the Hello message (msg-id 0).
type protoHandshake struct {
	Version    uint64
	Name       string
	Caps       []Cap
	ListenPort uint64
	ID         []byte // 64-byte uncompressed secp256k1 public key

	Rest []rlp.RawValue `rlp:"tail"`
}

// wireConn adapts an already-handshaked *rlpx.Conn to the MsgReadWriter
// interface devp2p's FSM and subprotocol handlers speak.
type wireConn struct {
	conn *rlpx.Conn
}

func (w *wireConn) ReadMsg() (Msg, error) {
	code, size, payload, err := w.conn.ReadMsg()
	if err != nil {
		return Msg{}, err
	}
	return Msg{Code: code, Size: size, Payload: payload}, nil
}

func (w *wireConn) WriteMsg(msg Msg) error {
	_, err := w.conn.WriteMsg(msg.Code, msg.Size, msg.Payload)
	return err
}

func (w *wireConn) SetSnappy(snappy bool) { w.conn.SetSnappy(snappy) }

func (w *wireConn) Close() error { return w.conn.Close() }

// connState is the Wire Connection's lifecycle state (§3 Data Model).
type connState int

const (
	stateAwaitHello connState = iota
	stateActive
	stateClosed
)

// Peer represents one live devp2p connection: the negotiated reserved
// control-message handling plus the subprotocol offset map computed from
// the peer's Hello.
type Peer struct {
	rw      MsgReadWriter
	log     log.Logger
	created time.Time

	localHello protoHandshake
	localID    enode.ID

	// expectedID is the node id the caller intended to reach, known only
	// for outbound connections (zero for inbound, where the id is simply
	// learned from Hello).
	expectedID enode.ID

	peerID   enode.ID
	peerName string
	peerCaps []Cap

	protocols []Protocol // locally installed, in registry order

	stateMu sync.Mutex
	state   connState

	ranges    []offsetRange
	runningMu sync.RWMutex
	running   map[string]*protoRW

	pongMu sync.Mutex
	pongCh chan struct{}

	wg        sync.WaitGroup
	protoErr  chan error
	closed    chan struct{}
	closeOnce sync.Once
	disc      chan DiscReason

	writeStart chan struct{}
	writeErr   chan error

	onDisconnect func(*Peer, DiscReason)
	onHandshake  func(*Peer)

	remote net.Addr
	local  net.Addr
}

// newPeer builds a Peer around rw, which speaks devp2p Msg framing (in
// production this wraps an already RLPx-handshaked *rlpx.Conn via
// wireConn; tests may pass anything satisfying MsgReadWriter, e.g. an
// MsgPipe endpoint). expectedID is the node id the caller dialed (zero for
// inbound connections, which have no prior expectation). The caller still
// has to call run to perform the Hello exchange.
func newPeer(logger log.Logger, rw MsgReadWriter, localID, expectedID enode.ID, ourHello protoHandshake, protocols []Protocol, remote, local net.Addr) *Peer {
	return &Peer{
		rw:         rw,
		log:        logger,
		created:    time.Now(),
		localHello: ourHello,
		localID:    localID,
		expectedID: expectedID,
		protocols:  protocols,
		state:      stateAwaitHello,
		running:    make(map[string]*protoRW),
		protoErr:   make(chan error, len(protocols)+1),
		closed:     make(chan struct{}),
		disc:       make(chan DiscReason),
		remote:     remote,
		local:      local,
	}
}

// ID returns the peer's node identity, valid only once the Hello exchange
// has completed.
func (p *Peer) ID() enode.ID { return p.peerID }

// Name returns the client identifier the peer advertised in its Hello.
func (p *Peer) Name() string { return p.peerName }

// Caps returns the capabilities the peer advertised, in received order.
func (p *Peer) Caps() []Cap { return p.peerCaps }

// RemoteAddr returns the remote address of the underlying connection.
func (p *Peer) RemoteAddr() net.Addr { return p.remote }

// LocalAddr returns the local address of the underlying connection.
func (p *Peer) LocalAddr() net.Addr { return p.local }

// Closed returns a channel that is closed once the peer has disconnected,
// for callers selecting alongside a pong-wait channel.
func (p *Peer) Closed() <-chan struct{} { return p.closed }

func (p *Peer) String() string {
	return fmt.Sprintf("Peer %x %v", p.peerID[:8], p.remote)
}

// Disconnect requests termination of the connection with the given
// reason. It returns immediately; the disconnect handler runs
// asynchronously from Peer.run. Calling Disconnect more than once, or
// concurrently with a remote-initiated disconnect, is safe - only the
// first reason to reach run is acted on.
func (p *Peer) Disconnect(reason DiscReason) {
	select {
	case p.disc <- reason:
	case <-p.closed:
	}
}

// SendPing writes a Ping message and returns a channel that is closed
// when the matching Pong arrives. A Ping in flight when SendPing is
// called again is abandoned - its channel is never completed, matching
// the "replaced on next Ping" rule for awaiting-pong. Callers should
// select on the returned channel together with Closed() to notice
// disconnects while a pong is outstanding.
func (p *Peer) SendPing() (<-chan struct{}, error) {
	ch := make(chan struct{})
	p.pongMu.Lock()
	p.pongCh = ch
	p.pongMu.Unlock()
	if err := SendItems(p.rw, pingMsg); err != nil {
		return nil, err
	}
	return ch, nil
}

func (p *Peer) run() (remoteRequested bool, err error) {
	var (
		readErr = make(chan error, 1)
		reason  DiscReason
	)
	p.writeStart = make(chan struct{}, 1)
	p.writeErr = make(chan error, 1)

	if err := Send(p.rw, helloMsg, p.localHello); err != nil {
		close(p.closed)
		return false, err
	}

	p.wg.Add(2)
	go p.readLoop(readErr)
	go p.pingLoop()

	p.writeStart <- struct{}{}

loop:
	for {
		select {
		case err = <-p.writeErr:
			if err != nil {
				reason = DiscNetworkError
				break loop
			}
			p.writeStart <- struct{}{}
		case err = <-readErr:
			if r, ok := err.(DiscReason); ok {
				remoteRequested = true
				reason = r
			} else {
				reason = discReasonForError(err)
			}
			break loop
		case err = <-p.protoErr:
			reason = discReasonForError(err)
			break loop
		case reason = <-p.disc:
			err = reason
			break loop
		}
	}

	p.closeOnce.Do(func() {
		p.setState(stateClosed)
		close(p.closed)
		if !remoteRequested {
			SendItems(p.rw, discMsg, reason)
		}
		p.pongMu.Lock()
		if p.pongCh != nil {
			close(p.pongCh)
			p.pongCh = nil
		}
		p.pongMu.Unlock()
		if p.onDisconnect != nil {
			p.onDisconnect(p, reason)
		}
	})
	if c, ok := p.rw.(io.Closer); ok {
		c.Close()
	}
	p.wg.Wait()
	return remoteRequested, err
}

func (p *Peer) getState() connState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

func (p *Peer) setState(s connState) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

func (p *Peer) pingLoop() {
	defer p.wg.Done()
	t := time.NewTimer(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if _, err := p.SendPing(); err != nil {
				p.protoErr <- err
				return
			}
			t.Reset(pingInterval)
		case <-p.closed:
			return
		}
	}
}

func (p *Peer) readLoop(errc chan<- error) {
	defer p.wg.Done()
	for {
		msg, err := p.rw.ReadMsg()
		if err != nil {
			errc <- err
			return
		}
		msg.ReceivedAt = time.Now()
		if err := p.handle(msg); err != nil {
			errc <- err
			return
		}
	}
}

// handle dispatches one inbound message: reserved control codes are
// handled inline, everything else is routed through the offset map to a
// subprotocol. Only readLoop calls handle, so the wire state fields it
// touches (ranges, running, peer*, state) need no locking here.
func (p *Peer) handle(msg Msg) error {
	switch {
	case msg.Code == helloMsg:
		return p.handleHello(msg)
	case msg.Code == discMsg:
		var reason [1]DiscReason
		rlp.Decode(msg.Payload, &reason)
		return reason[0]
	case msg.Code == pingMsg:
		msg.Discard()
		go SendItems(p.rw, pongMsg)
		return nil
	case msg.Code == pongMsg:
		msg.Discard()
		p.pongMu.Lock()
		ch := p.pongCh
		p.pongCh = nil
		p.pongMu.Unlock()
		if ch != nil {
			close(ch)
		}
		return nil
	case msg.Code < baseProtocolLength:
		return msg.Discard()
	default:
		if p.getState() != stateActive {
			msg.Discard()
			return NewPeerError(ErrProtocolBreach, "subprotocol message %#x before hello", msg.Code)
		}
		r, ok := findByCode(p.ranges, msg.Code)
		if !ok {
			msg.Discard()
			return NewPeerError(ErrProtocolBreach, "msg code out of range: %v", msg.Code)
		}
		p.runningMu.RLock()
		proto := p.running[r.proto.Name]
		p.runningMu.RUnlock()
		select {
		case proto.in <- msg:
			return nil
		case <-p.closed:
			return io.EOF
		}
	}
}

// handleHello validates the peer's Hello and, on success, computes the
// offset map and starts every negotiated subprotocol's Run function.
func (p *Peer) handleHello(msg Msg) error {
	if p.getState() != stateAwaitHello {
		return NewPeerError(ErrProtocolBreach, "duplicate hello")
	}
	var hello protoHandshake
	if err := msg.Decode(&hello); err != nil {
		return NewPeerError(ErrInvalidMsg, "bad hello: %v", err)
	}

	if len(hello.ID) == 0 {
		return NewPeerError(ErrPubkeyMissing, "empty node id in hello")
	}
	var peerID enode.ID
	if len(hello.ID) != len(peerID) {
		return NewPeerError(ErrPubkeyInvalid, "node id length %d, want %d", len(hello.ID), len(peerID))
	}
	copy(peerID[:], hello.ID)
	// For outbound connections the caller named the node it expected to
	// reach; a Hello claiming a different id means we got dialed through to
	// (or redirected to) somebody else. Inbound connections have no prior
	// expectation - peerID is simply learned here.
	if !p.expectedID.IsZero() && peerID != p.expectedID {
		return NewPeerError(ErrPubkeyForbidden, "peer id %x does not match expected %x", peerID, p.expectedID)
	}
	if peerID == p.localID {
		return NewPeerError(ErrConnectedToSelf, "peer id matches local id")
	}
	if hello.Version > baseProtocolVersion {
		return NewPeerError(ErrP2PVersionMismatch, "peer p2p version %d > %d", hello.Version, baseProtocolVersion)
	}
	if hello.ListenPort > 65535 {
		return NewPeerError(ErrInvalidListenPort, "listen port %d out of range", hello.ListenPort)
	}
	if name, dup := hasDuplicateName(hello.Caps); dup {
		return NewPeerError(ErrProtocolBreach, "duplicate capability %q in hello", name)
	}

	p.peerID = peerID
	p.peerName = hello.Name
	p.peerCaps = hello.Caps
	p.ranges = matchProtocols(p.protocols, hello.Caps)

	if hello.Version >= snappyProtocolVersion && p.localHello.Version >= snappyProtocolVersion {
		if sc, ok := p.rw.(interface{ SetSnappy(bool) }); ok {
			sc.SetSnappy(true)
		}
	}

	p.setState(stateActive)
	p.launchProtocols()
	if p.onHandshake != nil {
		p.onHandshake(p)
	}
	return nil
}

// protoRW is the per-subprotocol MsgReadWriter a Run function is given.
// It translates between the subprotocol's own zero-based message ids and
// the wire ids assigned by the offset map.
type protoRW struct {
	Protocol
	rng offsetRange

	in     chan Msg
	closed <-chan struct{}
	wstart <-chan struct{}
	werr   chan<- error
	w      MsgWriter
}

func (rw *protoRW) WriteMsg(msg Msg) error {
	if msg.Code >= rw.rng.hi-rw.rng.lo {
		return NewPeerError(ErrInvalidMsgCode, "not handled")
	}
	msg.Code += rw.rng.lo

	select {
	case <-rw.wstart:
		err := rw.w.WriteMsg(msg)
		rw.werr <- err
		return err
	case <-rw.closed:
		return ErrShuttingDown
	}
}

func (rw *protoRW) ReadMsg() (Msg, error) {
	select {
	case msg := <-rw.in:
		msg.Code -= rw.rng.lo
		return msg, nil
	case <-rw.closed:
		return Msg{}, io.EOF
	}
}

// launchProtocols builds a protoRW per negotiated range and starts its
// Run function in its own goroutine. Called once, from handleHello.
func (p *Peer) launchProtocols() {
	p.wg.Add(len(p.ranges))
	for _, r := range p.ranges {
		r := r
		rw := &protoRW{
			Protocol: r.proto,
			rng:      r,
			in:       make(chan Msg),
			closed:   p.closed,
			wstart:   p.writeStart,
			werr:     p.writeErr,
			w:        p.rw,
		}
		p.runningMu.Lock()
		p.running[r.proto.Name] = rw
		p.runningMu.Unlock()
		go func() {
			defer p.wg.Done()
			err := rw.Run(p, rw)
			if err == nil {
				err = errProtocolReturned
			} else if err != io.EOF {
				p.log.Trace(fmt.Sprintf("protocol %s/%d failed", rw.Name, rw.Version), "err", err)
			}
			p.protoErr <- err
		}()
	}
}

// writerFor returns the MsgWriter negotiated for the named subprotocol,
// for use by callers that address a peer by protocol name rather than
// holding the MsgReadWriter passed into that protocol's Run function.
func (p *Peer) writerFor(name string) (MsgWriter, bool) {
	p.runningMu.RLock()
	defer p.runningMu.RUnlock()
	rw, ok := p.running[name]
	return rw, ok
}

// PeerInfo is a snapshot of what's known about a connected peer, with
// per-subprotocol metadata delegated to each negotiated Protocol.
type PeerInfo struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	Caps    []string               `json:"caps"`
	Network struct {
		LocalAddress  string `json:"localAddress"`
		RemoteAddress string `json:"remoteAddress"`
	} `json:"network"`
	Protocols map[string]interface{} `json:"protocols"`
}

// Info gathers metadata about the peer for an owning service to expose
// over RPC or metrics.
func (p *Peer) Info() *PeerInfo {
	var caps []string
	for _, c := range p.peerCaps {
		caps = append(caps, c.String())
	}
	info := &PeerInfo{
		ID:        p.peerID.String(),
		Name:      p.peerName,
		Caps:      caps,
		Protocols: make(map[string]interface{}),
	}
	info.Network.LocalAddress = p.local.String()
	info.Network.RemoteAddress = p.remote.String()

	p.runningMu.RLock()
	for name, rw := range p.running {
		protoInfo := interface{}("unknown")
		if query := rw.Protocol.PeerInfo; query != nil {
			if metadata := query(p.peerID); metadata != nil {
				protoInfo = metadata
			} else {
				protoInfo = "handshake"
			}
		}
		info.Protocols[name] = protoInfo
	}
	p.runningMu.RUnlock()
	return info
}

