package devp2p

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/lattice-net/devp2p/enode"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "test" }
func (a fakeAddr) String() string  { return string(a) }

var (
	testLocalID = enode.HexID("11111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111")
	testPeerID  = enode.HexID("22222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222")
)

type runResult struct {
	remoteRequested bool
	err             error
}

// startPeer wires a Peer to one end of an in-memory MsgPipe and starts
// run() in the background, returning the other end for the test to drive
// as if it were the remote peer.
func startPeer(t *testing.T, protocols []Protocol) (*Peer, *MsgPipeRW, <-chan runResult) {
	return startPeerExpecting(t, protocols, enode.ID{})
}

// startPeerExpecting is startPeer for an outbound connection that expects
// a specific remote node id.
func startPeerExpecting(t *testing.T, protocols []Protocol, expectedID enode.ID) (*Peer, *MsgPipeRW, <-chan runResult) {
	t.Helper()
	local, remote := MsgPipe()

	hello := protoHandshake{
		Version: baseProtocolVersion,
		Name:    "test-client",
		Caps:    capsOf(protocols),
		ID:      testLocalID.Bytes(),
	}
	peer := newPeer(log.Root(), local, testLocalID, expectedID, hello, protocols, fakeAddr("remote:30303"), fakeAddr("local:30303"))

	resultCh := make(chan runResult, 1)
	go func() {
		remoteRequested, err := peer.run()
		resultCh <- runResult{remoteRequested, err}
	}()
	return peer, remote, resultCh
}

func capsOf(protocols []Protocol) []Cap {
	caps := make([]Cap, len(protocols))
	for i, p := range protocols {
		caps[i] = p.cap()
	}
	return caps
}

func readHello(t *testing.T, remote *MsgPipeRW) protoHandshake {
	t.Helper()
	msg, err := remote.ReadMsg()
	if err != nil {
		t.Fatalf("ReadMsg: %v", err)
	}
	if msg.Code != helloMsg {
		t.Fatalf("code = %d, want helloMsg", msg.Code)
	}
	var hello protoHandshake
	if err := msg.Decode(&hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	return hello
}

func readDisconnect(t *testing.T, remote *MsgPipeRW) DiscReason {
	t.Helper()
	msg, err := remote.ReadMsg()
	if err != nil {
		t.Fatalf("ReadMsg: %v", err)
	}
	if msg.Code != discMsg {
		t.Fatalf("code = %d, want discMsg", msg.Code)
	}
	var reason [1]DiscReason
	if err := msg.Decode(&reason); err != nil {
		t.Fatalf("decode disc reason: %v", err)
	}
	return reason[0]
}

// TestHelloSelfConnectRejected is scenario S1: a peer whose Hello claims
// our own node id is disconnected with DiscSelf.
func TestHelloSelfConnectRejected(t *testing.T) {
	_, remote, result := startPeer(t, nil)
	readHello(t, remote)

	Send(remote, helloMsg, protoHandshake{
		Version: baseProtocolVersion,
		Name:    "impostor",
		ID:      testLocalID.Bytes(),
	})

	if got := readDisconnect(t, remote); got != DiscSelf {
		t.Errorf("disc reason = %v, want DiscSelf", got)
	}
	waitResult(t, result)
}

// TestHelloVersionMismatch is scenario S2.
func TestHelloVersionMismatch(t *testing.T) {
	_, remote, result := startPeer(t, nil)
	readHello(t, remote)

	Send(remote, helloMsg, protoHandshake{
		Version: baseProtocolVersion + 1,
		Name:    "future-client",
		ID:      testPeerID.Bytes(),
	})

	if got := readDisconnect(t, remote); got != DiscIncompatibleVersion {
		t.Errorf("disc reason = %v, want DiscIncompatibleVersion", got)
	}
	waitResult(t, result)
}

// TestHelloUnexpectedIdentity covers Hello validation step 2: an outbound
// connection that expected one node id must reject a Hello claiming a
// different one.
func TestHelloUnexpectedIdentity(t *testing.T) {
	var impostorID enode.ID
	copy(impostorID[:], bytes.Repeat([]byte{0x33}, 64))

	_, remote, result := startPeerExpecting(t, nil, testPeerID)
	readHello(t, remote)

	Send(remote, helloMsg, protoHandshake{
		Version: baseProtocolVersion,
		Name:    "impostor",
		ID:      impostorID.Bytes(),
	})

	if got := readDisconnect(t, remote); got != DiscUnexpectedIdentity {
		t.Errorf("disc reason = %v, want DiscUnexpectedIdentity", got)
	}
	waitResult(t, result)
}

// TestHelloExpectedIdentityAccepted checks that a matching Hello on an
// outbound connection is not rejected by the identity check.
func TestHelloExpectedIdentityAccepted(t *testing.T) {
	_, remote, result := startPeerExpecting(t, nil, testPeerID)
	readHello(t, remote)

	Send(remote, helloMsg, protoHandshake{
		Version: baseProtocolVersion,
		Name:    "expected-peer",
		ID:      testPeerID.Bytes(),
	})

	SendItems(remote, discMsg, DiscRequested)
	r := waitResult(t, result)
	if !r.remoteRequested {
		t.Errorf("expected clean handshake followed by peer-initiated disconnect")
	}
}

// TestHelloListenPortOutOfRange covers the 0-65535 listen-port bound.
func TestHelloListenPortOutOfRange(t *testing.T) {
	_, remote, result := startPeer(t, nil)
	readHello(t, remote)

	Send(remote, helloMsg, protoHandshake{
		Version:    baseProtocolVersion,
		Name:       "bad-port",
		ID:         testPeerID.Bytes(),
		ListenPort: 1 << 20,
	})

	if got := readDisconnect(t, remote); got != DiscProtocolError {
		t.Errorf("disc reason = %v, want DiscProtocolError", got)
	}
	waitResult(t, result)
}

// TestPrematureSubprotocolMessage is scenario S5: a subprotocol message
// arriving before Hello is a protocol breach.
func TestPrematureSubprotocolMessage(t *testing.T) {
	_, remote, result := startPeer(t, nil)
	readHello(t, remote)

	SendItems(remote, 17, []byte("too early"))

	if got := readDisconnect(t, remote); got != DiscProtocolError {
		t.Errorf("disc reason = %v, want DiscProtocolError", got)
	}
	waitResult(t, result)
}

// TestCapabilityNegotiationAndDispatch drives a full Hello exchange and a
// negotiated subprotocol message through to the protocol's Run function.
func TestCapabilityNegotiationAndDispatch(t *testing.T) {
	received := make(chan Msg, 1)
	proto := Protocol{
		Name: "foo", Version: 1, Length: 3,
		Run: func(peer *Peer, rw MsgReadWriter) error {
			msg, err := rw.ReadMsg()
			if err != nil {
				return err
			}
			received <- msg
			<-peer.Closed()
			return nil
		},
	}

	_, remote, result := startPeer(t, []Protocol{proto})
	readHello(t, remote)

	Send(remote, helloMsg, protoHandshake{
		Version: baseProtocolVersion,
		Name:    "peer-client",
		Caps:    []Cap{{Name: "foo", Version: 1}},
		ID:      testPeerID.Bytes(),
	})

	// range for "foo" is [17, 20): start=16, n=3, lo=17.
	// The pipe's WriteMsg returns only once the payload has been read,
	// which happens below, so the send runs in its own goroutine.
	sendErr := make(chan error, 1)
	go func() { sendErr <- SendItems(remote, 17, []byte("hi")) }()

	select {
	case msg := <-received:
		if msg.Code != 0 {
			t.Errorf("local msg code = %d, want 0", msg.Code)
		}
		var payload [1][]byte
		if err := msg.Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if !bytes.Equal(payload[0], []byte("hi")) {
			t.Errorf("payload = %q, want %q", payload[0], "hi")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("protocol never received dispatched message")
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("send subprotocol msg: %v", err)
	}

	SendItems(remote, discMsg, DiscRequested)
	r := waitResult(t, result)
	if !r.remoteRequested {
		t.Errorf("expected remoteRequested=true for peer-initiated disconnect")
	}
}

// TestPingPongLatch is scenario S4.
func TestPingPongLatch(t *testing.T) {
	peer, remote, result := startPeer(t, nil)
	readHello(t, remote)
	Send(remote, helloMsg, protoHandshake{Version: baseProtocolVersion, ID: testPeerID.Bytes()})

	// SendPing returns only once the remote end has read the Ping, so it
	// runs in its own goroutine while this one plays the remote peer.
	type pingResult struct {
		ch  <-chan struct{}
		err error
	}
	pingc := make(chan pingResult, 1)
	go func() {
		ch, err := peer.SendPing()
		pingc <- pingResult{ch, err}
	}()
	msg, err := remote.ReadMsg()
	if err != nil || msg.Code != pingMsg {
		t.Fatalf("expected ping, got code=%d err=%v", msg.Code, err)
	}
	msg.Discard()
	pr := <-pingc
	if pr.err != nil {
		t.Fatalf("SendPing: %v", pr.err)
	}
	ch := pr.ch
	SendItems(remote, pongMsg)

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("pong latch never resolved")
	}

	// Unsolicited pong with nothing outstanding must not panic or block.
	SendItems(remote, pongMsg)

	Send(remote, discMsg, [1]DiscReason{DiscRequested})
	waitResult(t, result)
}

// TestDisconnectIdempotent verifies the disconnect handler runs exactly
// once even under repeated/concurrent Disconnect calls.
func TestDisconnectIdempotent(t *testing.T) {
	var calls int
	done := make(chan struct{})
	peer, remote, result := startPeer(t, nil)
	peer.onDisconnect = func(*Peer, DiscReason) {
		calls++
		close(done)
	}
	readHello(t, remote)

	peer.Disconnect(DiscRequested)
	peer.Disconnect(DiscRequested)
	peer.Disconnect(DiscRequested)

	// The peer writes its Disconnect over the synchronous pipe before
	// running the handler; drain it as the remote side would.
	readDisconnect(t, remote)

	<-done
	waitResult(t, result)
	if calls != 1 {
		t.Errorf("onDisconnect called %d times, want 1", calls)
	}
}

func waitResult(t *testing.T, result <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-result:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("peer.run() never returned")
		return runResult{}
	}
}

var _ net.Addr = fakeAddr("")
