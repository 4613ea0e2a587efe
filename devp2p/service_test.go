package devp2p

import (
	"crypto/ecdsa"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func echoProtocol(received chan<- Msg) Protocol {
	return Protocol{
		Name: "echo", Version: 1, Length: 2,
		Run: func(peer *Peer, rw MsgReadWriter) error {
			for {
				msg, err := rw.ReadMsg()
				if err != nil {
					return err
				}
				received <- msg
			}
		},
	}
}

func waitActive(t *testing.T, p *Peer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.getState() == stateActive {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("peer never became active")
}

// TestServiceConnectAcceptAndSend is scenario S6: two services handshake
// over real TCP, negotiate a shared subprotocol, and exchange both a
// point-to-point Send and a Broadcast.
func TestServiceConnectAcceptAndSend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverKey, clientKey := mustKey(t), mustKey(t)
	serverReceived := make(chan Msg, 4)
	clientReceived := make(chan Msg, 4)

	server := NewService(Config{
		PrivateKey: serverKey,
		Name:       "server",
		Protocols:  []Protocol{echoProtocol(serverReceived)},
	})
	client := NewService(Config{
		PrivateKey: clientKey,
		Name:       "client",
		Protocols:  []Protocol{echoProtocol(clientReceived)},
	})
	defer server.Close()
	defer client.Close()

	var (
		wg         sync.WaitGroup
		serverPeer *Peer
		serverID   string
		acceptErr  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			acceptErr = err
			return
		}
		serverPeer, serverID, acceptErr = server.Accept(conn)
	}()

	clientPeer, clientID, err := client.Connect(ln.Addr().String(), &serverKey.PublicKey)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	wg.Wait()
	if acceptErr != nil {
		t.Fatalf("Accept: %v", acceptErr)
	}

	waitActive(t, clientPeer)
	waitActive(t, serverPeer)

	if err := client.Send(clientID, "echo", 0, []byte("ping")); err != nil {
		t.Fatalf("client.Send: %v", err)
	}
	select {
	case msg := <-serverReceived:
		payload, err := io.ReadAll(msg.Payload)
		if err != nil {
			t.Fatalf("read payload: %v", err)
		}
		if string(payload) != "ping" {
			t.Errorf("payload = %q, want ping", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received message")
	}

	failures := server.Broadcast("echo", 0, []byte("pong"))
	if len(failures) != 0 {
		t.Errorf("broadcast failures: %v", failures)
	}
	select {
	case msg := <-clientReceived:
		payload, err := io.ReadAll(msg.Payload)
		if err != nil {
			t.Fatalf("read payload: %v", err)
		}
		if string(payload) != "pong" {
			t.Errorf("payload = %q, want pong", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received broadcast")
	}

	if err := server.Disconnect(serverID, DiscQuitting); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case <-clientPeer.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("client peer never observed server-initiated disconnect")
	}
}

func TestServiceSendUnknownConnection(t *testing.T) {
	svc := NewService(Config{PrivateKey: mustKey(t)})
	defer svc.Close()

	err := svc.Send("does-not-exist", "echo", 0, nil)
	perr, ok := err.(*PeerError)
	if !ok || perr.Code != ErrConnectionNotFound {
		t.Errorf("err = %v, want ErrConnectionNotFound", err)
	}

	err = svc.Disconnect("does-not-exist", DiscRequested)
	perr, ok = err.(*PeerError)
	if !ok || perr.Code != ErrConnectionNotFound {
		t.Errorf("err = %v, want ErrConnectionNotFound", err)
	}
}

func TestServiceAcceptRejectsInvalidListenPort(t *testing.T) {
	svc := NewService(Config{PrivateKey: mustKey(t), ListenPort: 1 << 20})
	defer svc.Close()

	conn, peerConn := net.Pipe()
	defer peerConn.Close()

	_, _, err := svc.Accept(conn)
	perr, ok := err.(*PeerError)
	if !ok || perr.Code != ErrInvalidListenPort {
		t.Errorf("err = %v, want ErrInvalidListenPort", err)
	}
}

func TestServiceConnectAfterClose(t *testing.T) {
	svc := NewService(Config{PrivateKey: mustKey(t)})
	svc.Close()

	_, _, err := svc.Connect("127.0.0.1:1", &mustKey(t).PublicKey)
	perr, ok := err.(*PeerError)
	if !ok || perr.Code != ErrServiceNotStarted {
		t.Errorf("err = %v, want ErrServiceNotStarted", err)
	}
}
