package devp2p

import "testing"

func TestMsgPipeSendReceive(t *testing.T) {
	a, b := MsgPipe()
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		done <- SendItems(a, 42, "hello", uint64(7))
	}()

	msg, err := b.ReadMsg()
	if err != nil {
		t.Fatalf("ReadMsg: %v", err)
	}
	if msg.Code != 42 {
		t.Errorf("code = %d, want 42", msg.Code)
	}
	var decoded struct {
		S string
		N uint64
	}
	if err := msg.Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.S != "hello" || decoded.N != 7 {
		t.Errorf("decoded = %+v, want {hello 7}", decoded)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendItems: %v", err)
	}
}

func TestMsgPipeCloseUnblocks(t *testing.T) {
	a, b := MsgPipe()
	errc := make(chan error, 1)
	go func() {
		_, err := a.ReadMsg()
		errc <- err
	}()
	b.Close()
	if err := <-errc; err != ErrPipeClosed {
		t.Errorf("got %v, want ErrPipeClosed", err)
	}
}
