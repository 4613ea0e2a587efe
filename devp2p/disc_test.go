package devp2p

import "testing"

func TestDiscReasonForError(t *testing.T) {
	cases := []struct {
		err  error
		want DiscReason
	}{
		{DiscSelf, DiscSelf},
		{NewPeerError(ErrConnectedToSelf, "x"), DiscSelf},
		{NewPeerError(ErrP2PVersionMismatch, "x"), DiscIncompatibleVersion},
		{NewPeerError(ErrProtocolBreach, "x"), DiscProtocolError},
		{NewPeerError(ErrPubkeyMissing, "x"), DiscNullNodeIdentity},
		{errProtocolReturned, DiscSubprotocolError},
	}
	for _, c := range cases {
		if got := discReasonForError(c.err); got != c.want {
			t.Errorf("discReasonForError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestDiscReasonString(t *testing.T) {
	if DiscSelf.String() != "connected to self" {
		t.Errorf("unexpected string: %s", DiscSelf.String())
	}
	if got := DiscReason(99).String(); got == "" {
		t.Errorf("expected non-empty fallback string for unknown reason")
	}
}
