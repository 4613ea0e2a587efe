// Package enode identifies peers on the devp2p network by their raw
// secp256k1 public key, the identity shape used by the RLPx handshake
// and by the devp2p Hello message (64 bytes, X||Y, no format prefix).
package enode

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// ID is a node's identity: the uncompressed secp256k1 public key of
// its static keypair, stripped of the leading 0x04 format byte.
type ID [64]byte

// PubkeyToID derives the node ID from a public key.
func PubkeyToID(pub *ecdsa.PublicKey) ID {
	var id ID
	pubBytes := crypto.FromECDSAPub(pub)
	copy(id[:], pubBytes[1:])
	return id
}

// Pubkey recovers the secp256k1 public key that this ID was derived from.
func (id ID) Pubkey() (*ecdsa.PublicKey, error) {
	full := make([]byte, 65)
	full[0] = 0x04
	copy(full[1:], id[:])
	return crypto.UnmarshalPubkey(full)
}

func (id ID) Bytes() []byte { return id[:] }

func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// GoString implements fmt.GoStringer.
func (id ID) GoString() string {
	return fmt.Sprintf("enode.HexID(\"%x\")", id[:])
}

// TerminalString returns a shortened hex string for terminal logging.
func (id ID) TerminalString() string {
	return hex.EncodeToString(id[:8])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(id[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != len(id) {
		return fmt.Errorf("enode: wrong ID length %d, want %d bytes", len(b), len(id))
	}
	copy(id[:], b)
	return nil
}

// IsZero reports whether id is the zero value (an empty/unset identity).
func (id ID) IsZero() bool {
	return id == ID{}
}

// HexID decodes a hex string into an ID, panicking on malformed input.
// Used by tests to build fixed identities concisely.
func HexID(s string) ID {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	if len(b) != len(id) {
		panic(fmt.Sprintf("enode: HexID wants %d bytes, got %d", len(id), len(b)))
	}
	copy(id[:], b)
	return id
}
