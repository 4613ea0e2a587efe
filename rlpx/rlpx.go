// Package rlpx implements the RLPx transport: the ECIES handshake that
// establishes session secrets between two peers, and the framed,
// MAC-authenticated, AES-CTR encrypted message stream layered on top of it.
package rlpx

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"io/ioutil"
	mrand "math/rand"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
	"golang.org/x/crypto/sha3"
)

// Conn wraps a net.Conn and applies the RLPx framing, MAC and encryption
// layers to everything read from or written to it. A Conn is only useful
// after Handshake has completed successfully.
//
// Reads and writes are each individually serialized by rmu/wmu: the AES-CTR
// stream and Keccak MAC state for a given direction must never be touched
// by more than one goroutine at a time, and the counter must never be reset
// between frames.
type Conn struct {
	rmu, wmu sync.Mutex

	dialDest *ecdsa.PublicKey // non-nil for the initiator side

	conn net.Conn

	session *sessionState

	snappy bool
}

// sessionState holds the cipher and MAC state derived by the handshake.
type sessionState struct {
	enc cipher.Stream
	dec cipher.Stream

	macCipher  cipher.Block
	egressMAC  hash.Hash
	ingressMAC hash.Hash
}

// NewConn wraps conn for use as an RLPx session. dialDest must be the
// remote static public key when conn was dialed by us (initiator role),
// and nil when conn was accepted (responder role).
func NewConn(conn net.Conn, dialDest *ecdsa.PublicKey) *Conn {
	return &Conn{
		dialDest: dialDest,
		conn:     conn,
		session:  new(sessionState),
	}
}

// SetSnappy toggles snappy compression of frame payloads. Both peers must
// agree on this out of band (devp2p enables it once both Hello messages
// report p2p version >= 5).
func (c *Conn) SetSnappy(snappy bool) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.snappy = snappy
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }

// Read reads one message and returns its fully buffered payload.
func (c *Conn) Read() (code uint64, data []byte, err error) {
	code, size, r, err := c.ReadMsg()
	if err != nil {
		return 0, nil, err
	}
	data = make([]byte, size)
	_, err = io.ReadFull(r, data)
	return code, data, err
}

// ReadMsg reads and decrypts one RLPx frame, verifying both MACs, and
// returns the decoded message code plus a reader over its payload.
func (c *Conn) ReadMsg() (code uint64, size uint32, payload io.Reader, err error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	headbuf := make([]byte, 32)
	if _, err := io.ReadFull(c.conn, headbuf); err != nil {
		return code, size, payload, err
	}

	shouldMAC := updateMAC(c.session.ingressMAC, c.session.macCipher, headbuf[:16])
	if !hmac.Equal(shouldMAC, headbuf[16:]) {
		return code, size, payload, newError(ErrMACMismatch, "bad header MAC")
	}
	c.session.dec.XORKeyStream(headbuf[:16], headbuf[:16])
	fsize := readInt24(headbuf)
	if fsize < 1 {
		return code, size, payload, newError(ErrShortFrame, "frame declares a body too small to hold a message code")
	}

	var rsize = fsize
	if padding := fsize % 16; padding > 0 {
		rsize += 16 - padding
	}
	framebuf := make([]byte, rsize)
	if _, err := io.ReadFull(c.conn, framebuf); err != nil {
		return code, size, payload, err
	}

	c.session.ingressMAC.Write(framebuf)
	fmacseed := c.session.ingressMAC.Sum(nil)
	if _, err := io.ReadFull(c.conn, headbuf[:16]); err != nil {
		return code, size, payload, err
	}
	shouldMAC = updateMAC(c.session.ingressMAC, c.session.macCipher, fmacseed)
	if !hmac.Equal(shouldMAC, headbuf[:16]) {
		return code, size, payload, newError(ErrMACMismatch, "bad frame MAC")
	}

	c.session.dec.XORKeyStream(framebuf, framebuf)

	content := bytes.NewReader(framebuf[:fsize])
	if err := rlp.Decode(content, &code); err != nil {
		return code, size, payload, newError(ErrDecodeError, "%v", err)
	}

	size = uint32(content.Len())
	payload = content

	if c.snappy {
		payloadBytes, err := ioutil.ReadAll(payload)
		if err != nil {
			return code, size, payload, err
		}
		payloadSize, err := snappy.DecodedLen(payloadBytes)
		if err != nil {
			return code, size, payload, newError(ErrDecodeError, "%v", err)
		}
		if payloadSize > int(maxUint24) {
			return code, size, payload, newError(ErrPlainMessageTooLarge, "")
		}
		payloadBytes, err = snappy.Decode(nil, payloadBytes)
		if err != nil {
			return code, size, payload, newError(ErrDecodeError, "%v", err)
		}
		size, payload = uint32(payloadSize), bytes.NewReader(payloadBytes)
	}
	return code, size, payload, nil
}

func readInt24(b []byte) uint32 {
	return uint32(b[2]) | uint32(b[1])<<8 | uint32(b[0])<<16
}

// WriteMsg encrypts and writes one RLPx frame carrying the given message
// code and payload.
func (c *Conn) WriteMsg(code uint64, size uint32, payload io.Reader) (uint32, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	ptype, _ := rlp.EncodeToBytes(code)

	if c.snappy {
		if size > maxUint24 {
			return size, newError(ErrPlainMessageTooLarge, "")
		}
		size, payload = compress(payload)
	}

	headbuf := make([]byte, 32)
	fsize := uint32(len(ptype)) + size
	if fsize > maxUint24 {
		return size, fmt.Errorf("rlpx: message size overflows uint24")
	}
	putInt24(fsize, headbuf)
	copy(headbuf[3:], zeroHeader)
	c.session.enc.XORKeyStream(headbuf[:16], headbuf[:16])

	copy(headbuf[16:], updateMAC(c.session.egressMAC, c.session.macCipher, headbuf[:16]))
	if _, err := c.conn.Write(headbuf); err != nil {
		return size, err
	}

	tee := cipher.StreamWriter{S: c.session.enc, W: io.MultiWriter(c.conn, c.session.egressMAC)}
	if _, err := tee.Write(ptype); err != nil {
		return size, err
	}
	if _, err := io.Copy(tee, payload); err != nil {
		return size, err
	}
	if padding := fsize % 16; padding > 0 {
		if _, err := tee.Write(zero16[:16-padding]); err != nil {
			return size, err
		}
	}

	fmacseed := c.session.egressMAC.Sum(nil)
	mac := updateMAC(c.session.egressMAC, c.session.macCipher, fmacseed)

	_, err := c.conn.Write(mac)
	return size, err
}

func compress(payload io.Reader) (uint32, io.Reader) {
	raw, _ := ioutil.ReadAll(payload)
	compressed := snappy.Encode(nil, raw)
	return uint32(len(compressed)), bytes.NewReader(compressed)
}

func putInt24(v uint32, b []byte) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// updateMAC reseeds the given hash with an AES-encrypted seed and returns
// the first 16 bytes of the digest after seeding. Used for both header-MAC
// and body-MAC chaining; see the MAC chain design in SPEC_FULL.md.
func updateMAC(mac hash.Hash, block cipher.Block, seed []byte) []byte {
	aesbuf := make([]byte, aes.BlockSize)
	block.Encrypt(aesbuf, mac.Sum(nil))
	for i := range aesbuf {
		aesbuf[i] ^= seed[i]
	}
	mac.Write(aesbuf)
	return mac.Sum(nil)[:16]
}

// Handshake performs the ECIES auth/auth-ack exchange over the wrapped
// connection and seeds the frame cipher and MAC state. It must be called
// exactly once, before any ReadMsg/WriteMsg call. The returned public key
// is the peer's static identity key, recovered during the handshake.
func (c *Conn) Handshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error) {
	var (
		sec Secrets
		err error
	)
	if c.dialDest != nil {
		sec, err = initiatorEncHandshake(c.conn, prv, c.dialDest)
	} else {
		sec, err = receiverEncHandshake(c.conn, prv)
	}
	if err != nil {
		log.Debug("rlpx handshake failed", "err", err)
		return nil, err
	}

	macc, err := aes.NewCipher(sec.MAC)
	if err != nil {
		panic("rlpx: invalid MAC secret: " + err.Error())
	}
	encc, err := aes.NewCipher(sec.AES)
	if err != nil {
		panic("rlpx: invalid AES secret: " + err.Error())
	}

	// All-zero IV: safe only because the AES key is a fresh ephemeral
	// secret never reused across connections. The CTR stream spans every
	// frame sent in this direction for the connection's lifetime and must
	// never be reinitialized.
	iv := make([]byte, encc.BlockSize())
	c.session = &sessionState{
		enc:        cipher.NewCTR(encc, iv),
		dec:        cipher.NewCTR(encc, iv),
		macCipher:  macc,
		egressMAC:  sec.EgressMAC,
		ingressMAC: sec.IngressMAC,
	}

	return sec.Remote.ExportECDSA(), nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

const (
	maxUint24 = ^uint32(0) >> 8

	sskLen = 16 // ecies.MaxSharedKeyLength(pubKey) / 2
	sigLen = crypto.SignatureLength
	pubLen = 64 // uncompressed secp256k1 pubkey, no format byte
	shaLen = 32

	authMsgLen  = sigLen + shaLen + pubLen + shaLen + 1
	authRespLen = pubLen + shaLen + 1

	eciesOverhead = 65 /* pubkey */ + 16 /* IV */ + 32 /* MAC */

	encAuthMsgLen  = authMsgLen + eciesOverhead
	encAuthRespLen = authRespLen + eciesOverhead
)

var (
	// zeroHeader stands in for frame header-data (RLP of the list [0, 0]);
	// this implementation has no use for per-frame context-id/protocol-type.
	zeroHeader = []byte{0xC2, 0x80, 0x80}
	zero16     = make([]byte, 16)
)

// Secrets holds the session secrets negotiated by the handshake.
type Secrets struct {
	Remote                *ecies.PublicKey
	AES, MAC              []byte
	EgressMAC, IngressMAC hash.Hash
	Token                 []byte
}

// encHandshake tracks the ephemeral state of an in-progress ECIES handshake.
type encHandshake struct {
	initiator            bool
	remote               *ecies.PublicKey
	initNonce, respNonce []byte
	randomPrivKey        *ecies.PrivateKey
	remoteRandomPub      *ecies.PublicKey
}

// authMsgV4 is the RLPx v4/EIP-8 auth message.
type authMsgV4 struct {
	gotPlain bool

	Signature       [sigLen]byte
	InitiatorPubkey [pubLen]byte
	Nonce           [shaLen]byte
	Version         uint

	Rest []rlp.RawValue `rlp:"tail"`
}

// authRespV4 is the RLPx v4/EIP-8 auth-ack message.
type authRespV4 struct {
	RandomPubkey [pubLen]byte
	Nonce        [shaLen]byte
	Version      uint

	Rest []rlp.RawValue `rlp:"tail"`
}

// receiverEncHandshake runs the responder side of the handshake: read
// auth, reply with auth-ack, derive secrets.
func receiverEncHandshake(conn io.ReadWriter, prv *ecdsa.PrivateKey) (s Secrets, err error) {
	authMsg := new(authMsgV4)
	authPacket, err := readHandshakeMsg(authMsg, encAuthMsgLen, prv, conn)
	if err != nil {
		return s, err
	}
	h := new(encHandshake)
	if err := h.handleAuthMsg(authMsg, prv); err != nil {
		return s, err
	}

	authRespMsg, err := h.makeAuthResp()
	if err != nil {
		return s, err
	}
	var authRespPacket []byte
	if authMsg.gotPlain {
		authRespPacket, err = authRespMsg.sealPlain(h)
	} else {
		authRespPacket, err = sealEIP8(authRespMsg, h)
	}
	if err != nil {
		return s, err
	}
	if _, err = conn.Write(authRespPacket); err != nil {
		return s, err
	}
	return h.secrets(authPacket, authRespPacket)
}

func (h *encHandshake) handleAuthMsg(msg *authMsgV4, prv *ecdsa.PrivateKey) error {
	rpub, err := importPublicKey(msg.InitiatorPubkey[:])
	if err != nil {
		return newError(ErrInvalidAuth, "%v", err)
	}
	h.initNonce = msg.Nonce[:]
	h.remote = rpub

	if h.randomPrivKey == nil {
		h.randomPrivKey, err = ecies.GenerateKey(rand.Reader, crypto.S256(), nil)
		if err != nil {
			return err
		}
	}

	token, err := h.staticSharedSecret(prv)
	if err != nil {
		return err
	}
	signedMsg := xor(token, h.initNonce)
	remoteRandomPub, err := crypto.Ecrecover(signedMsg, msg.Signature[:])
	if err != nil {
		return newError(ErrInvalidAuth, "invalid signature: %v", err)
	}
	h.remoteRandomPub, _ = importPublicKey(remoteRandomPub)
	return nil
}

func (h *encHandshake) secrets(auth, authResp []byte) (Secrets, error) {
	ecdheSecret, err := h.randomPrivKey.GenerateShared(h.remoteRandomPub, sskLen, sskLen)
	if err != nil {
		return Secrets{}, err
	}

	sharedSecret := crypto.Keccak256(ecdheSecret, crypto.Keccak256(h.respNonce, h.initNonce))
	aesSecret := crypto.Keccak256(ecdheSecret, sharedSecret)
	s := Secrets{
		Remote: h.remote,
		AES:    aesSecret,
		MAC:    crypto.Keccak256(ecdheSecret, aesSecret),
		Token:  crypto.Keccak256(sharedSecret),
	}

	mac1 := sha3.NewLegacyKeccak256()
	mac1.Write(xor(s.MAC, h.respNonce))
	mac1.Write(auth)
	mac2 := sha3.NewLegacyKeccak256()
	mac2.Write(xor(s.MAC, h.initNonce))
	mac2.Write(authResp)
	if h.initiator {
		s.EgressMAC, s.IngressMAC = mac1, mac2
	} else {
		s.EgressMAC, s.IngressMAC = mac2, mac1
	}

	return s, nil
}

func (h *encHandshake) staticSharedSecret(prv *ecdsa.PrivateKey) ([]byte, error) {
	return ecies.ImportECDSA(prv).GenerateShared(h.remote, sskLen, sskLen)
}

// initiatorEncHandshake runs the initiator side of the handshake: send
// auth, read auth-ack, derive secrets.
func initiatorEncHandshake(conn io.ReadWriter, prv *ecdsa.PrivateKey, remote *ecdsa.PublicKey) (s Secrets, err error) {
	h := &encHandshake{initiator: true, remote: ecies.ImportECDSAPublic(remote)}
	authMsg, err := h.makeAuthMsg(prv)
	if err != nil {
		return s, err
	}
	authPacket, err := sealEIP8(authMsg, h)
	if err != nil {
		return s, err
	}

	if _, err = conn.Write(authPacket); err != nil {
		return s, err
	}

	authRespMsg := new(authRespV4)
	authRespPacket, err := readHandshakeMsg(authRespMsg, encAuthRespLen, prv, conn)
	if err != nil {
		return s, err
	}
	if err := h.handleAuthResp(authRespMsg); err != nil {
		return s, err
	}
	return h.secrets(authPacket, authRespPacket)
}

func (h *encHandshake) makeAuthMsg(prv *ecdsa.PrivateKey) (*authMsgV4, error) {
	h.initNonce = make([]byte, shaLen)
	if _, err := rand.Read(h.initNonce); err != nil {
		return nil, err
	}
	var err error
	h.randomPrivKey, err = ecies.GenerateKey(rand.Reader, crypto.S256(), nil)
	if err != nil {
		return nil, err
	}

	token, err := h.staticSharedSecret(prv)
	if err != nil {
		return nil, err
	}
	signed := xor(token, h.initNonce)
	signature, err := crypto.Sign(signed, h.randomPrivKey.ExportECDSA())
	if err != nil {
		return nil, err
	}

	msg := new(authMsgV4)
	copy(msg.Signature[:], signature)
	copy(msg.InitiatorPubkey[:], crypto.FromECDSAPub(&prv.PublicKey)[1:])
	copy(msg.Nonce[:], h.initNonce)
	msg.Version = 4
	return msg, nil
}

func (h *encHandshake) handleAuthResp(msg *authRespV4) (err error) {
	h.respNonce = msg.Nonce[:]
	h.remoteRandomPub, err = importPublicKey(msg.RandomPubkey[:])
	return err
}

func (h *encHandshake) makeAuthResp() (msg *authRespV4, err error) {
	h.respNonce = make([]byte, shaLen)
	if _, err = rand.Read(h.respNonce); err != nil {
		return nil, err
	}

	msg = new(authRespV4)
	copy(msg.Nonce[:], h.respNonce)
	copy(msg.RandomPubkey[:], exportPubkey(&h.randomPrivKey.PublicKey))
	msg.Version = 4
	return msg, nil
}

func (msg *authMsgV4) decodePlain(input []byte) {
	n := copy(msg.Signature[:], input)
	n += shaLen // skip keccak(initiator-ephemeral-pubkey)
	n += copy(msg.InitiatorPubkey[:], input[n:])
	copy(msg.Nonce[:], input[n:])
	msg.Version = 4
	msg.gotPlain = true
}

func (msg *authRespV4) sealPlain(hs *encHandshake) ([]byte, error) {
	buf := make([]byte, authRespLen)
	n := copy(buf, msg.RandomPubkey[:])
	copy(buf[n:], msg.Nonce[:])
	return ecies.Encrypt(rand.Reader, hs.remote, buf, nil, nil)
}

func (msg *authRespV4) decodePlain(input []byte) {
	n := copy(msg.RandomPubkey[:], input)
	copy(msg.Nonce[:], input[n:])
	msg.Version = 4
}

var padSpace = make([]byte, 300)

// sealEIP8 RLP-encodes msg, pads it with a random tail (so the ciphertext
// is distinguishable in length from the pre-EIP-8 plain format), and
// ECIES-encrypts it with a 2-byte big-endian length prefix used as AAD.
func sealEIP8(msg interface{}, h *encHandshake) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := rlp.Encode(buf, msg); err != nil {
		return nil, err
	}
	pad := padSpace[:mrand.Intn(len(padSpace)-100)+100]
	buf.Write(pad)
	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, uint16(buf.Len()+eciesOverhead))

	enc, err := ecies.Encrypt(rand.Reader, h.remote, buf.Bytes(), nil, prefix)
	return append(prefix, enc...), err
}

type plainDecoder interface {
	decodePlain([]byte)
}

// readHandshakeMsg accepts either the pre-EIP-8 plain format or the
// EIP-8 size-prefixed format, trying plain first.
func readHandshakeMsg(msg plainDecoder, plainSize int, prv *ecdsa.PrivateKey, r io.Reader) ([]byte, error) {
	buf := make([]byte, plainSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return buf, err
	}
	key := ecies.ImportECDSA(prv)
	if dec, err := key.Decrypt(buf, nil, nil); err == nil {
		msg.decodePlain(dec)
		return buf, nil
	}
	prefix := buf[:2]
	size := binary.BigEndian.Uint16(prefix)
	if size < uint16(plainSize) {
		return buf, newError(ErrInvalidAuth, "size underflow, need at least %d bytes", plainSize)
	}
	buf = append(buf, make([]byte, size-uint16(plainSize)+2)...)
	if _, err := io.ReadFull(r, buf[plainSize:]); err != nil {
		return buf, err
	}
	dec, err := key.Decrypt(buf[2:], nil, prefix)
	if err != nil {
		return buf, newError(ErrInvalidAuth, "%v", err)
	}
	// rlp.DecodeBytes rejects trailing data; a Stream tolerates the
	// forward-compatible tail fields instead.
	s := rlp.NewStream(bytes.NewReader(dec), 0)
	return buf, s.Decode(msg)
}

// importPublicKey unmarshals a 64- or 65-byte secp256k1 public key.
func importPublicKey(pubKey []byte) (*ecies.PublicKey, error) {
	var pubKey65 []byte
	switch len(pubKey) {
	case 64:
		pubKey65 = append([]byte{0x04}, pubKey...)
	case 65:
		pubKey65 = pubKey
	default:
		return nil, fmt.Errorf("rlpx: invalid public key length %v (expect 64/65)", len(pubKey))
	}
	pub, err := crypto.UnmarshalPubkey(pubKey65)
	if err != nil {
		return nil, err
	}
	return ecies.ImportECDSAPublic(pub), nil
}

func exportPubkey(pub *ecies.PublicKey) []byte {
	if pub == nil {
		panic("rlpx: nil pubkey")
	}
	return elliptic.Marshal(pub.Curve, pub.X, pub.Y)[1:]
}

func xor(one, other []byte) []byte {
	out := make([]byte, len(one))
	for i := range one {
		out[i] = one[i] ^ other[i]
	}
	return out
}
