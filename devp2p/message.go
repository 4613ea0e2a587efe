package devp2p

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// Msg is one devp2p message: a message code plus its RLP-encoded payload.
//
// A Msg can only be sent once; WriteMsg drains Payload as it goes. Encode
// the payload into a byte slice and build a fresh Msg per send if the same
// data must go out more than once.
type Msg struct {
	Code       uint64
	Size       uint32 // size of the raw payload
	Payload    io.Reader
	ReceivedAt time.Time

	meterCap  Cap
	meterCode uint64
	meterSize uint32
}

// Decode parses the RLP content of a message into val, which must be a pointer.
func (msg Msg) Decode(val interface{}) error {
	s := rlp.NewStream(msg.Payload, uint64(msg.Size))
	if err := s.Decode(val); err != nil {
		return NewPeerError(ErrInvalidMsg, "(code %x) (size %d) %v", msg.Code, msg.Size, err)
	}
	return nil
}

func (msg Msg) String() string {
	return fmt.Sprintf("msg #%v (%v bytes)", msg.Code, msg.Size)
}

// Discard reads any remaining payload data into a black hole.
func (msg Msg) Discard() error {
	_, err := io.Copy(ioutil.Discard, msg.Payload)
	return err
}

// MsgReader reads devp2p messages.
type MsgReader interface {
	ReadMsg() (Msg, error)
}

// MsgWriter sends devp2p messages. WriteMsg blocks until msg's Payload has
// been consumed by the other end.
type MsgWriter interface {
	WriteMsg(Msg) error
}

// MsgReadWriter provides reading and writing of devp2p messages.
// Implementations must support ReadMsg and WriteMsg being called
// concurrently from different goroutines.
type MsgReadWriter interface {
	MsgReader
	MsgWriter
}

// Send writes an RLP-encoded message with the given code. data should
// encode as an RLP list (e.g. a struct, or []interface{}).
func Send(w MsgWriter, msgcode uint64, data interface{}) error {
	size, r, err := rlp.EncodeToReader(data)
	if err != nil {
		return err
	}
	return w.WriteMsg(Msg{Code: msgcode, Size: uint32(size), Payload: r})
}

// SendItems writes an RLP list containing the given elements under msgcode.
func SendItems(w MsgWriter, msgcode uint64, elems ...interface{}) error {
	return Send(w, msgcode, elems)
}

// eofSignal wraps a reader, notifying eof once count bytes have been read
// or the wrapped reader errors. MsgPipeRW uses this so WriteMsg can block
// until the receiving side has consumed the whole payload.
type eofSignal struct {
	wrapped io.Reader
	count   uint32
	eof     chan<- struct{}
}

func (r *eofSignal) Read(buf []byte) (int, error) {
	if r.count == 0 {
		if r.eof != nil {
			r.eof <- struct{}{}
			r.eof = nil
		}
		return 0, io.EOF
	}
	max := len(buf)
	if int(r.count) < len(buf) {
		max = int(r.count)
	}
	n, err := r.wrapped.Read(buf[:max])
	r.count -= uint32(n)
	if (err != nil || r.count == 0) && r.eof != nil {
		r.eof <- struct{}{}
		r.eof = nil
	}
	return n, err
}

// ErrPipeClosed is returned from pipe operations after the pipe has closed.
var ErrPipeClosed = errors.New("devp2p: read or write on closed message pipe")

// MsgPipe creates a pair of in-memory, full-duplex MsgReadWriters. Writes
// on one end are matched with reads on the other; used for wiring up
// subprotocol handlers in tests without a real transport.
func MsgPipe() (*MsgPipeRW, *MsgPipeRW) {
	var (
		c1, c2  = make(chan Msg), make(chan Msg)
		closing = make(chan struct{})
		closed  = new(int32)
	)
	return &MsgPipeRW{c1, c2, closing, closed}, &MsgPipeRW{c2, c1, closing, closed}
}

// MsgPipeRW is one endpoint of a MsgPipe.
type MsgPipeRW struct {
	w       chan<- Msg
	r       <-chan Msg
	closing chan struct{}
	closed  *int32
}

// WriteMsg sends msg on the pipe. It blocks until the receiver consumes the
// payload or the pipe is closed.
func (p *MsgPipeRW) WriteMsg(msg Msg) error {
	if atomic.LoadInt32(p.closed) == 0 {
		consumed := make(chan struct{}, 1)
		msg.Payload = &eofSignal{msg.Payload, msg.Size, consumed}
		select {
		case p.w <- msg:
			if msg.Size > 0 {
				select {
				case <-consumed:
				case <-p.closing:
				}
			}
			return nil
		case <-p.closing:
		}
	}
	return ErrPipeClosed
}

// ReadMsg returns a message sent on the other end of the pipe.
func (p *MsgPipeRW) ReadMsg() (Msg, error) {
	if atomic.LoadInt32(p.closed) == 0 {
		select {
		case msg := <-p.r:
			return msg, nil
		case <-p.closing:
		}
	}
	return Msg{}, ErrPipeClosed
}

// Close unblocks any pending ReadMsg and WriteMsg calls on both ends of the
// pipe. It is safe to call from multiple goroutines and more than once.
func (p *MsgPipeRW) Close() error {
	if atomic.AddInt32(p.closed, 1) != 1 {
		return nil
	}
	close(p.closing)
	return nil
}
