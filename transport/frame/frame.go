// Package frame implements a minimal length-prefixed framing transport:
// each unit on the wire is [4 bytes big-endian length][1 byte type][payload].
// It stands in for a real AMQP performative codec in tests that need
// message boundaries rather than raw byte echo, grounded on
// Atsika-aznet/frame.go's identical header layout (BuildFrame), adapted from
// a bytes.Buffer sink to the driver's push/pull byte contract.
package frame

import (
	"encoding/binary"
	"time"

	"github.com/d98762625/qpid-proton/transport"
)

// HeaderSize is the fixed frame header: 4 bytes length + 1 byte type.
const HeaderSize = 4 + 1

// Frame is a single decoded unit.
type Frame struct {
	Type    byte
	Payload []byte
}

var _ transport.Transport = (*Transport)(nil)

// Transport accumulates raw bytes until a full frame is available, then
// exposes it via Inbox; outbound frames queued with Send are encoded and
// drained through Pull.
type Transport struct {
	in  []byte // raw bytes not yet decoded into a frame
	out []byte // encoded bytes not yet pulled
	Inbox []Frame

	closed bool
	trace  uint8
	conn   interface{}
}

// New returns a ready-to-bind frame transport.
func New() *Transport { return &Transport{} }

// Send queues an outbound frame for encoding; it will appear in subsequent
// Pull calls.
func (t *Transport) Send(f Frame) {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(f.Payload)))
	hdr[4] = f.Type
	t.out = append(t.out, hdr[:]...)
	t.out = append(t.out, f.Payload...)
}

func (t *Transport) Push(p []byte) int {
	if t.closed {
		return -1
	}
	t.in = append(t.in, p...)
	consumed := 0
	for {
		if len(t.in)-consumed < HeaderSize {
			break
		}
		length := binary.BigEndian.Uint32(t.in[consumed : consumed+4])
		typ := t.in[consumed+4]
		if uint32(len(t.in)-consumed-HeaderSize) < length {
			break // incomplete frame, wait for more bytes
		}
		payload := make([]byte, length)
		copy(payload, t.in[consumed+HeaderSize:consumed+HeaderSize+int(length)])
		t.Inbox = append(t.Inbox, Frame{Type: typ, Payload: payload})
		consumed += HeaderSize + int(length)
	}
	t.in = t.in[consumed:]
	return len(p)
}

func (t *Transport) Pull(buf []byte) int {
	if t.closed && len(t.out) == 0 {
		return -1
	}
	n := copy(buf, t.out)
	t.out = t.out[n:]
	return n
}

func (t *Transport) Tick(now time.Time) time.Time { return time.Time{} }
func (t *Transport) Bind(conn interface{})         { t.conn = conn }
func (t *Transport) SetTrace(flags uint8)          { t.trace = flags }
func (t *Transport) Close()                        { t.closed = true }
func (t *Transport) Free()                         {}
