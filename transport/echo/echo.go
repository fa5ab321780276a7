// Package echo implements the simplest possible transport.Transport: every
// byte pushed in is later pulled back out unchanged, FIFO. It exists to
// exercise the driver's I/O pipeline in tests without depending on a real
// AMQP codec, the same role socket515-gaio/aio_test.go's echo server plays
// in its async-io watcher tests.
//
// A transport constructed with NewSink, rather than New, does not re-queue
// received bytes for Pull; it only accumulates them for Received. This is
// what a test harness wants on the initiating side of a loopback echo test
// -- with both sides in echo mode, each side would echo back whatever the
// other just echoed, forever, and the driver's own Process call would drain
// the queue out from under any predicate trying to observe it.
package echo

import (
	"sync"
	"time"

	"github.com/d98762625/qpid-proton/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Transport is a loopback transport.Transport: Push appends to an internal
// queue, Pull drains it. Safe for the single-threaded driver's usage
// pattern (no concurrent Push/Pull from two goroutines).
type Transport struct {
	mu          sync.Mutex
	sink        bool // true: Push only accumulates into received, never re-queues for Pull
	queue       []byte
	received    []byte
	inputClosed bool // latched once Push observes the peer's EOS (a zero-length push)
	closed      bool // latched by an explicit Close, or once output drains after EOS
	trace       uint8
	conn        interface{}
}

// New returns a ready-to-bind echo transport: everything pushed in is
// queued to be pulled back out.
func New() *Transport {
	return &Transport{}
}

// NewSink returns a ready-to-bind transport that only accumulates pushed
// bytes for Received; it never re-queues them for Pull.
func NewSink() *Transport {
	return &Transport{sink: true}
}

// Push appends p to the echo queue (or, in sink mode, to the received
// buffer only). A zero-length p signals that the peer has reached
// end-of-stream (the connector calls Push with no remaining bytes once its
// read side has latched input_eos); Push reports closed from that point on,
// and Pull reports closed once its queue has drained.
func (t *Transport) Push(p []byte) int {
	if t.closed || t.inputClosed {
		return -1
	}
	if len(p) == 0 {
		t.inputClosed = true
		return -1
	}
	t.mu.Lock()
	t.received = append(t.received, p...)
	if !t.sink {
		t.queue = append(t.queue, p...)
	}
	t.mu.Unlock()
	return len(p)
}

// Send queues p to go out on the next Pull, regardless of mode. Use this
// (rather than relying on Push's echo side effect) to make a sink
// transport emit bytes, or to seed an echo transport's first message.
func (t *Transport) Send(p []byte) {
	t.mu.Lock()
	t.queue = append(t.queue, p...)
	t.mu.Unlock()
}

// Received returns and clears the bytes observed by Push so far.
func (t *Transport) Received() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.received
	t.received = nil
	return r
}

func (t *Transport) Pull(buf []byte) int {
	t.mu.Lock()
	n := copy(buf, t.queue)
	t.queue = t.queue[n:]
	remaining := len(t.queue)
	t.mu.Unlock()

	if remaining == 0 && (t.closed || t.inputClosed) {
		if n == 0 {
			return -1
		}
	}
	return n
}

func (t *Transport) Tick(now time.Time) time.Time { return time.Time{} }

func (t *Transport) Bind(conn interface{}) { t.conn = conn }

func (t *Transport) SetTrace(flags uint8) { t.trace = flags }

// Close stops accepting further input/output; Pull drains whatever remains
// queued, then reports closed.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *Transport) Free() {}
