package driver

import (
	"os"

	"github.com/pkg/errors"
)

// wakeupPipe is the driver's self-pipe (driver.c's d->ctrl[0]/d->ctrl[1]).
// Writing a byte from any goroutine breaks a blocking poller.wait; the
// driver's own goroutine drains it. It carries no payload beyond
// "recompute" -- Wait never inspects the byte value.
type wakeupPipe struct {
	r, w *os.File
}

func newWakeupPipe() (*wakeupPipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		// Logged by the caller; the driver remains usable with Wakeup
		// becoming a no-op at worst.
		return nil, errors.Wrap(err, "create wakeup pipe")
	}
	return &wakeupPipe{r: r, w: w}, nil
}

func (p *wakeupPipe) readFD() int {
	return int(p.r.Fd())
}

// wake performs exactly one write; safe from any thread, touches no other
// driver state.
func (p *wakeupPipe) wake() {
	if p == nil || p.w == nil {
		return
	}
	_, _ = p.w.Write([]byte{'x'})
}

// drain empties the pipe after a wakeup-triggered wait return. A single read
// is enough: wake() writes one byte per call, and if more than len(buf)
// wakeups queued up between cycles, the pipe is still readable afterward, so
// the next wait() immediately reports it ready again rather than this call
// looping on a blocking fd until a short read appears.
func (p *wakeupPipe) drain() {
	var buf [64]byte
	_, _ = p.r.Read(buf[:])
}

func (p *wakeupPipe) close() {
	if p == nil {
		return
	}
	_ = p.r.Close()
	_ = p.w.Close()
}
