package driver

import (
	"time"

	"github.com/sirupsen/logrus"
)

// maxPollerEvents bounds the scratch buffer each poller backend reuses per
// wait() call.
const maxPollerEvents = 256

// Driver owns a list of Listeners and a list of Connectors, orchestrates the
// wait -> dispatch-ready cycle, and exposes the paired ready-iterator
// contract (§2, §3, §4.5).
type Driver struct {
	poll poller
	wake *wakeupPipe

	listenerHead *Listener
	listenerTail *Listener
	listenerNext *Listener
	listenerCount int

	connectorHead  *Connector
	connectorTail  *Connector
	connectorNext  *Connector
	connectorCount int
	closedCount    int
	connectorsByFD map[int]*Connector

	trace   TraceFlags
	lastErr error

	metrics *driverMetrics
	log     *logrus.Entry
}

// NewDriver constructs a Driver, seeding its trace flags from TRACE_RAW /
// TRACE_FRM / TRACE_DRV once, as an explicit TraceConfig rather than reading
// ambient global state on every access.
func NewDriver() (*Driver, error) {
	return NewDriverWithTrace(LoadTraceConfig())
}

// NewDriverWithTrace constructs a Driver with an explicit trace
// configuration, bypassing environment parsing entirely -- useful for tests
// and embedders that already have their own configuration layer.
func NewDriverWithTrace(cfg TraceConfig) (*Driver, error) {
	p, err := openPoller()
	if err != nil {
		return nil, err
	}
	wake, err := newWakeupPipe()
	if err != nil {
		// WakeupPipeError (§7): logged, driver remains usable with wakeups
		// becoming no-ops.
		logrus.WithError(err).Warn("wakeup pipe unavailable, Wakeup() will be a no-op")
	}

	d := &Driver{
		poll:           p,
		wake:           wake,
		connectorsByFD: make(map[int]*Connector),
		trace:          cfg.Flags(),
		metrics:        newDriverMetrics(),
		log:            logrus.WithField("component", "driver"),
	}

	if wake != nil {
		if err := p.registerListener(wake.readFD()); err != nil {
			d.log.WithError(err).Warn("failed to register wakeup pipe with poller")
		}
	}

	return d, nil
}

func (d *Driver) recordError(err error) {
	d.lastErr = err
	d.log.WithError(err).Debug("driver error")
}

// Errno reports whether the last recorded error is non-nil (the Go
// equivalent of pn_driver_errno's status code; callers that want the error
// itself should use Error).
func (d *Driver) Errno() int {
	if d == nil || d.lastErr == nil {
		return 0
	}
	return 1
}

// Error returns the last recorded setup error's text, or "" if none.
func (d *Driver) Error() string {
	if d == nil || d.lastErr == nil {
		return ""
	}
	return d.lastErr.Error()
}

// Trace sets the driver's trace bitmask; new Connectors inherit it at
// creation, existing ones are unaffected (matching pn_driver_trace, which
// only assigns d->trace).
func (d *Driver) Trace(flags TraceFlags) {
	if d != nil {
		d.trace = flags
	}
}

// Wakeup writes a single byte to the control pipe, safe from any goroutine,
// interrupting an in-flight Wait without marking any listener/connector
// ready (§4.5, §5, property 5).
func (d *Driver) Wakeup() {
	if d == nil {
		return
	}
	d.wake.wake()
}

// ListenerCount, ConnectorCount, ClosedCount expose the Data Model's
// bookkeeping counters for tests (E2's "driver_listener_count = 1, ...").
func (d *Driver) ListenerCount() int  { return d.listenerCount }
func (d *Driver) ConnectorCount() int { return d.connectorCount }
func (d *Driver) ClosedCount() int    { return d.closedCount }

// ListenerHead and ConnectorHead expose the full lists (pn_driver_listener /
// pn_driver_connector), for embedders that want to walk every Listener or
// Connector rather than only the ones the ready iterators surface. Pair with
// Listener.Next / Connector.Next.
func (d *Driver) ListenerHead() *Listener {
	if d == nil {
		return nil
	}
	return d.listenerHead
}

func (d *Driver) ConnectorHead() *Connector {
	if d == nil {
		return nil
	}
	return d.connectorHead
}

// Wait blocks for up to timeoutMS, or until a connector's bound transport
// reports buffered data ready (§4.1 -- skip the OS poll entirely, since that
// data must be delivered without stalling on I/O that's already in memory),
// or until Wakeup is called from another goroutine. It then arms the two
// ready-iterators by resetting their cursors to each list's head (§4.5).
func (d *Driver) Wait(timeoutMS int) error {
	if d == nil {
		return ErrNilDriver
	}

	if !d.sslDataReady() {
		effective := d.clampToNextTick(timeoutMS)
		events, err := d.poll.wait(effective)
		if err != nil {
			d.recordError(err)
			return err
		}
		d.dispatch(events)
	}

	d.expireTicks()

	d.listenerNext = d.listenerHead
	d.connectorNext = d.connectorHead
	return nil
}

// sslDataReady aggregates §4.6's data_ready query across every connector
// whose bound transport implements transport.SSLBinder.
func (d *Driver) sslDataReady() bool {
	for c := d.connectorHead; c != nil; c = c.next {
		if binder, ok := c.xport.(interface{ DataReady() bool }); ok {
			if binder.DataReady() {
				return true
			}
		}
	}
	return false
}

// clampToNextTick narrows timeoutMS to the soonest pending connector
// deadline, so a tick due before the requested timeout still fires on time.
func (d *Driver) clampToNextTick(timeoutMS int) int {
	var soonest time.Time
	now := time.Now()
	for c := d.connectorHead; c != nil; c = c.next {
		if c.wakeupAt.IsZero() {
			continue
		}
		if soonest.IsZero() || c.wakeupAt.Before(soonest) {
			soonest = c.wakeupAt
		}
	}
	if soonest.IsZero() {
		return timeoutMS
	}
	remaining := int(soonest.Sub(now) / time.Millisecond)
	if remaining < 0 {
		remaining = 0
	}
	if timeoutMS < 0 || remaining < timeoutMS {
		return remaining
	}
	return timeoutMS
}

// expireTicks marks pendingTick on every connector whose wakeupAt deadline
// has passed.
func (d *Driver) expireTicks() {
	now := time.Now()
	for c := d.connectorHead; c != nil; c = c.next {
		if !c.wakeupAt.IsZero() && !c.wakeupAt.After(now) {
			c.pendingTick = true
		}
	}
}

// dispatch translates OS readyEvents into pending flags on the
// corresponding Listener/Connector, or drains the control pipe on a wakeup.
func (d *Driver) dispatch(events []readyEvent) {
	if d.wake != nil {
		wakeFD := d.wake.readFD()
		for _, e := range events {
			if e.fd == wakeFD {
				d.wake.drain()
				return // a wakeup event carries no other readiness this cycle
			}
		}
	}

	for _, e := range events {
		switch e.kind {
		case kindListener:
			if l := d.listenerByFD(e.fd); l != nil {
				l.pending = true
			}
		case kindConnector:
			if c, ok := d.connectorsByFD[e.fd]; ok {
				if e.bits&wantRead != 0 {
					c.pendingRead = true
				}
				if e.bits&wantWrite != 0 {
					c.pendingWrite = true
				}
			}
		}
	}
}

func (d *Driver) listenerByFD(fd int) *Listener {
	for l := d.listenerHead; l != nil; l = l.next {
		if l.fd == fd {
			return l
		}
	}
	return nil
}

// NextReadyListener advances the listener cursor until a pending Listener is
// found and returns it, else nil. The embedder is expected to call Accept
// before the next Wait.
func (d *Driver) NextReadyListener() *Listener {
	if d == nil {
		return nil
	}
	for d.listenerNext != nil {
		l := d.listenerNext
		d.listenerNext = l.next
		if l.pending {
			return l
		}
	}
	return nil
}

// NextReadyConnector advances the connector cursor until it finds a
// connector matching the six-way readiness predicate (§4.5): closed,
// pendingRead, pendingWrite, pendingTick, or residual input (inputSize > 0
// or inputEOS) -- the last two let buffered bytes drain without another OS
// event.
func (d *Driver) NextReadyConnector() *Connector {
	if d == nil {
		return nil
	}
	for d.connectorNext != nil {
		c := d.connectorNext
		d.connectorNext = c.next
		if c.closed || c.pendingRead || c.pendingWrite || c.pendingTick ||
			c.inputSize > 0 || c.inputEOS {
			return c
		}
	}
	return nil
}

// Free releases every Listener and Connector still owned by d, then the
// driver's own poller and wakeup pipe resources (pn_driver_free).
func (d *Driver) Free() {
	if d == nil {
		return
	}
	for d.connectorHead != nil {
		d.connectorHead.Free()
	}
	for d.listenerHead != nil {
		d.listenerHead.Free()
	}
	d.wake.close()
	_ = d.poll.close()
}
