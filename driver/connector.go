package driver

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/d98762625/qpid-proton/transport"
)

// bufferCapacity is the fixed input/output buffer size, 4 KiB.
const bufferCapacity = 4096

// IOHandler is the indirect read/write/tick entry point a Connector invokes
// from Process. The default is ioHandlerDefault; a TLS layer substitutes its
// own handler that mirrors the same read -> process_input -> process_output
// -> write sequence while interposing record processing (§4.3, §4.6).
type IOHandler func(c *Connector) error

// Connector pairs an active or accepted socket with input/output buffers and
// a bound Transport. Grounded on pn_connector_t and the pn_connector_*
// family in driver.c.
type Connector struct {
	driver *Driver
	next   *Connector
	prev   *Connector

	id   uuid.UUID
	fd   int
	name string

	status uint8 // wantRead | wantWrite, the readiness-intent bitmask
	closed bool

	pendingRead  bool
	pendingWrite bool
	pendingTick  bool

	trace      TraceFlags
	ioHandler  IOHandler
	wakeupAt   time.Time

	input     [bufferCapacity]byte
	inputSize int
	inputEOS  bool

	output     [bufferCapacity]byte
	outputSize int

	inputDone  bool
	outputDone bool

	xport      transport.Transport
	connection interface{} // embedder-owned, borrowed, not freed here
	listener   *Listener
	context    interface{}

	log *logrus.Entry
}

// Connect performs a synchronous name resolution + TCP connect(2), then
// wraps the resulting socket via AdoptConnectorFD (pn_connector). Explicitly
// blocking; must not be called inside the hot Wait loop (§4.4, §5).
func (d *Driver) Connect(host, service string, context interface{}) (*Connector, error) {
	if d == nil {
		return nil, ErrNilDriver
	}

	addr, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(host, service))
	if err != nil {
		err = setupError("resolve", err)
		d.recordError(err)
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		err = setupError("socket", err)
		d.recordError(err)
		return nil, err
	}

	sa := tcpAddrToSockaddr(addr)
	if err := unix.Connect(fd, sa); err != nil {
		_ = unix.Close(fd)
		err = setupError("connect", err)
		d.recordError(err)
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		err = setupError("set nonblock", err)
		d.recordError(err)
		return nil, err
	}

	c, err := d.AdoptConnectorFD(fd, context)
	if err != nil {
		return nil, err
	}
	c.name = net.JoinHostPort(host, service)

	if d.trace.any() {
		d.log.WithField("name", c.name).Info("Connected to " + c.name)
	}
	return c, nil
}

// AdoptConnectorFD wraps an externally-prepared connected fd (pn_connector_fd).
// The caller is expected to bind a Transport via SetTransport before the
// connector's first Process call; with no transport bound, process_input
// discards buffered input and latches input_done, and process_output latches
// output_done.
func (d *Driver) AdoptConnectorFD(fd int, context interface{}) (*Connector, error) {
	if d == nil {
		return nil, ErrNilDriver
	}
	if fd < 0 {
		return nil, ErrUnsupportedConn
	}

	c := &Connector{
		id:        uuid.New(),
		fd:        fd,
		status:    wantRead | wantWrite, // §9 open question: kept as documented spurious-write-readiness behavior
		trace:     d.trace,
		ioHandler: ioHandlerDefault,
		context:   context,
	}
	c.log = d.log.WithField("connector", c.id.String())

	if err := d.poll.registerConnector(fd, c.status); err != nil {
		err = setupError("register connector", err)
		d.recordError(err)
		return nil, err
	}

	d.addConnector(c)
	return c, nil
}

func (d *Driver) addConnector(c *Connector) {
	c.driver = d
	c.prev = d.connectorTail
	c.next = nil
	if d.connectorTail != nil {
		d.connectorTail.next = c
	} else {
		d.connectorHead = c
	}
	d.connectorTail = c
	d.connectorCount++
	d.connectorsByFD[c.fd] = c
	d.metrics.connectors.Set(float64(d.connectorCount))
}

// removeConnector applies the same §4.5 cursor-removal invariant as
// removeListener, plus driver.c's "if (c->closed) d->closed_count--" bookkeeping.
func (d *Driver) removeConnector(c *Connector) {
	if c.driver != d {
		return
	}

	if d.connectorNext == c {
		d.connectorNext = c.next
	}

	if c.prev != nil {
		c.prev.next = c.next
	} else {
		d.connectorHead = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	} else {
		d.connectorTail = c.prev
	}
	c.next, c.prev = nil, nil

	delete(d.connectorsByFD, c.fd)
	c.driver = nil
	d.connectorCount--
	if c.closed {
		d.closedCount--
	}
	d.metrics.connectors.Set(float64(d.connectorCount))
	d.metrics.closed.Set(float64(d.closedCount))
}

// Accessors

func (c *Connector) Name() string { return c.name }

// Next returns the next Connector on the Driver's full list, independent of
// readiness (pn_connector_next). Pair with Driver.ConnectorHead to walk
// every connector rather than only the ready ones.
func (c *Connector) Next() *Connector {
	if c == nil {
		return nil
	}
	return c.next
}

func (c *Connector) Context() interface{} {
	if c == nil {
		return nil
	}
	return c.context
}
func (c *Connector) SetContext(ctx interface{}) {
	if c != nil {
		c.context = ctx
	}
}
func (c *Connector) Listener() *Listener {
	if c == nil {
		return nil
	}
	return c.listener
}
func (c *Connector) Closed() bool {
	if c == nil {
		return true
	}
	return c.closed
}

// SetConnection binds the embedder-owned Connection object. The connector
// borrows this pointer; the embedder must ensure it outlives the connector
// or call SetConnection(nil) before Free (Design Notes: non-owning handle +
// explicit unbind step).
func (c *Connector) SetConnection(conn interface{}) {
	if c == nil {
		return
	}
	c.connection = conn
	if c.xport != nil {
		c.xport.Bind(conn)
		c.xport.SetTrace(uint8(c.trace))
	}
}

func (c *Connector) Connection() interface{} {
	if c == nil {
		return nil
	}
	return c.connection
}

// SetTransport binds the Transport this connector drives through Process.
func (c *Connector) SetTransport(t transport.Transport) {
	if c == nil {
		return
	}
	c.xport = t
}

func (c *Connector) Transport() transport.Transport {
	if c == nil {
		return nil
	}
	return c.xport
}

// Trace propagates flags to the connector and its bound transport.
func (c *Connector) Trace(flags TraceFlags) {
	if c == nil {
		return
	}
	c.trace = flags
	if c.xport != nil {
		c.xport.SetTrace(uint8(flags))
	}
}

// Sasl returns the bound transport's SASL facade, if it implements one.
func (c *Connector) Sasl() transport.Sasl {
	if c == nil || c.xport == nil {
		return nil
	}
	s, _ := c.xport.(transport.Sasl)
	return s
}

// SSL returns the server-mode handle iff this connector was produced by a
// Listener, else the client-mode handle -- pn_connector_ssl's exact rule.
func (c *Connector) SSL() transport.SSLHandle {
	if c == nil || c.xport == nil {
		return nil
	}
	binder, ok := c.xport.(transport.SSLBinder)
	if !ok {
		return nil
	}
	if c.listener != nil {
		return binder.SSLServer()
	}
	return binder.SSLClient()
}

// SetIOHandler installs a substitute I/O handler (TLS interposition point, §4.6).
func (c *Connector) SetIOHandler(h IOHandler) {
	if c == nil || h == nil {
		return
	}
	c.ioHandler = h
}

// drainable reports the §3 condition under which the driver signals the
// external TLS layer to begin clean shutdown.
func (c *Connector) drainable() bool {
	return c.outputSize == 0 && c.inputDone && c.outputDone
}

// syncStatus pushes the readiness-intent bitmask to the poller whenever it
// changes, so the next wait() only reports OS readiness this connector still
// wants (§4.1: "Poller ... sets pending_read/write iff the OS reports
// readiness matching the Connector's status mask").
func (c *Connector) syncStatus() {
	if c.driver == nil || c.closed {
		return
	}
	if err := c.driver.poll.modifyConnector(c.fd, c.status); err != nil {
		c.log.WithError(err).Debug("failed to update poller registration")
	}
}

// --- the four byte-moving primitives (§4.3) ---

// read: recv up to remaining input capacity. On n > 0, extend inputSize. On
// n == 0 or error, clear wantRead and latch inputEOS.
func (c *Connector) read() {
	n, err := unix.Read(c.fd, c.input[c.inputSize:])
	if n <= 0 {
		if err != nil && err != unix.EAGAIN {
			c.log.WithError(err).Debug("read error")
		}
		c.status &^= wantRead
		c.inputEOS = true
		c.syncStatus()
		return
	}
	c.inputSize += n
}

// processInput pushes buffered input into the transport and shifts the
// buffer down by however many bytes were consumed, or discards everything
// and latches inputDone if the transport rejects further input.
func (c *Connector) processInput() {
	if c.inputDone {
		return
	}
	if c.inputSize == 0 && !c.inputEOS {
		return
	}
	if c.xport == nil {
		c.inputSize = 0
		c.inputDone = true
		return
	}

	n := c.xport.Push(c.input[:c.inputSize])
	if n >= 0 {
		c.consumeInput(n)
	} else {
		c.consumeInput(c.inputSize)
		c.inputDone = true
	}
}

func (c *Connector) consumeInput(n int) {
	if n <= 0 {
		return
	}
	if n > c.inputSize {
		n = c.inputSize
	}
	c.inputSize -= n
	copy(c.input[:c.inputSize], c.input[n:n+c.inputSize])
}

// processOutput pulls bytes from the transport into the output buffer,
// asserting wantWrite whenever there is output queued.
func (c *Connector) processOutput() {
	if !c.outputDone {
		if c.xport == nil {
			c.outputDone = true
		} else {
			n := c.xport.Pull(c.output[c.outputSize:])
			if n >= 0 {
				c.outputSize += n
			} else {
				c.outputDone = true
			}
		}
	}

	if c.outputSize > 0 {
		c.status |= wantWrite
		c.syncStatus()
	}
}

// write: send with MSG_NOSIGNAL equivalent (no SIGPIPE). On error, discard
// the entire output buffer and latch outputDone. Clears wantWrite once the
// buffer empties.
func (c *Connector) write() {
	if c.outputSize > 0 {
		n, err := unix.Write(c.fd, c.output[:c.outputSize])
		if err != nil && err != unix.EAGAIN {
			c.log.WithError(err).Debug("write error")
			c.outputSize = 0
			c.outputDone = true
		} else if n > 0 {
			c.outputSize -= n
			copy(c.output[:c.outputSize], c.output[n:n+c.outputSize])
		}
	}

	if c.outputSize == 0 {
		c.status &^= wantWrite
		c.syncStatus()
	}
}

// tick invokes transport.Tick, then reruns processInput/processOutput so any
// in-band framing the tick produced is visible before the next I/O.
func (c *Connector) tick(now time.Time) time.Time {
	if c.xport == nil {
		return time.Time{}
	}
	next := c.xport.Tick(now)
	c.processInput()
	c.processOutput()
	c.wakeupAt = next
	return next
}

// ioHandlerDefault is pn_io_handler verbatim: read (if pending) -> process
// input -> process output -> write (if pending) -> clear both pending flags.
func ioHandlerDefault(c *Connector) error {
	if c.pendingRead {
		c.read()
		c.pendingRead = false
	}
	c.processInput()
	c.processOutput()
	if c.pendingWrite {
		c.write()
		c.pendingWrite = false
	}
	return nil
}

// Process is the embedder's per-connector work call: no-op if closed; runs a
// due tick; runs the installed IOHandler; on failure, closes the connector;
// finally signals SSL shutdown once the connector is drainable.
func (c *Connector) Process() {
	if c == nil || c.closed {
		return
	}

	if c.pendingTick {
		c.tick(time.Now())
		c.pendingTick = false
	}

	if err := c.ioHandler(c); err != nil {
		c.log.WithError(err).Warn("I/O Failure")
		c.Close()
		return
	}

	if c.drainable() {
		if c.trace.any() {
			c.log.Info("Closed " + c.name)
		}
		binder, ok := c.xport.(transport.SSLBinder)
		if !ok {
			// No TLS layer interposed: there is no external shutdown_ssl to
			// wait for, so a drainable plain connector closes itself.
			c.Close()
			return
		}
		var h transport.SSLHandle
		if c.listener != nil {
			h = binder.SSLServer()
		} else {
			h = binder.SSLClient()
		}
		if h != nil {
			h.Shutdown()
		}
		// Shutdown is synchronous for every SSLHandle this driver ships
		// (transport/noise's handle sets its closed flag immediately), so
		// the connector can be reaped in the same cycle rather than
		// re-entering this branch forever waiting on a signal nothing
		// would ever raise.
		c.Close()
	}
}

// Close closes the OS socket and marks the connector closed, counting it
// toward closedCount until Free. Idempotent, and always closes both
// directions (§9's resolved open question: full close, never a bare TCP
// half-close, even with input still pending).
func (c *Connector) Close() {
	if c == nil || c.closed {
		return
	}
	c.status = 0
	_ = unix.Close(c.fd)
	c.closed = true
	if c.driver != nil {
		c.driver.closedCount++
		c.driver.metrics.closed.Set(float64(c.driver.closedCount))
	}
}

// Free unlinks c from its Driver, releases its poller registration and
// transport, and unbinds the borrowed Connection pointer.
func (c *Connector) Free() {
	if c == nil {
		return
	}
	if c.driver != nil {
		_ = c.driver.poll.unregister(c.fd)
		c.driver.removeConnector(c)
	}
	c.connection = nil
	if c.xport != nil {
		c.xport.Free()
		c.xport = nil
	}
}
