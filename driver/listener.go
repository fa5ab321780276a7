package driver

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// listenBacklog mirrors driver.c's listen(sock, 50).
const listenBacklog = 50

// Listener is a passive endpoint producing Connectors on Accept.
// Grounded line-for-line on pn_listener_t / pn_listener / pn_listener_fd /
// pn_listener_accept / pn_listener_close / pn_listener_free in driver.c.
type Listener struct {
	driver *Driver
	next   *Listener
	prev   *Listener

	fd      int
	pending bool
	closed  bool
	context interface{}
}

// Listen resolves host:service synchronously, creates a listening TCP
// socket with SO_REUSEADDR, and registers it with the driver's poller. This
// is explicitly blocking (name resolution, bind, listen) and so must not be
// called from inside the hot Wait loop (spec §4.2, §5).
func (d *Driver) Listen(host, service string, context interface{}) (*Listener, error) {
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
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		err = setupError("setsockopt", err)
		d.recordError(err)
		return nil, err
	}

	sa := tcpAddrToSockaddr(addr)
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		err = setupError("bind", err)
		d.recordError(err)
		return nil, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		err = setupError("listen", err)
		d.recordError(err)
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		err = setupError("set nonblock", err)
		d.recordError(err)
		return nil, err
	}

	l, err := d.AdoptListenerFD(fd, context)
	if err != nil {
		return nil, err
	}

	if d.trace.any() {
		d.log.WithField("addr", net.JoinHostPort(host, service)).Info("Listening on " + net.JoinHostPort(host, service))
	}
	return l, nil
}

// AdoptListenerFD wraps an externally-prepared listening fd (pn_listener_fd).
func (d *Driver) AdoptListenerFD(fd int, context interface{}) (*Listener, error) {
	if d == nil {
		return nil, ErrNilDriver
	}
	if fd < 0 {
		return nil, ErrUnsupportedConn
	}

	l := &Listener{fd: fd, context: context}
	if err := d.poll.registerListener(fd); err != nil {
		err = setupError("register listener", err)
		d.recordError(err)
		return nil, err
	}

	d.addListener(l)
	return l, nil
}

// addListener is driver.c's pn_driver_add_listener, including the §3
// invariant that every Listener whose back-pointer equals d appears exactly
// once on d's list.
func (d *Driver) addListener(l *Listener) {
	l.driver = d
	l.prev = d.listenerTail
	l.next = nil
	if d.listenerTail != nil {
		d.listenerTail.next = l
	} else {
		d.listenerHead = l
	}
	d.listenerTail = l
	d.listenerCount++
	d.metrics.listeners.Set(float64(d.listenerCount))
}

// removeListener is driver.c's pn_driver_remove_listener, applying the §4.5
// cursor-removal invariant: if the ready-iterator cursor currently points at
// l, advance it past l before unlinking.
func (d *Driver) removeListener(l *Listener) {
	if l.driver != d {
		return
	}

	if d.listenerNext == l {
		d.listenerNext = l.next
	}

	if l.prev != nil {
		l.prev.next = l.next
	} else {
		d.listenerHead = l.next
	}
	if l.next != nil {
		l.next.prev = l.prev
	} else {
		d.listenerTail = l.prev
	}
	l.next, l.prev = nil, nil

	l.driver = nil
	d.listenerCount--
	d.metrics.listeners.Set(float64(d.listenerCount))
}

// Addr returns the listener's bound local address (host:port), resolving an
// ephemeral port (":0") to whatever the kernel actually assigned.
func (l *Listener) Addr() (string, error) {
	if l == nil {
		return "", ErrNilDriver
	}
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return "", errors.Wrap(err, "getsockname")
	}
	return peerName(sa), nil
}

// Next returns the next Listener on the Driver's full list, independent of
// readiness (pn_listener_next). Embedders that need to walk every listener
// instead of only the ready ones use this plus Driver.ListenerHead.
func (l *Listener) Next() *Listener {
	if l == nil {
		return nil
	}
	return l.next
}

// Context returns the opaque user context supplied at construction.
func (l *Listener) Context() interface{} {
	if l == nil {
		return nil
	}
	return l.context
}

// Accept fails with ErrNotReady if Pending is false; otherwise it performs
// an OS accept, resolves the peer name, and wraps the new socket in a
// Connector bound to the same Driver, linked back to l so the connector can
// select server-side TLS/SASL (pn_listener_accept).
func (l *Listener) Accept() (*Connector, error) {
	if l == nil {
		return nil, ErrNotReady
	}
	if l.closed {
		return nil, ErrClosed
	}
	if !l.pending {
		return nil, ErrNotReady
	}
	l.pending = false

	nfd, sa, err := unix.Accept(l.fd)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, ErrNotReady
		}
		return nil, errors.Wrap(err, "accept")
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return nil, errors.Wrap(err, "set nonblock")
	}

	name := peerName(sa)
	c, err := l.driver.AdoptConnectorFD(nfd, nil)
	if err != nil {
		return nil, err
	}
	c.name = name
	c.listener = l

	if l.driver.trace.any() {
		l.driver.log.WithField("peer", name).Info("Accepted from " + name)
	}
	return c, nil
}

// Close closes the OS socket. Idempotent.
func (l *Listener) Close() {
	if l == nil || l.closed {
		return
	}
	l.closed = true
	_ = unix.Close(l.fd)
}

// Free unlinks l from its Driver, releases its poller registration, and
// releases memory. Must not be called while a ready-iterator cursor points
// at l without first advancing past it -- removeListener enforces that.
func (l *Listener) Free() {
	if l == nil {
		return
	}
	if l.driver != nil {
		_ = l.driver.poll.unregister(l.fd)
		l.driver.removeListener(l)
	}
}

func peerName(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	default:
		return "unknown"
	}
}

func tcpAddrToSockaddr(addr *net.TCPAddr) unix.Sockaddr {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}
