// Package transport defines the byte-oriented contract the driver consumes
// from an AMQP transport (framing/performatives), and the narrower
// SASL/TLS-shaped contracts the driver's connector plumbing plugs into. None
// of these are implemented here -- the driver treats them as external
// collaborators it never constructs itself. Concrete, exercisable
// implementations live in the sibling transport/echo, transport/frame and
// transport/noise packages plus the top-level sasl package.
package transport

import (
	"errors"
	"time"
)

// ErrNotReadyForApplicationData is returned by transports that queue
// application sends only after their handshake phase completes (e.g.
// transport/noise).
var ErrNotReadyForApplicationData = errors.New("transport: handshake not complete")

// Transport is the pull/push byte contract a Connector drives. Push and Pull
// report either a non-negative count of bytes consumed/produced, or a
// negative value meaning "this direction is permanently closed" (ErrClosed
// semantics folded into the return value, matching proton-c's pn_input/
// pn_output which return ssize_t and use a negative value for "closed" rather
// than a distinguishable Go error -- kept that way here so Connector's
// latching logic matches driver.c exactly).
type Transport interface {
	// Push hands the transport up to len(p) bytes of socket input. It
	// returns the number of bytes consumed, or a negative number if the
	// transport will accept no further input.
	Push(p []byte) (consumed int)
	// Pull asks the transport to fill buf with output bytes. It returns the
	// number of bytes written into buf, or a negative number if the
	// transport will produce no further output.
	Pull(buf []byte) (produced int)
	// Tick drives time-based transport behavior (heartbeats, SASL/TLS
	// timeouts) and returns the next absolute deadline at which Tick should
	// be called again (zero means "no pending deadline").
	Tick(now time.Time) (next time.Time)
	// Bind attaches an embedder-owned connection/session object to this
	// transport. conn is an opaque pointer from the driver's perspective.
	Bind(conn interface{})
	// SetTrace propagates the driver's trace bitmask (as a raw uint8, since
	// transport must not import the driver package).
	SetTrace(flags uint8)
	// Free releases any resources the transport owns. Called exactly once,
	// from Connector.Free.
	Free()
}

// SSLBinder is implemented by transports that support in-band TLS-like
// framing (§4.6). Connector.SSL() type-asserts the bound Transport against
// this interface; transports that don't support it leave Connector.SSL()
// returning nil.
type SSLBinder interface {
	// SSLServer returns the server-mode handle, used when the owning
	// Connector was produced by a Listener (Connector.Listener() != nil).
	SSLServer() SSLHandle
	// SSLClient returns the client-mode handle, used otherwise.
	SSLClient() SSLHandle
	// DataReady reports whether this transport has buffered application
	// data ready for immediate delivery, independent of socket readiness.
	// The Driver ORs this across every connector before each poller wait
	// (§4.1, §4.5) so buffered-but-unread data is never stalled on I/O.
	DataReady() bool
}

// SSLHandle is the shutdown contract the driver calls exactly once per
// connector, when that connector becomes drainable (§3, §4.6).
type SSLHandle interface {
	// Shutdown starts the clean TLS/SSL shutdown handshake. Connector.Process
	// closes the connector's socket as soon as Shutdown returns; it does not
	// wait for a shutdown that finishes after the call.
	Shutdown()
	// Free releases handle-owned resources.
	Free()
}

// Sasl is the narrow SASL contract a Connector's Sasl() accessor exposes,
// obtained the same way as SSLBinder (a type assertion against the bound
// Transport). It is intentionally minimal -- the driver does not negotiate
// SASL itself; this only lets an embedder ask what mechanism was negotiated.
type Sasl interface {
	// Mechanism returns the negotiated or offered SASL mechanism name
	// (e.g. "PLAIN", "ANONYMOUS"), mirroring the shape of the
	// Authentication interface used by rabbitmq/amqp091-go's Config.SASL.
	Mechanism() string
	// Outcome returns true once SASL negotiation has completed successfully.
	Outcome() bool
}
