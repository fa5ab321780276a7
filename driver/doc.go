// Package driver implements a non-blocking, single-threaded I/O multiplexer
// for an AMQP-family messaging stack. It owns a dynamic set of Listeners and
// Connectors, drives each Connector's bytes through a pluggable Transport via
// a pull/push byte contract, and surfaces ready endpoints to an embedder that
// owns the per-connection protocol state.
//
// A Driver is not safe for concurrent use except for Wakeup, which may be
// called from any goroutine to interrupt a blocking Wait.
package driver
