package driver

import "github.com/pkg/errors"

// Sentinel errors surfaced across the embedder boundary. The driver never
// panics or throws on the embedder's behalf; every failure mode here is a
// returned error or a status flag the embedder polls (Connector.Closed,
// Driver.Errno).
var (
	// ErrNotReady is returned by Listener.Accept when the listener has no
	// pending connection.
	ErrNotReady = errors.New("driver: listener not ready")
	// ErrClosed is returned by Listener.Accept on a closed Listener.
	ErrClosed = errors.New("driver: closed")
	// ErrNilDriver mirrors driver.c's "if (!driver) return NULL" guards.
	ErrNilDriver = errors.New("driver: nil driver")
	// ErrUnsupportedConn is returned by AdoptConnectorFD/AdoptListenerFD
	// when given an invalid file descriptor.
	ErrUnsupportedConn = errors.New("driver: unsupported descriptor")
)

// setupError wraps a failure from name resolution, socket creation, bind,
// listen, or connect. It is recorded on Driver.lastErr and also returned
// directly to the caller, so a synchronous setup failure doesn't require a
// separate Errno() check.
func setupError(op string, err error) error {
	return errors.Wrap(err, op)
}
