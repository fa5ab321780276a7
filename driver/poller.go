package driver

// readiness bits, named after proton-c's PN_SEL_RD / PN_SEL_WR.
const (
	wantRead  uint8 = 1 << 0
	wantWrite uint8 = 1 << 1
)

// kind distinguishes what a readyEvent refers to, since listeners and
// connectors share one poller registration space.
type kind uint8

const (
	kindListener kind = iota
	kindConnector
)

// readyEvent is one fd's OS readiness report for a single wait() cycle.
type readyEvent struct {
	fd   int
	kind kind
	// bits is the OR of wantRead/wantWrite that fired. For a listener only
	// wantRead is meaningful (incoming connection pending).
	bits uint8
}

// poller is a thin abstraction over the OS readiness primitive (epoll on
// Linux, kqueue on BSD/Darwin). It never touches Listener/Connector state
// directly -- the Driver translates readyEvents into pending flags, keeping
// all state mutation on the Driver's owning goroutine (see §5).
type poller interface {
	// registerListener arms fd for read-readiness (incoming connections).
	registerListener(fd int) error
	// registerConnector arms fd for the given want bits.
	registerConnector(fd int, want uint8) error
	// modifyConnector updates the armed want bits for an already-registered fd.
	modifyConnector(fd int, want uint8) error
	// unregister removes fd from the poller. Idempotent.
	unregister(fd int) error
	// wait blocks up to timeoutMS (negative blocks forever, 0 polls) and
	// returns the batch of fds that became ready. The poller has no special
	// knowledge of the wakeup pipe -- its read end is just another
	// kindListener registration, and the Driver recognizes it by fd in
	// dispatch.
	wait(timeoutMS int) (events []readyEvent, err error)
	// close releases the poller's own OS resources (e.g. the epoll/kqueue fd).
	close() error
}
