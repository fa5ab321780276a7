package driver_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/d98762625/qpid-proton/driver"
	"github.com/d98762625/qpid-proton/transport/echo"
)

// waitForConnector polls Wait/NextReadyConnector until pred returns true or
// the deadline passes, the same "wait cycle then assert" shape
// socket515-gaio/aio_test.go's echoServer test uses.
func waitForConnector(t *testing.T, d *driver.Driver, deadline time.Duration, pred func(c *driver.Connector) bool) *driver.Connector {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		require.NoError(t, d.Wait(50))
		for c := d.NextReadyConnector(); c != nil; c = d.NextReadyConnector() {
			c.Process()
			if pred(c) {
				return c
			}
		}
	}
	t.Fatal("deadline exceeded waiting for connector predicate")
	return nil
}

// E1: loopback echo -- connect to an accepted listener, push bytes through
// an echo transport on both sides, and confirm both directions see the same
// bytes.
func TestLoopbackEcho(t *testing.T) {
	d, err := driver.NewDriverWithTrace(driver.TraceConfig{})
	require.NoError(t, err)
	defer d.Free()

	l, err := d.Listen("127.0.0.1", "0", nil)
	require.NoError(t, err)
	addr, err := l.Addr()
	require.NoError(t, err)

	client, err := d.Connect(splitHost(addr), splitPort(addr), nil)
	require.NoError(t, err)
	clientEcho := echo.NewSink()
	client.SetTransport(clientEcho)

	require.NoError(t, d.Wait(200))
	require.NotNil(t, d.NextReadyListener(), "listener should be ready after connect")
	server, err := l.Accept()
	require.NoError(t, err)
	server.SetTransport(echo.New())

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	clientEcho.Send(payload)

	var gotBack []byte
	received := waitForConnector(t, d, 2*time.Second, func(c *driver.Connector) bool {
		if c != client {
			return false
		}
		gotBack = append(gotBack, clientEcho.Received()...)
		return len(gotBack) == len(payload)
	})
	require.Equal(t, client, received)
	require.Equal(t, payload, gotBack)
}

// E2: graceful close -- closing one side must be observed as Closed() on the
// peer within a few cycles, and freeing both connectors and the listener must
// restore the driver's bookkeeping counters to zero connectors / zero listeners.
func TestGracefulClose(t *testing.T) {
	d, err := driver.NewDriverWithTrace(driver.TraceConfig{})
	require.NoError(t, err)
	defer d.Free()

	l, err := d.Listen("127.0.0.1", "0", nil)
	require.NoError(t, err)
	addr, err := l.Addr()
	require.NoError(t, err)

	client, err := d.Connect(splitHost(addr), splitPort(addr), nil)
	require.NoError(t, err)
	client.SetTransport(echo.New())

	require.NoError(t, d.Wait(200))
	require.NotNil(t, d.NextReadyListener())
	server, err := l.Accept()
	require.NoError(t, err)
	server.SetTransport(echo.New())

	client.Transport().(*echo.Transport).Close()
	client.Close()

	end := time.Now().Add(2 * time.Second)
	for !server.Closed() && time.Now().Before(end) {
		require.NoError(t, d.Wait(50))
		for c := d.NextReadyConnector(); c != nil; c = d.NextReadyConnector() {
			c.Process()
		}
	}
	require.True(t, server.Closed())

	server.Free()
	client.Free()
	l.Close()
	l.Free()

	require.Equal(t, 0, d.ConnectorCount())
	require.Equal(t, 0, d.ListenerCount())
}

// TestDriverCountsAfterFree exercises E2's final bookkeeping assertion in
// isolation (driver_listener_count/driver_connector_count/closed_count).
func TestDriverCountsAfterFree(t *testing.T) {
	d, err := driver.NewDriverWithTrace(driver.TraceConfig{})
	require.NoError(t, err)
	defer d.Free()

	l, err := d.Listen("127.0.0.1", "0", nil)
	require.NoError(t, err)
	require.Equal(t, 1, d.ListenerCount())
	require.Equal(t, 0, d.ConnectorCount())

	addr, err := l.Addr()
	require.NoError(t, err)
	client, err := d.Connect(splitHost(addr), splitPort(addr), nil)
	require.NoError(t, err)

	require.NoError(t, d.Wait(200))
	server, err := l.Accept()
	require.NoError(t, err)
	require.Equal(t, 2, d.ConnectorCount())

	server.Free()
	client.Free()
	require.Equal(t, 0, d.ConnectorCount())
	require.Equal(t, 0, d.ClosedCount())

	l.Free()
	require.Equal(t, 0, d.ListenerCount())
}

// E4: a Wakeup from another goroutine interrupts a long Wait and sets no
// listener/connector ready.
func TestCrossThreadWakeup(t *testing.T) {
	d, err := driver.NewDriverWithTrace(driver.TraceConfig{})
	require.NoError(t, err)
	defer d.Free()

	var wg sync.WaitGroup
	wg.Add(1)
	start := time.Now()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		d.Wakeup()
	}()

	require.NoError(t, d.Wait(60000))
	elapsed := time.Since(start)
	wg.Wait()

	require.Less(t, elapsed, 2*time.Second)
	require.Nil(t, d.NextReadyListener())
	require.Nil(t, d.NextReadyConnector())
}

// property 7: the three trace env vars round-trip into the 3-bit mask.
func TestTraceEnvRoundTrip(t *testing.T) {
	cases := []struct {
		raw, frm, drv string
		want          driver.TraceFlags
	}{
		{"", "", "", 0},
		{"1", "", "", driver.TraceRaw},
		{"", "1", "", driver.TraceFrm},
		{"", "", "1", driver.TraceDrv},
		{"1", "1", "1", driver.TraceRaw | driver.TraceFrm | driver.TraceDrv},
		{"false", "0", "off", 0},
	}

	for _, tc := range cases {
		t.Setenv("TRACE_RAW", tc.raw)
		t.Setenv("TRACE_FRM", tc.frm)
		t.Setenv("TRACE_DRV", tc.drv)
		got := driver.LoadTraceConfig().Flags()
		require.Equal(t, tc.want, got, "raw=%q frm=%q drv=%q", tc.raw, tc.frm, tc.drv)
	}
}

func splitHost(addr string) string {
	h, _, _ := net.SplitHostPort(addr)
	return h
}

func splitPort(addr string) string {
	_, p, _ := net.SplitHostPort(addr)
	return p
}
