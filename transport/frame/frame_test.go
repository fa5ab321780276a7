package frame_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/d98762625/qpid-proton/transport/frame"
)

func TestSendPullRoundTrip(t *testing.T) {
	tr := frame.New()
	tr.Send(frame.Frame{Type: 3, Payload: []byte("hello")})

	buf := make([]byte, 4096)
	n := tr.Pull(buf)
	require.Greater(t, n, 0)

	peer := frame.New()
	consumed := peer.Push(buf[:n])
	require.Equal(t, n, consumed)
	require.Len(t, peer.Inbox, 1)
	require.Equal(t, byte(3), peer.Inbox[0].Type)
	require.Equal(t, "hello", string(peer.Inbox[0].Payload))
}

func TestPushAccumulatesPartialFrame(t *testing.T) {
	tr := frame.New()
	var hdr [frame.HeaderSize]byte
	hdr[3] = 5 // length = 5, big-endian
	hdr[4] = 1 // type

	n := tr.Push(hdr[:])
	require.Equal(t, frame.HeaderSize, n)
	require.Empty(t, tr.Inbox, "frame isn't complete until the payload arrives")

	n = tr.Push([]byte("world"))
	require.Equal(t, 5, n)
	require.Len(t, tr.Inbox, 1)
	require.Equal(t, "world", string(tr.Inbox[0].Payload))
}
