package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	require.NoError(t, unix.SetNonblock(fds[0], true))
	return fds[0], fds[1]
}

func find(events []Event, fd int) (Event, bool) {
	for _, e := range events {
		if e.Fd == fd {
			return e, true
		}
	}
	return Event{}, false
}

func TestReadable(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	a, b := socketPair(t)
	require.NoError(t, p.Add(a, Readable, true))

	events, err := p.Wait(nil, 10*time.Millisecond)
	require.NoError(t, err)
	_, ok := find(events, a)
	require.False(t, ok, "nothing written yet")

	_, err = unix.Write(b, []byte("ping"))
	require.NoError(t, err)

	events, err = p.Wait(events, time.Second)
	require.NoError(t, err)
	ev, ok := find(events, a)
	require.True(t, ok)
	require.True(t, ev.Readable)
}

func TestEdgeTriggeredReportsOnce(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	a, b := socketPair(t)
	require.NoError(t, p.Add(a, Readable, true))
	_, err = unix.Write(b, []byte("ping"))
	require.NoError(t, err)

	events, err := p.Wait(nil, time.Second)
	require.NoError(t, err)
	_, ok := find(events, a)
	require.True(t, ok)

	// not drained, but no new transition
	events, err = p.Wait(events, 20*time.Millisecond)
	require.NoError(t, err)
	_, ok = find(events, a)
	require.False(t, ok)
}

func TestModWritable(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	a, _ := socketPair(t)
	require.NoError(t, p.Add(a, Readable, true))
	require.NoError(t, p.Mod(a, Writable, true))

	events, err := p.Wait(nil, time.Second)
	require.NoError(t, err)
	ev, ok := find(events, a)
	require.True(t, ok)
	require.True(t, ev.Writable)

	require.NoError(t, p.Remove(a))
}

func TestHangup(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	a, b := socketPair(t)
	require.NoError(t, p.Add(a, Readable, true))
	require.NoError(t, unix.Shutdown(b, unix.SHUT_WR))

	events, err := p.Wait(nil, time.Second)
	require.NoError(t, err)
	ev, ok := find(events, a)
	require.True(t, ok)
	require.True(t, ev.Hangup)
}
