package core

import (
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/QubitProducts/topNET-sub000/core/poller"
)

// pairedConnection returns a connection on one end of a socketpair and the
// other end for the test to act as the peer
func pairedConnection(t *testing.T, e *Engine) (*Connection, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, e.poller.Add(fds[0], poller.Readable, true))

	c := newConnection(e)
	c.attach(fds[0], "pair", time.Now())
	e.conns.Store(fds[0], c)

	peer := os.NewFile(uintptr(fds[1]), "peer")
	t.Cleanup(func() { peer.Close() })
	return c, peer
}

func TestReplayedBytesOverLimit(t *testing.T) {
	cfg := testConfig()
	cfg.SegmentSize = 512
	cfg.MaxMessageSize = 1024
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Listen())
	t.Cleanup(e.shutdown)

	c, peer := pairedConnection(t, e)
	c.pipelined = append(c.pipelined, strings.Repeat("x", 2000)...)

	now := time.Now()
	require.Negative(t, c.Step(now), "connection must close after the error response")
	c.Close(nil)

	out, err := io.ReadAll(peer)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(out), "HTTP/1.0 400 "), "got %q", out)
	require.Equal(t, int64(1), e.Stats().Errors)
}
