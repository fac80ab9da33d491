// Package poller wraps the kernel readiness multiplexers the engine runs on:
// epoll on Linux and kqueue on the BSDs and macOS.
package poller

import "time"

// Interest is the set of readiness conditions a descriptor is watched for
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event reports the readiness of one descriptor
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool // peer closed or the descriptor failed
}

// Poller is the I/O multiplexing interface. Edge-triggered registrations
// report a condition once per transition; the owner must drain the
// descriptor until EAGAIN before waiting again.
type Poller interface {
	Add(fd int, interest Interest, edge bool) error
	Mod(fd int, interest Interest, edge bool) error
	Remove(fd int) error

	// Wait blocks up to timeout (forever if negative) and appends ready
	// descriptors to events[:0].
	Wait(events []Event, timeout time.Duration) ([]Event, error)

	Close() error
}

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	// round up so short timeouts do not become busy polls
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
