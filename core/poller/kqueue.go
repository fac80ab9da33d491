//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
}

// NewPoller creates a new Poller (BSD, macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 1024),
	}, nil
}

// register installs both filters, enabling the ones in interest
func (p *KqueuePoller) register(fd int, interest Interest, edge bool, flags int) error {
	if edge {
		flags |= unix.EV_CLEAR
	}
	changes := make([]unix.Kevent_t, 2)
	readFlags, writeFlags := flags|unix.EV_DISABLE, flags|unix.EV_DISABLE
	if interest&Readable != 0 {
		readFlags = flags | unix.EV_ENABLE
	}
	if interest&Writable != 0 {
		writeFlags = flags | unix.EV_ENABLE
	}
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, readFlags)
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, writeFlags)
	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int, interest Interest, edge bool) error {
	return p.register(fd, interest, edge, unix.EV_ADD)
}

// Mod changes the watched conditions of fd
func (p *KqueuePoller) Mod(fd int, interest Interest, edge bool) error {
	// EV_ADD on an existing registration updates it
	return p.register(fd, interest, edge, unix.EV_ADD)
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	changes := make([]unix.Kevent_t, 2)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, unix.EV_DELETE)
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(events []Event, timeout time.Duration) ([]Event, error) {
	events = events[:0]
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return events, nil
		}
		return events, err
	}

	for i := 0; i < n; i++ {
		ev := p.events[i]
		e := Event{
			Fd:     int(ev.Ident),
			Hangup: ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0,
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			e.Readable = true
		case unix.EVFILT_WRITE:
			e.Writable = true
		}
		events = append(events, e)
	}
	return events, nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
