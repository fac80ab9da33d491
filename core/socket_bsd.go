//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package core

import "golang.org/x/sys/unix"

// acceptConn accepts one pending connection as a non-blocking socket
func acceptConn(lfd int) (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept(lfd)
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, nil, err
	}
	return nfd, sa, nil
}
