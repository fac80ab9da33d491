//go:build linux

package core

import "golang.org/x/sys/unix"

// acceptConn accepts one pending connection as a non-blocking socket
func acceptConn(lfd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}
