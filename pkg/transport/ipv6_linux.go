//go:build linux
// +build linux

package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenConfig sets IPV6_V6ONLY on the listening socket so a dual-stack
// kernel never silently accepts an IPv4-mapped peer (spec section 6.2:
// "dual-stack sockets MUST NOT silently accept IPv4").
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, rawConn syscall.RawConn) error {
			var sockErr error
			err := rawConn.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}
