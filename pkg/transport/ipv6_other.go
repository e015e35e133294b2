//go:build !linux
// +build !linux

package transport

import "net"

// listenConfig falls back to the platform default; requireIPv6 already
// rejects non-IPv6 addresses at the application layer on every OS.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
