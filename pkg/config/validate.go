package config

import (
	"fmt"
	"net"
)

// requireIPv6Addr parses a "[addr]:port" string and rejects anything
// whose address resolves to IPv4 (P8's constraint, checked here before
// the value ever reaches transport.Bind).
func requireIPv6Addr(addr string) (*net.UDPAddr, error) {
	udpAddr, err := net.ResolveUDPAddr("udp6", addr)
	if err != nil {
		return nil, fmt.Errorf("not a valid IPv6 address: %w", err)
	}
	if udpAddr.IP.To4() != nil {
		return nil, fmt.Errorf("address %s is IPv4, STOQ requires IPv6", addr)
	}
	return udpAddr, nil
}
