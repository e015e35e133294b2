package transport

import (
	"fmt"
	"net"

	"github.com/stoq-io/stoq/pkg/stoqerr"
)

// requireIPv6 enforces spec section 6.2 / property P8: bind and connect
// addresses must be IPv6; IPv4 and IPv4-mapped addresses are rejected
// before any socket is opened.
func requireIPv6(addr string) (*net.UDPAddr, error) {
	udpAddr, err := net.ResolveUDPAddr("udp6", addr)
	if err != nil {
		return nil, stoqerr.New(stoqerr.Bind, fmt.Sprintf("address %q did not resolve as IPv6", addr), err)
	}
	if udpAddr.IP.To4() != nil {
		return nil, stoqerr.New(stoqerr.Bind, fmt.Sprintf("address %q is an IPv4 address; STOQ requires IPv6", addr), nil)
	}
	return udpAddr, nil
}
