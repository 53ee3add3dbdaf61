package export

import (
	"fmt"
	"net"
)

// DialUDP pre-dials the collector. Writes are fire-and-forget; an ICMP
// unreachable from an earlier datagram may surface as a write error, which
// the exporter counts and does not retry.
func DialUDP(collector string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", collector)
	if err != nil {
		return nil, fmt.Errorf("resolve collector %q: %w", collector, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial collector %q: %w", collector, err)
	}
	return conn, nil
}
