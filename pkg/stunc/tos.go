package stunc

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// SetTOS sets the IPv4 TOS byte or the IPv6 traffic class on a datagram
// socket. Zero leaves the socket untouched.
func SetTOS(conn net.PacketConn, tos int) error {
	if tos == 0 {
		return nil
	}
	if isIPv6(conn.LocalAddr()) {
		return ipv6.NewPacketConn(conn).SetTrafficClass(tos)
	}
	return ipv4.NewPacketConn(conn).SetTOS(tos)
}

// SetStreamTOS is SetTOS for stream connections.
func SetStreamTOS(conn net.Conn, tos int) error {
	if tos == 0 {
		return nil
	}
	if isIPv6(conn.LocalAddr()) {
		return ipv6.NewConn(conn).SetTrafficClass(tos)
	}
	return ipv4.NewConn(conn).SetTOS(tos)
}

func isIPv6(addr net.Addr) bool {
	var ip net.IP
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.TCPAddr:
		ip = a.IP
	default:
		return false
	}
	return ip != nil && ip.To4() == nil
}
