// Package netaddr implements the IPv4 host-order address tuple used
// throughout netcore to name connection endpoints.
package netaddr

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Addr is an IPv4 address/port pair, stored host-order the way the
// original BaseSocket carries sockaddr_in fields around in memory.
type Addr struct {
	IP   uint32 // host byte order
	Port uint16 // host byte order
}

// Empty reports whether a is the zero address.
func (a Addr) Empty() bool {
	return a.IP == 0 && a.Port == 0
}

// Equal reports whether a and b name the same endpoint.
func (a Addr) Equal(b Addr) bool {
	return a.IP == b.IP && a.Port == b.Port
}

// String renders "ip:port", e.g. "10.0.0.1:9000".
func (a Addr) String() string {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, a.IP)
	return fmt.Sprintf("%s:%d", ip.String(), a.Port)
}

// FromTCPAddr converts a *net.TCPAddr into an Addr. Only IPv4 is
// supported; per spec.md §1 Non-goals this module never carries IPv6.
func FromTCPAddr(t *net.TCPAddr) Addr {
	if t == nil {
		return Addr{}
	}
	ip4 := t.IP.To4()
	if ip4 == nil {
		return Addr{}
	}
	return Addr{
		IP:   binary.BigEndian.Uint32(ip4),
		Port: uint16(t.Port),
	}
}

// FromNetAddr converts any net.Addr that resolves to a TCP endpoint.
func FromNetAddr(a net.Addr) Addr {
	if a == nil {
		return Addr{}
	}
	if tcp, ok := a.(*net.TCPAddr); ok {
		return FromTCPAddr(tcp)
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return Addr{}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Addr{}
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return Addr{}
	}
	var p int
	fmt.Sscanf(port, "%d", &p)
	return Addr{IP: binary.BigEndian.Uint32(ip4), Port: uint16(p)}
}
