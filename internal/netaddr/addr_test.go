package netaddr

import (
	"net"
	"testing"
)

func TestEmpty(t *testing.T) {
	var a Addr
	if !a.Empty() {
		t.Fatalf("zero value should be empty")
	}
	a.Port = 1
	if a.Empty() {
		t.Fatalf("nonzero port should not be empty")
	}
}

func TestEqual(t *testing.T) {
	a := Addr{IP: 1, Port: 2}
	b := Addr{IP: 1, Port: 2}
	c := Addr{IP: 1, Port: 3}
	if !a.Equal(b) {
		t.Fatalf("expected equal")
	}
	if a.Equal(c) {
		t.Fatalf("expected not equal")
	}
}

func TestFromTCPAddr(t *testing.T) {
	tcp := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 9000}
	a := FromTCPAddr(tcp)
	if a.String() != "192.168.1.1:9000" {
		t.Fatalf("got %s", a.String())
	}
}

func TestFromNetAddrString(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 80} // not a *net.TCPAddr: exercises the String() parse
	a := FromNetAddr(addr)
	if a.Port != 80 {
		t.Fatalf("expected port 80, got %d", a.Port)
	}
}
