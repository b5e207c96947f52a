//go:build !linux

package netcore

import (
	"fmt"
	"net"
)

// listenTCP falls back to the standard library on non-Linux platforms.
// The fixed backlog of spec.md §4.4 is only enforced on the Linux build
// (acceptor_linux.go); see DESIGN.md for the rationale.
func listenTCP(port int) (net.Listener, error) {
	return net.Listen("tcp4", fmt.Sprintf(":%d", port))
}
