//go:build linux

package netcore

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/lattice-io/netcore/internal/coreconfig"
)

// listenTCP builds the listening socket by hand so the fixed backlog of
// spec.md §4.4 (coreconfig.ListenBacklog, not the OS's somaxconn
// default) is actually honored — net.Listen does not expose backlog
// control. SO_REUSEADDR is set before bind, matching the original's
// Acceptor::open().
func listenTCP(port int) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}

	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := unix.Listen(fd, coreconfig.ListenBacklog); err != nil {
		unix.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), "netcore-listener")
	ln, err := net.FileListener(f)
	f.Close() // FileListener dup()s internally; the original fd is no longer needed
	if err != nil {
		return nil, err
	}
	return ln, nil
}
